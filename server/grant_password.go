package server

import (
	"context"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/storage"
)

// PasswordGrant implements the resource owner password credentials grant
// (RFC 6749 §4.3).
type PasswordGrant struct {
	srv *Server
}

// GrantType implements GrantExecutor
func (g *PasswordGrant) GrantType() string {
	return storage.GrantTypePassword
}

// Exec implements GrantExecutor
func (g *PasswordGrant) Exec(ctx context.Context, reg *capability.Registry, req *TokenRequest) (*capability.TokenSet, Errors) {
	return g.srv.execGrant(ctx, reg, req, g.GrantType(),
		[]capability.Name{capability.GetClient, capability.AuthenticateUser, capability.GenerateTokens},
		g.resolve)
}

func (g *PasswordGrant) resolve(ctx context.Context, reg *capability.Registry, client *storage.Client, req *TokenRequest) (*grant, Errors) {
	if req.Username == "" {
		return nil, Errors{missingField("username")}
	}
	if req.Password == "" {
		return nil, Errors{missingField("password")}
	}

	authenticate, _ := reg.AuthenticateUser()
	userID, err := authenticate(ctx, capability.UserCredentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		g.srv.Logger.Error("authenticate_user handler failed", "client_id", client.ClientID, "error", err)
		return nil, Errors{handlerFailure(capability.AuthenticateUser, err)}
	}
	if userID == "" {
		g.srv.Auditor.LogAuthFailure(ctx, "", client.ClientID, string(ReasonInvalidUserCredentials))
		return nil, Errors{invalidUserCredentials()}
	}

	scopes, errs := g.srv.grantScopes(ctx, client, userID, req.Scope)
	if errs != nil {
		return nil, errs
	}

	return &grant{userID: userID, scopes: scopes}, nil
}
