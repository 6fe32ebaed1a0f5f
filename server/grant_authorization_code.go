package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/storage"
)

// AuthorizationCodeGrant redeems a single-use authorization code
// (RFC 6749 §4.1.3).
type AuthorizationCodeGrant struct {
	srv *Server
}

// GrantType implements GrantExecutor
func (g *AuthorizationCodeGrant) GrantType() string {
	return storage.GrantTypeAuthorizationCode
}

// Exec implements GrantExecutor
func (g *AuthorizationCodeGrant) Exec(ctx context.Context, reg *capability.Registry, req *TokenRequest) (*capability.TokenSet, Errors) {
	return g.srv.execGrant(ctx, reg, req, g.GrantType(),
		[]capability.Name{capability.GetClient, capability.ConsumeAuthorizationCode, capability.GenerateTokens},
		g.resolve)
}

// resolve consumes the code. Unknown, expired, reused and foreign codes all
// fail with the same message.
func (g *AuthorizationCodeGrant) resolve(ctx context.Context, reg *capability.Registry, client *storage.Client, req *TokenRequest) (*grant, Errors) {
	if req.Code == "" {
		return nil, Errors{missingField("code")}
	}

	consume, _ := reg.ConsumeAuthorizationCode()
	consumed, err := consume(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeUsed):
		g.codeReused(ctx, reg, client, consumed, req.Code)
		return nil, Errors{invalidCode(err)}
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound), errors.Is(err, storage.ErrAuthorizationCodeExpired):
		g.srv.Logger.Debug("Authorization code rejected",
			"client_id", client.ClientID,
			"code_prefix", util.TokenPrefix(req.Code),
			"error", err)
		return nil, Errors{invalidCode(err)}
	case err != nil:
		g.srv.Logger.Error("consume_authorization_code handler failed", "client_id", client.ClientID, "error", err)
		return nil, Errors{handlerFailure(capability.ConsumeAuthorizationCode, err)}
	case consumed == nil:
		return nil, Errors{invalidCode(nil)}
	}

	if consumed.ClientID != client.ClientID {
		g.srv.Logger.Warn("Authorization code presented by a client it was not issued to",
			"client_id", client.ClientID,
			"code_client_id", consumed.ClientID)
		g.srv.Auditor.LogAuthFailure(ctx, consumed.UserID, client.ClientID, string(ReasonInvalidCode))
		return nil, Errors{invalidCode(nil)}
	}

	// The code's scopes were approved at issuance; they are still capped by
	// the client's current allowance.
	return &grant{
		userID: consumed.UserID,
		scopes: scope.Intersect(consumed.Scopes, client.AllowedScopes),
	}, nil
}

// codeReused handles replay of a redeemed code. Every refresh token issued to
// the code's owner for its client is revoked.
func (g *AuthorizationCodeGrant) codeReused(ctx context.Context, reg *capability.Registry, client *storage.Client, consumed *capability.ConsumedCode, code string) {
	userID := ""
	if consumed != nil {
		userID = consumed.UserID
	}

	g.srv.Logger.Warn("Authorization code reuse detected",
		"client_id", client.ClientID,
		"code_prefix", util.TokenPrefix(code))
	g.srv.Auditor.LogCodeReuse(ctx, userID, client.ClientID)
	if m := g.srv.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}
	instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx), attribute.Bool(instrumentation.AttrCodeReuse, true))

	if consumed == nil || consumed.UserID == "" || consumed.ClientID == "" {
		return
	}
	g.srv.revokeFamily(ctx, reg, capability.FamilyRevocation{
		ClientID: consumed.ClientID,
		UserID:   consumed.UserID,
	}, "authorization_code_reuse")
}
