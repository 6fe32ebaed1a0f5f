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
	"github.com/giantswarm/oauth-core/token"
)

// RefreshTokenGrant exchanges a refresh token for a new token set
// (RFC 6749 §6). Unless Config.DisableRefreshTokenRotation is set the
// presented token is replaced and revoked.
type RefreshTokenGrant struct {
	srv *Server
}

// GrantType implements GrantExecutor
func (g *RefreshTokenGrant) GrantType() string {
	return storage.GrantTypeRefreshToken
}

// Exec implements GrantExecutor
func (g *RefreshTokenGrant) Exec(ctx context.Context, reg *capability.Registry, req *TokenRequest) (*capability.TokenSet, Errors) {
	return g.srv.execGrant(ctx, reg, req, g.GrantType(),
		[]capability.Name{capability.GetClient, capability.ValidateRefreshToken, capability.GenerateTokens},
		g.resolve)
}

// resolve validates the presented token read-only, applies the scope rules
// and then, when rotating, redeems it with a second atomic validation. Only
// one concurrent redemption wins; the losers are treated as replay.
func (g *RefreshTokenGrant) resolve(ctx context.Context, reg *capability.Registry, client *storage.Client, req *TokenRequest) (*grant, Errors) {
	if req.RefreshToken == "" {
		return nil, Errors{missingField("refresh_token")}
	}

	rotate := !g.srv.Config.DisableRefreshTokenRotation
	presented := capability.RefreshTokenRequest{ClientID: client.ClientID, Token: req.RefreshToken}

	claims, errs := g.validate(ctx, reg, client, presented)
	if errs != nil {
		return nil, errs
	}

	// A refresh may narrow the original grant, never widen it.
	scopes := claims.Scopes
	if requested := scope.Parse(req.Scope); len(requested) > 0 {
		if rejected := scope.Missing(requested, claims.Scopes); len(rejected) > 0 {
			g.srv.Auditor.LogScopeEscalation(ctx, claims.Subject, client.ClientID, rejected)
			return nil, Errors{invalidScope(rejected)}
		}
		scopes = requested
	}

	if rotate {
		consume := presented
		consume.Consume = true
		if _, errs := g.validate(ctx, reg, client, consume); errs != nil {
			return nil, errs
		}
	}

	return &grant{
		userID:       claims.Subject,
		scopes:       scope.Normalize(scopes),
		refreshToken: &rotate,
		familyID:     claims.FamilyID,
		issued: func(ctx context.Context, set *capability.TokenSet) {
			if rotate {
				g.revoke(ctx, reg, presented)
			} else {
				set.RefreshToken = req.RefreshToken
			}

			g.srv.Auditor.LogTokenRefreshed(ctx, claims.Subject, client.ClientID, rotate)
			if m := g.srv.metrics(); m != nil {
				m.RecordTokenRefresh(ctx, client.ClientID, rotate)
			}
			instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx), attribute.Bool(instrumentation.AttrTokenRotated, rotate))
		},
	}, nil
}

// validate runs validate_refresh_token and enforces the client binding.
func (g *RefreshTokenGrant) validate(ctx context.Context, reg *capability.Registry, client *storage.Client, presented capability.RefreshTokenRequest) (*token.Claims, Errors) {
	validate, _ := reg.ValidateRefreshToken()
	claims, err := validate(ctx, presented)
	switch {
	case errors.Is(err, storage.ErrRefreshTokenReused):
		g.reused(ctx, reg, client, claims)
		return nil, Errors{invalidRefreshToken()}
	case err != nil:
		g.srv.Logger.Error("validate_refresh_token handler failed", "client_id", client.ClientID, "error", err)
		return nil, Errors{handlerFailure(capability.ValidateRefreshToken, err)}
	case claims == nil:
		return nil, Errors{invalidRefreshToken()}
	}

	if claims.ClientID != client.ClientID {
		g.srv.Logger.Warn("Refresh token presented by a client it was not issued to",
			"client_id", client.ClientID,
			"token_client_id", claims.ClientID)
		g.srv.Auditor.LogAuthFailure(ctx, claims.Subject, client.ClientID, string(ReasonInvalidRefreshToken))
		return nil, Errors{invalidRefreshToken()}
	}
	return claims, nil
}

// reused handles a rotated or revoked refresh token presented again. The
// whole rotation chain is revoked, since either the legitimate client or an
// attacker now holds a live descendant.
func (g *RefreshTokenGrant) reused(ctx context.Context, reg *capability.Registry, client *storage.Client, claims *token.Claims) {
	var userID, familyID string
	if claims != nil {
		userID, familyID = claims.Subject, claims.FamilyID
	}

	g.srv.Logger.Warn("Refresh token reuse detected",
		"client_id", client.ClientID,
		"family_id", util.TokenPrefix(familyID))
	g.srv.Auditor.LogRefreshTokenReuse(ctx, userID, client.ClientID, familyID)
	if m := g.srv.metrics(); m != nil {
		m.RecordRefreshReuseDetected(ctx)
	}
	instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx), attribute.Bool(instrumentation.AttrRefreshReuse, true))

	if userID == "" {
		return
	}
	g.srv.revokeFamily(ctx, reg, capability.FamilyRevocation{
		ClientID: client.ClientID,
		UserID:   userID,
		FamilyID: familyID,
	}, "refresh_token_reuse")
}

// revoke invalidates the rotated-out refresh token. The new token set has
// already been minted, so a failure is logged and not reported.
func (g *RefreshTokenGrant) revoke(ctx context.Context, reg *capability.Registry, presented capability.RefreshTokenRequest) {
	revoke, ok := reg.RevokeRefreshToken()
	if !ok {
		g.srv.Logger.Debug("No revoke_refresh_token handler registered, rotated token stays valid until expiry",
			"client_id", presented.ClientID)
		return
	}
	if err := revoke(ctx, presented); err != nil {
		g.srv.Logger.Error("Failed to revoke rotated refresh token",
			"client_id", presented.ClientID,
			"error", err)
	}
}
