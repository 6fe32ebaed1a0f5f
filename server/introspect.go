package server

import (
	"context"
	"time"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/token"
)

// Introspect implements RFC 7662 token introspection for an authenticated
// client. It returns metadata for expired tokens too; only Active tells them
// apart.
//
// Steps, stopping at the first failure: handler check, required fields, client
// authentication, hint, decoding, ownership and finally the expiry check.
func (s *Server) Introspect(ctx context.Context, reg *capability.Registry, req *IntrospectionRequest) (*IntrospectionResponse, Errors) {
	if req == nil {
		req = &IntrospectionRequest{}
	}

	start := s.now()
	ctx, span := s.startSpan(ctx, "introspect")
	defer span.End()

	var (
		resp *IntrospectionResponse
		errs Errors
	)
	defer func() {
		outcome := result(errs)
		if resp != nil {
			outcome = "inactive"
			if resp.Active {
				outcome = "active"
			}
			instrumentation.AddIntrospectionAttributes(span, req.TokenTypeHint, resp.Active)
		}
		finishSpan(span, errs)
		if m := s.metrics(); m != nil {
			m.RecordIntrospection(ctx, req.TokenTypeHint, outcome)
		}
		s.Logger.Debug("Token introspected",
			"client_id", req.ClientID,
			"token_type_hint", req.TokenTypeHint,
			"result", outcome,
			"duration_ms", sinceMillis(s.now, start))
	}()

	resp, errs = s.introspect(ctx, reg, req)
	return resp, errs
}

func (s *Server) introspect(ctx context.Context, reg *capability.Registry, req *IntrospectionRequest) (*IntrospectionResponse, Errors) {
	if errs := requireCapabilities(reg, capability.GetTokenClaims, capability.GetClient); errs != nil {
		return nil, errs
	}

	for _, field := range []struct{ name, value string }{
		{"client_id", req.ClientID},
		{"client_secret", req.ClientSecret},
		{"token", req.Token},
		{"token_type_hint", req.TokenTypeHint},
	} {
		if field.value == "" {
			return nil, Errors{missingField(field.name)}
		}
	}

	client, errs := s.AuthenticateClient(ctx, reg, req.ClientCredentials)
	if errs != nil {
		return nil, errs
	}

	kind, ok := token.ParseKind(req.TokenTypeHint)
	if !ok {
		return nil, Errors{unsupportedTokenTypeHint(req.TokenTypeHint)}
	}

	getClaims, _ := reg.GetTokenClaims()
	claims, err := getClaims(ctx, capability.TokenClaimsRequest{Token: req.Token, TokenTypeHint: kind})
	if err == nil && claims == nil {
		err = token.ErrInvalidToken
	}
	if err != nil {
		s.Logger.Debug("Token could not be decoded",
			"client_id", client.ClientID,
			"token_type_hint", kind,
			"error", err)
		return nil, Errors{invalidToken(kind, err)}
	}

	if claims.ClientID != client.ClientID {
		s.Logger.Warn("Client introspected a token it does not own",
			"client_id", client.ClientID,
			"token_client_id", claims.ClientID)
		s.Auditor.LogAuthFailure(ctx, claims.Subject, client.ClientID, string(ReasonTokenOwnerMismatch))
		return nil, Errors{clientNotFound(ReasonTokenOwnerMismatch)}
	}

	cfg, errs := s.tokenConfig(ctx, reg, client.ClientID)
	if errs != nil {
		return nil, errs
	}

	active := !claims.Revoked && !s.expired(claims, cfg.Expiry.Window(kind))
	s.Auditor.LogIntrospection(ctx, client.ClientID, string(kind), active)

	return &IntrospectionResponse{
		Active:    active,
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		Audience:  claims.Audience,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope(),
		TokenType: token.TypeBearer,
		ExpiresAt: unix(claims.ExpiresAt),
		IssuedAt:  unix(claims.IssuedAt),
	}, nil
}

// tokenConfig returns the per-client configuration from get_config, or the
// server's own when no handler is registered.
func (s *Server) tokenConfig(ctx context.Context, reg *capability.Registry, clientID string) (capability.Config, Errors) {
	getConfig, ok := reg.GetConfig()
	if !ok {
		return s.Config.Token, nil
	}

	cfg, err := getConfig(ctx, clientID)
	if err != nil {
		s.Logger.Error("get_config handler failed", "client_id", clientID, "error", err)
		return capability.Config{}, Errors{handlerFailure(capability.GetConfig, err)}
	}
	if cfg == nil {
		return s.Config.Token, nil
	}
	return *cfg, nil
}

// expired applies the configured window to claims. A negative window expires
// every token at once, regardless of the clock skew allowance.
func (s *Server) expired(claims *token.Claims, window time.Duration) bool {
	if window < 0 {
		return true
	}
	return security.IsTokenExpiredAt(token.EffectiveExpiry(claims, window), s.now(), s.Config.gracePeriod())
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
