package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/token"
)

// GrantExecutor runs one OAuth grant type.
type GrantExecutor interface {
	// GrantType returns the grant_type value the executor handles
	GrantType() string

	// Exec validates req against reg and mints a token set. A non-empty error
	// list means no tokens were issued.
	Exec(ctx context.Context, reg *capability.Registry, req *TokenRequest) (*capability.TokenSet, Errors)
}

// grant is what a grant variant resolved for an authenticated client.
type grant struct {
	userID string
	scopes []string

	// refreshToken overrides the default refresh token policy when set
	refreshToken *bool

	// familyID continues a refresh token rotation chain
	familyID string

	// issued runs after generate_tokens succeeded
	issued func(ctx context.Context, set *capability.TokenSet)
}

// resolveFunc holds the grant specific checks that run after client
// authentication.
type resolveFunc func(ctx context.Context, reg *capability.Registry, client *storage.Client, req *TokenRequest) (*grant, Errors)

// execGrant is the pipeline shared by every grant type: capability check,
// client authentication, grant type permission, the variant's own checks and
// finally generate_tokens.
func (s *Server) execGrant(ctx context.Context, reg *capability.Registry, req *TokenRequest, grantType string, required []capability.Name, resolve resolveFunc) (*capability.TokenSet, Errors) {
	if req == nil {
		req = &TokenRequest{}
	}

	start := s.now()
	ctx, span := s.startSpan(ctx, "grant."+grantType)
	defer span.End()

	var (
		set  *capability.TokenSet
		g    *grant
		errs Errors
	)
	defer func() {
		userID := ""
		if g != nil {
			userID = g.userID
		}
		granted := ""
		if set != nil {
			granted = set.Scope()
		}
		instrumentation.AddGrantAttributes(span, grantType, req.ClientID, userID, granted)
		finishSpan(span, errs)
		if m := s.metrics(); m != nil {
			m.RecordGrant(ctx, grantType, req.ClientID, result(errs), sinceMillis(s.now, start))
		}
	}()

	if errs = requireCapabilities(reg, required...); errs != nil {
		return nil, errs
	}

	client, errs := s.AuthenticateClient(ctx, reg, req.ClientCredentials)
	if errs != nil {
		return nil, errs
	}

	if !client.AllowsGrantType(grantType) {
		s.Logger.Warn("Client used a grant type it is not registered for",
			"client_id", client.ClientID,
			"grant_type", grantType)
		s.Auditor.LogAuthFailure(ctx, "", client.ClientID, string(ReasonUnauthorizedGrantType))
		errs = Errors{unauthorizedGrantType(grantType)}
		return nil, errs
	}

	g, errs = resolve(ctx, reg, client, req)
	if errs != nil {
		return nil, errs
	}

	set, errs = s.mint(ctx, reg, client, grantType, g)
	if errs != nil {
		return nil, errs
	}

	if g.issued != nil {
		g.issued(ctx, set)
	}
	s.Auditor.LogTokenIssued(ctx, g.userID, client.ClientID, grantType, set.Scope())
	return set, nil
}

// mint calls generate_tokens for g. The token set is always bound to the
// authenticated client.
func (s *Server) mint(ctx context.Context, reg *capability.Registry, client *storage.Client, grantType string, g *grant) (*capability.TokenSet, Errors) {
	generate, ok := lookup(reg).GenerateTokens()
	if !ok {
		return nil, Errors{missingHandler(capability.GenerateTokens)}
	}

	set, err := generate(ctx, capability.MintRequest{
		ClientID:          client.ClientID,
		UserID:            g.userID,
		Scopes:            g.scopes,
		GrantType:         grantType,
		IssueIDToken:      scope.Contains(g.scopes, scope.OpenID),
		IssueRefreshToken: g.issueRefreshToken(client),
		FamilyID:          g.familyID,
	})
	if err == nil && set == nil {
		err = errors.New("no token set returned")
	}
	if err != nil {
		s.Logger.Error("generate_tokens handler failed",
			"client_id", client.ClientID,
			"grant_type", grantType,
			"error", err)
		return nil, Errors{handlerFailure(capability.GenerateTokens, err)}
	}

	if set.TokenType == "" {
		set.TokenType = token.TypeBearer
	}
	if set.Scopes == nil {
		set.Scopes = g.scopes
	}
	return set, nil
}

// issueRefreshToken reports whether a refresh token should accompany the
// access token. By default that is when offline_access was granted or the
// client may use the refresh_token grant.
func (g *grant) issueRefreshToken(client *storage.Client) bool {
	if g.refreshToken != nil {
		return *g.refreshToken
	}
	return scope.Contains(g.scopes, scope.OfflineAccess) ||
		client.AllowsGrantType(storage.GrantTypeRefreshToken)
}

// grantScopes validates requested scopes against the client's allowance. Any
// scope outside it fails the request; granted is always a subset of both.
func (s *Server) grantScopes(ctx context.Context, client *storage.Client, userID, requested string) ([]string, Errors) {
	want := scope.Parse(requested)
	if rejected := scope.Missing(want, client.AllowedScopes); len(rejected) > 0 {
		s.Logger.Warn("Scope escalation attempt",
			"client_id", client.ClientID,
			"rejected", rejected)
		s.Auditor.LogScopeEscalation(ctx, userID, client.ClientID, rejected)
		return nil, Errors{invalidScope(rejected)}
	}
	return scope.Intersect(want, client.AllowedScopes), nil
}

// revokeFamily revokes refresh tokens after a replay. It is best effort: the
// request fails either way, and without a revoke_token_family handler only
// the detection is recorded.
func (s *Server) revokeFamily(ctx context.Context, reg *capability.Registry, req capability.FamilyRevocation, trigger string) {
	revoke, ok := lookup(reg).RevokeTokenFamily()
	if !ok {
		s.Logger.Debug("No revoke_token_family handler registered, tokens stay valid until expiry",
			"client_id", req.ClientID,
			"trigger", trigger)
		return
	}

	n, err := revoke(ctx, req)
	if err != nil {
		s.Logger.Error("Failed to revoke refresh tokens after replay",
			"client_id", req.ClientID,
			"trigger", trigger,
			"error", err)
		return
	}

	s.Logger.Info("Revoked refresh tokens after replay",
		"client_id", req.ClientID,
		"trigger", trigger,
		"revoked", n)
	s.Auditor.LogTokensRevoked(ctx, req.UserID, req.ClientID, trigger, n)
	if m := s.metrics(); m != nil {
		m.RecordRefreshTokensRevoked(ctx, trigger, n)
	}
}

// sinceMillis is the elapsed time in milliseconds, for metrics.
func sinceMillis(now func() time.Time, start time.Time) float64 {
	return float64(now().Sub(start).Microseconds()) / 1000
}
