// Package token encodes and decodes the access, id and refresh tokens minted by
// the reference capability handlers.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/security"
)

// Kind identifies one of the three token kinds. Its string form doubles as
// the RFC 7662 token_type_hint value.
type Kind string

const (
	AccessToken  Kind = "access_token"
	IDToken      Kind = "id_token"
	RefreshToken Kind = "refresh_token"
)

// TypeBearer is the only token_type issued.
const TypeBearer = "Bearer"

// Kinds lists every supported kind.
var Kinds = []Kind{AccessToken, IDToken, RefreshToken}

// ParseKind converts a token_type_hint into a Kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// ErrInvalidToken is matched by every decode failure.
var ErrInvalidToken = errors.New("invalid token")

// InvalidTokenError reports a token that failed to decode as Kind. Its message
// is the client-facing "Invalid <kind>" text; the cause is kept for logs.
type InvalidTokenError struct {
	Kind  Kind
	Cause error
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("Invalid %s", e.Kind)
}

func (e *InvalidTokenError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrInvalidToken}
	}
	return []error{ErrInvalidToken, e.Cause}
}

func invalid(kind Kind, cause error) error {
	return &InvalidTokenError{Kind: kind, Cause: cause}
}

// Claims is the decoded content of a token.
type Claims struct {
	ID        string
	Kind      Kind
	Issuer    string
	Subject   string
	Audience  string
	ClientID  string
	Scopes    []string
	TokenType string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// FamilyID links a refresh token to its rotation chain
	FamilyID string

	// Revoked is set by lookups that track issued tokens server side. It is
	// never encoded.
	Revoked bool
}

// Scope returns the space-delimited scope string.
func (c *Claims) Scope() string {
	return scope.Format(c.Scopes)
}

// IsExpired reports whether the claims are expired at now.
func IsExpired(c *Claims, now time.Time) bool {
	return IsExpiredWithGracePeriod(c, now, 0)
}

// IsExpiredWithGracePeriod is IsExpired with a clock skew allowance.
func IsExpiredWithGracePeriod(c *Claims, now time.Time, grace time.Duration) bool {
	return security.IsTokenExpiredAt(c.ExpiresAt, now, grace)
}

// EffectiveExpiry applies a configured lifetime window to already issued
// claims. The result is min(exp, iat+window): configuration can shorten a
// token's life but never extend what was signed. A zero window, or claims
// without iat, leave exp unchanged.
func EffectiveExpiry(c *Claims, window time.Duration) time.Time {
	if window == 0 || c.IssuedAt.IsZero() {
		return c.ExpiresAt
	}
	windowEnd := c.IssuedAt.Add(window)
	if c.ExpiresAt.IsZero() || windowEnd.Before(c.ExpiresAt) {
		return windowEnd
	}
	return c.ExpiresAt
}
