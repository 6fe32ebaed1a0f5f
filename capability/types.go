package capability

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/token"
)

// Default lifetimes in seconds, applied when a Config leaves a value at zero.
const (
	DefaultAccessTokenExpiry       int64 = 3600    // 1 hour
	DefaultIDTokenExpiry           int64 = 3600    // 1 hour
	DefaultRefreshTokenExpiry      int64 = 7776000 // 90 days
	DefaultAuthorizationCodeExpiry int64 = 600     // 10 minutes
)

// UserCredentials are the resource owner credentials of a password grant.
type UserCredentials struct {
	Username string
	Password string
}

// MintRequest asks generate_tokens for a token set.
type MintRequest struct {
	ClientID  string
	UserID    string
	Scopes    []string
	GrantType string

	// IssueIDToken is set when the openid scope was granted
	IssueIDToken bool

	// IssueRefreshToken is set when the grant may produce a refresh token
	IssueRefreshToken bool

	// FamilyID continues the rotation chain of a redeemed refresh token.
	// Empty starts a new chain.
	FamilyID string
}

// CodeRequest asks generate_authorization_code for a new code.
type CodeRequest struct {
	ClientID string
	UserID   string
	Scopes   []string
}

// CodeResult is a generated authorization code.
type CodeResult struct {
	Code      string
	ExpiresAt time.Time
}

// ConsumedCode is what a redeemed authorization code was bound to.
type ConsumedCode struct {
	ClientID string
	UserID   string
	Scopes   []string
}

// RefreshTokenRequest identifies a refresh token presented by a client.
type RefreshTokenRequest struct {
	ClientID string
	Token    string

	// Consume asks validate_refresh_token to redeem the token in the same
	// atomic step, so no concurrent request can validate it again. Set when
	// the token is about to be rotated.
	Consume bool
}

// FamilyRevocation selects the refresh tokens revoked after a replay.
type FamilyRevocation struct {
	ClientID string
	UserID   string

	// FamilyID narrows the revocation to one rotation chain. Empty revokes
	// every refresh token UserID holds for ClientID.
	FamilyID string
}

// TokenClaimsRequest asks get_token_claims to decode a token.
type TokenClaimsRequest struct {
	Token         string
	TokenTypeHint token.Kind
}

// TokenSet is the result of a successful grant.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	TokenType    string

	// ExpiresIn is the access token lifetime in seconds
	ExpiresIn int64

	Scopes []string
}

// Scope returns the granted scopes in wire format.
func (t *TokenSet) Scope() string {
	return scope.Format(t.Scopes)
}

// OAuth2Token converts the set to an oauth2.Token. The id token and scope are
// carried as extras.
func (t *TokenSet) OAuth2Token() *oauth2.Token {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = token.TypeBearer
	}

	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    tokenType,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
	}

	extra := make(map[string]any, 2)
	if t.IDToken != "" {
		extra["id_token"] = t.IDToken
	}
	if len(t.Scopes) > 0 {
		extra["scope"] = t.Scope()
	}
	return tok.WithExtra(extra)
}

// Expiry holds token lifetimes in seconds. Zero means unset. Negative values
// are valid and make tokens expire immediately.
type Expiry struct {
	AccessToken       int64 `yaml:"access_token" mapstructure:"access_token"`
	IDToken           int64 `yaml:"id_token" mapstructure:"id_token"`
	RefreshToken      int64 `yaml:"refresh_token" mapstructure:"refresh_token"`
	AuthorizationCode int64 `yaml:"authorization_code" mapstructure:"authorization_code"`
}

// Window returns the configured lifetime for kind, or zero when unset.
func (e Expiry) Window(kind token.Kind) time.Duration {
	var seconds int64
	switch kind {
	case token.AccessToken:
		seconds = e.AccessToken
	case token.IDToken:
		seconds = e.IDToken
	case token.RefreshToken:
		seconds = e.RefreshToken
	}
	return time.Duration(seconds) * time.Second
}

// Config is the issuer configuration returned by get_config.
type Config struct {
	Issuer   string `yaml:"issuer" mapstructure:"issuer"`
	Audience string `yaml:"audience" mapstructure:"audience"`
	Expiry   Expiry `yaml:"expiry" mapstructure:"expiry"`
}

// WithDefaults returns a copy of c with unset lifetimes defaulted.
func (c Config) WithDefaults() Config {
	if c.Expiry.AccessToken == 0 {
		c.Expiry.AccessToken = DefaultAccessTokenExpiry
	}
	if c.Expiry.IDToken == 0 {
		c.Expiry.IDToken = DefaultIDTokenExpiry
	}
	if c.Expiry.RefreshToken == 0 {
		c.Expiry.RefreshToken = DefaultRefreshTokenExpiry
	}
	if c.Expiry.AuthorizationCode == 0 {
		c.Expiry.AuthorizationCode = DefaultAuthorizationCodeExpiry
	}
	return c
}
