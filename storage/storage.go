// Package storage defines the data model and persistence interfaces behind the
// reference capability handlers: clients, users, authorization codes and
// refresh token records.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Sentinel errors returned (wrapped) by every backend.
var (
	// ErrClientNotFound is returned when no client is registered under the given id
	ErrClientNotFound = errors.New("client not found")

	// ErrUserNotFound is returned when no user matches the given username
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidCredentials is returned when a secret or password does not match
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAuthorizationCodeNotFound is returned for unknown authorization codes
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed is returned when a code has already been redeemed.
	// Backends return it from AtomicCheckAndMarkAuthCodeUsed so callers can
	// detect replay.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrAuthorizationCodeExpired is returned for codes past their expiry
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrRefreshTokenNotFound is returned when a refresh token record is missing,
	// which covers revoked and rotated tokens.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenExpired is returned for refresh token records past their expiry
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrRefreshTokenReused reports a validly signed refresh token whose
	// record was already redeemed or revoked.
	ErrRefreshTokenReused = errors.New("refresh token already used")
)

// Grant type identifiers stored in Client.AllowedGrantTypes.
const (
	GrantTypePassword          = "password"
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Client is a registered OAuth client. The core only reads it.
type Client struct {
	ClientID string

	// ClientSecretHash is the bcrypt hash of the client secret. Stores always
	// populate it; ClientSecret is only used by embedders that keep plain
	// secrets in their own get_client handler.
	ClientSecretHash string
	ClientSecret     string

	ClientName        string
	AllowedScopes     []string
	AllowedGrantTypes []string
	CreatedAt         time.Time
}

// AllowsGrantType reports whether the client may use grantType. An empty
// AllowedGrantTypes list places no restriction.
func (c *Client) AllowsGrantType(grantType string) bool {
	if len(c.AllowedGrantTypes) == 0 {
		return true
	}
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// User is a resource owner that can authenticate with the password grant.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// AuthorizationCode is a single-use code bound to a client and user.
type AuthorizationCode struct {
	Code      string
	ClientID  string
	UserID    string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// RefreshToken is the server-side record of an issued refresh token, keyed by
// the token's jti claim. A refresh token whose record is gone is revoked.
type RefreshToken struct {
	ID string

	// FamilyID is shared by every token in one rotation chain, starting
	// with the token issued by the original grant.
	FamilyID string

	ClientID  string
	UserID    string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ClientStore persists OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns ErrClientNotFound when the client does not exist
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients returns all registered clients
	ListClients(ctx context.Context) ([]*Client, error)
}

// UserStore persists resource owners.
type UserStore interface {
	// SaveUser creates or replaces a user
	SaveUser(ctx context.Context, user *User) error

	// AuthenticateUser verifies a username/password pair and returns the user.
	// It returns ErrUserNotFound or ErrInvalidCredentials on failure.
	AuthenticateUser(ctx context.Context, username, password string) (*User, error)
}

// FlowStore persists authorization codes.
type FlowStore interface {
	// SaveAuthorizationCode stores a freshly generated code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns a code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused and
	// unexpired and marks it used. Exactly one concurrent caller succeeds; the
	// others receive ErrAuthorizationCodeUsed together with the code record so
	// replay can be attributed.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists refresh token records.
type TokenStore interface {
	// SaveRefreshToken records an issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns ErrRefreshTokenNotFound for unknown or revoked ids
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// DeleteRefreshToken revokes a refresh token record
	DeleteRefreshToken(ctx context.Context, id string) error

	// AtomicGetAndDeleteRefreshToken returns a live record and deletes it in
	// one step. Exactly one concurrent caller gets the record; the others
	// receive ErrRefreshTokenNotFound.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// RevokeRefreshTokenFamily deletes every record of a rotation chain and
	// returns how many were removed.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeAllTokensForUserClient deletes every refresh token record userID
	// holds for clientID and returns how many were removed.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// Store is implemented by backends that provide every interface above.
type Store interface {
	ClientStore
	UserStore
	FlowStore
	TokenStore
}
