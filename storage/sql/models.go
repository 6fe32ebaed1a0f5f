package sqlstore

import (
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/storage"
)

// Scopes and grant types are stored as space-delimited text so the schema is
// identical on SQLite and PostgreSQL.

type clientRecord struct {
	bun.BaseModel `bun:"table:oauth_clients,alias:oc"`

	ClientID         string    `bun:"client_id,pk"`
	ClientSecretHash string    `bun:"client_secret_hash,notnull"`
	ClientName       string    `bun:"client_name,notnull"`
	Scope            string    `bun:"scope,notnull"`
	GrantTypes       string    `bun:"grant_types,notnull"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
}

func newClientRecord(client *storage.Client) *clientRecord {
	return &clientRecord{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientName:       client.ClientName,
		Scope:            scope.Format(client.AllowedScopes),
		GrantTypes:       strings.Join(client.AllowedGrantTypes, " "),
		CreatedAt:        client.CreatedAt.UTC(),
	}
}

func (r *clientRecord) toDomain() *storage.Client {
	return &storage.Client{
		ClientID:          r.ClientID,
		ClientSecretHash:  r.ClientSecretHash,
		ClientName:        r.ClientName,
		AllowedScopes:     scope.Parse(r.Scope),
		AllowedGrantTypes: strings.Fields(r.GrantTypes),
		CreatedAt:         r.CreatedAt,
	}
}

type userRecord struct {
	bun.BaseModel `bun:"table:oauth_users,alias:ou"`

	Username     string    `bun:"username,pk"`
	ID           string    `bun:"id,notnull"`
	PasswordHash string    `bun:"password_hash,notnull"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
}

func newUserRecord(user *storage.User) *userRecord {
	return &userRecord{
		Username:     user.Username,
		ID:           user.ID,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt.UTC(),
	}
}

func (r *userRecord) toDomain() *storage.User {
	return &storage.User{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
	}
}

type authorizationCodeRecord struct {
	bun.BaseModel `bun:"table:oauth_authorization_codes,alias:oac"`

	Code      string    `bun:"code,pk"`
	ClientID  string    `bun:"client_id,notnull"`
	UserID    string    `bun:"user_id,notnull"`
	Scope     string    `bun:"scope,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	ExpiresAt time.Time `bun:"expires_at,nullzero"`
	Used      bool      `bun:"used,notnull"`
}

func newAuthorizationCodeRecord(code *storage.AuthorizationCode) *authorizationCodeRecord {
	return &authorizationCodeRecord{
		Code:      code.Code,
		ClientID:  code.ClientID,
		UserID:    code.UserID,
		Scope:     scope.Format(code.Scopes),
		CreatedAt: code.CreatedAt.UTC(),
		ExpiresAt: utcOrZero(code.ExpiresAt),
		Used:      code.Used,
	}
}

func (r *authorizationCodeRecord) toDomain() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:      r.Code,
		ClientID:  r.ClientID,
		UserID:    r.UserID,
		Scopes:    scope.Parse(r.Scope),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Used:      r.Used,
	}
}

type refreshTokenRecord struct {
	bun.BaseModel `bun:"table:oauth_refresh_tokens,alias:ort"`

	ID        string    `bun:"id,pk"`
	FamilyID  string    `bun:"family_id,notnull"`
	ClientID  string    `bun:"client_id,notnull"`
	UserID    string    `bun:"user_id,notnull"`
	Scope     string    `bun:"scope,notnull"`
	IssuedAt  time.Time `bun:"issued_at,notnull"`
	ExpiresAt time.Time `bun:"expires_at,nullzero"`
}

func newRefreshTokenRecord(token *storage.RefreshToken) *refreshTokenRecord {
	return &refreshTokenRecord{
		ID:        token.ID,
		FamilyID:  token.FamilyID,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scope:     scope.Format(token.Scopes),
		IssuedAt:  token.IssuedAt.UTC(),
		ExpiresAt: utcOrZero(token.ExpiresAt),
	}
}

func (r *refreshTokenRecord) toDomain() *storage.RefreshToken {
	return &storage.RefreshToken{
		ID:        r.ID,
		FamilyID:  r.FamilyID,
		ClientID:  r.ClientID,
		UserID:    r.UserID,
		Scopes:    scope.Parse(r.Scope),
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

// models lists every table in creation order
var models = []any{
	(*clientRecord)(nil),
	(*userRecord)(nil),
	(*authorizationCodeRecord)(nil),
	(*refreshTokenRecord)(nil),
}

// refreshTokenIndexes back family and owner revocation
var refreshTokenIndexes = []struct {
	name    string
	columns []string
}{
	{"idx_oauth_refresh_tokens_family", []string{"family_id"}},
	{"idx_oauth_refresh_tokens_owner", []string{"user_id", "client_id"}},
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
