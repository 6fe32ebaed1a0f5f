package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// usedCodeRetention keeps redeemed codes readable after use so replay can
	// be attributed to the code owner.
	usedCodeRetention = 10 * time.Minute

	// MaxIDLength is the maximum allowed length for identifiers (client ids,
	// usernames, codes, token ids)
	MaxIDLength = 256
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables storage spans and operation metrics. Call it
// before the store is shared between goroutines.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	} else {
		s.tracer = nil
	}
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// userKey returns the key for a user: {prefix}user:{username}
func (s *Store) userKey(username string) string {
	return s.prefix + "user:" + username
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

// refreshTokenKey returns the key for a refresh token record: {prefix}refresh:{id}
func (s *Store) refreshTokenKey(id string) string {
	return s.prefix + "refresh:" + id
}

// refreshFamilyKey returns the set of token ids in a rotation chain: {prefix}refresh_family:{familyID}
func (s *Store) refreshFamilyKey(familyID string) string {
	return s.prefix + "refresh_family:" + familyID
}

// refreshOwnerKey returns the set of token ids a user holds for a client:
// {prefix}refresh_owner:{len(clientID)}:{clientID}:{userID}. The length prefix
// keeps ids containing ':' from colliding.
func (s *Store) refreshOwnerKey(userID, clientID string) string {
	return s.prefix + "refresh_owner:" + strconv.Itoa(len(clientID)) + ":" + clientID + ":" + userID
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaAtomicCheckAndMarkCodeUsed atomically checks that an authorization code
// is unused and marks it used. Only ONE concurrent caller can succeed.
//
// KEYS[1] = code key (e.g., "oauth:code:abc123")
// ARGV[1] = current Unix timestamp in seconds (for expiry check)
// ARGV[2] = retention in seconds for the used marker
//
// Returns:
//   - Original JSON data if the code was unused and is now marked used
//   - "NOT_FOUND" if the key doesn't exist
//   - "ALREADY_USED:<json>" if the code was redeemed before
//   - "EXPIRED" if the code has expired (ARGV[1] > code.expires_at)
//
// The used check runs before the expiry check so replay of an expired code is
// still reported as replay.
const luaAtomicCheckAndMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.used then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

code.used = true
local retention = tonumber(ARGV[2])
local ttl = redis.call('TTL', KEYS[1])
if ttl < retention then
    ttl = retention
end
redis.call('SET', KEYS[1], cjson.encode(code), 'EX', ttl)

return data
`

// ============================================================
// JSON representations
// ============================================================
//
// Scopes are stored as space-delimited strings: the Lua script re-encodes
// codes with cjson, which turns empty arrays into objects.

type clientJSON struct {
	ClientID          string   `json:"client_id"`
	ClientSecretHash  string   `json:"client_secret_hash,omitempty"`
	ClientName        string   `json:"client_name,omitempty"`
	Scope             string   `json:"scope,omitempty"`
	AllowedGrantTypes []string `json:"grant_types,omitempty"`
	CreatedAt         int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:          client.ClientID,
		ClientSecretHash:  client.ClientSecretHash,
		ClientName:        client.ClientName,
		Scope:             scope.Format(client.AllowedScopes),
		AllowedGrantTypes: client.AllowedGrantTypes,
		CreatedAt:         client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:          j.ClientID,
		ClientSecretHash:  j.ClientSecretHash,
		ClientName:        j.ClientName,
		AllowedScopes:     scope.Parse(j.Scope),
		AllowedGrantTypes: j.AllowedGrantTypes,
		CreatedAt:         time.Unix(j.CreatedAt, 0),
	}
}

type userJSON struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	CreatedAt    int64  `json:"created_at"`
}

func toUserJSON(user *storage.User) *userJSON {
	return &userJSON{
		ID:           user.ID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt.Unix(),
	}
}

func fromUserJSON(j *userJSON) *storage.User {
	if j == nil {
		return nil
	}
	return &storage.User{
		ID:           j.ID,
		Username:     j.Username,
		PasswordHash: j.PasswordHash,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
	}
}

type authorizationCodeJSON struct {
	Code      string `json:"code"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Used      bool   `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:      code.Code,
		ClientID:  code.ClientID,
		UserID:    code.UserID,
		Scope:     scope.Format(code.Scopes),
		CreatedAt: code.CreatedAt.Unix(),
		ExpiresAt: code.ExpiresAt.Unix(),
		Used:      code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:      j.Code,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scopes:    scope.Parse(j.Scope),
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
		Used:      j.Used,
	}
}

type refreshTokenJSON struct {
	ID        string `json:"id"`
	FamilyID  string `json:"family_id,omitempty"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toRefreshTokenJSON(token *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		ID:        token.ID,
		FamilyID:  token.FamilyID,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scope:     scope.Format(token.Scopes),
		IssuedAt:  token.IssuedAt.Unix(),
		ExpiresAt: unixOrZero(token.ExpiresAt),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	return &storage.RefreshToken{
		ID:        j.ID,
		FamilyID:  j.FamilyID,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scopes:    scope.Parse(j.Scope),
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: timeOrZero(j.ExpiresAt),
	}
}

// ============================================================
// Helpers
// ============================================================

// validateID rejects empty and oversized identifiers
func validateID(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if len(value) > MaxIDLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", errInputTooLarge, fieldName, MaxIDLength)
	}
	return nil
}

// unixOrZero maps the zero time to 0 so "no expiry" survives a round trip
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
