package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// usedCodeRetention is how long redeemed codes are kept after expiry so replay
// can still be detected and attributed.
const usedCodeRetention = 10 * time.Minute

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	users         map[string]*storage.User // keyed by username
	authCodes     map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshToken // keyed by jti

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic       atomic.Int64
	codesCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		users:           make(map[string]*storage.User),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	stored := cloneClient(client)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.clients[client.ClientID] = stored

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return cloneClient(client), nil
}

// ListClients lists all registered clients, ordered by client id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, cloneClient(client))
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		return cmp.Compare(a.ClientID, b.ClientID)
	})

	return clients, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	ctx, span := s.startStorageSpan(ctx, "save_user")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_user", err, startTime)
	}()

	if user == nil || user.ID == "" || user.Username == "" {
		err = fmt.Errorf("invalid user")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *user
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.users[user.Username] = &stored

	s.logger.Debug("Saved user", "user_id", user.ID)
	return nil
}

// AuthenticateUser verifies a username/password pair
func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "authenticate_user")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "authenticate_user", err, startTime)
	}()

	s.mu.RLock()
	user, ok := s.users[username]
	var found *storage.User
	if ok {
		u := *user
		found = &u
	}
	s.mu.RUnlock()

	// bcrypt runs outside the lock
	if err = storage.VerifyPassword(found, password); err != nil {
		return nil, err
	}
	return found, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}

	stored := *code
	stored.Scopes = slices.Clone(code.Scopes)
	s.authCodes[code.Code] = &stored

	s.logger.Debug("Saved authorization code", "code_prefix", util.TokenPrefix(code.Code))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
//
// NOTE: For actual code exchange, use AtomicCheckAndMarkAuthCodeUsed instead
// to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	// Return a COPY to prevent caller from modifying our stored version
	codeCopy := *authCode
	codeCopy.Scopes = slices.Clone(authCode.Scopes)
	return &codeCopy, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
// Only ONE concurrent request can succeed; all others receive ErrAuthorizationCodeUsed.
//
// The code is ONLY returned alongside the reuse error so callers can attribute
// the replay. Unknown and expired codes return nil.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	if authCode.Used {
		codeCopy := *authCode
		err = storage.ErrAuthorizationCodeUsed
		return &codeCopy, err
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		err = storage.ErrAuthorizationCodeExpired
		return nil, err
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.TokenPrefix(code))

	codeCopy := *authCode
	codeCopy.Scopes = slices.Clone(authCode.Scopes)
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; ok {
		delete(s.authCodes, code)
		s.codesCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted authorization code", "code_prefix", util.TokenPrefix(code))
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken records an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if token == nil || token.ID == "" {
		err = fmt.Errorf("invalid refresh token")
		return err
	}
	if token.ClientID == "" {
		err = fmt.Errorf("refresh token client id cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.refreshTokens[token.ID]; !existed {
		s.refreshTokensCountAtomic.Add(1)
	}

	stored := *token
	stored.Scopes = slices.Clone(token.Scopes)
	s.refreshTokens[token.ID] = &stored

	s.logger.Debug("Saved refresh token",
		"token_id", util.TokenPrefix(token.ID),
		"client_id", token.ClientID,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetRefreshToken returns a live refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[id]
	if !ok {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}
	if security.IsTokenExpired(token.ExpiresAt) {
		err = storage.ErrRefreshTokenExpired
		return nil, err
	}

	tokenCopy := *token
	tokenCopy.Scopes = slices.Clone(token.Scopes)
	return &tokenCopy, nil
}

// DeleteRefreshToken revokes a refresh token record
func (s *Store) DeleteRefreshToken(ctx context.Context, id string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[id]; !ok {
		err = storage.ErrRefreshTokenNotFound
		return err
	}
	delete(s.refreshTokens, id)
	s.refreshTokensCountAtomic.Add(-1)

	s.logger.Debug("Deleted refresh token", "token_id", util.TokenPrefix(id))
	return nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh token record.
// Only ONE concurrent request can succeed; all others receive ErrRefreshTokenNotFound.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[id]
	if !ok {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}
	if security.IsTokenExpired(token.ExpiresAt) {
		err = storage.ErrRefreshTokenExpired
		return nil, err
	}

	delete(s.refreshTokens, id)
	s.refreshTokensCountAtomic.Add(-1)

	s.logger.Debug("Atomically retrieved and deleted refresh token",
		"token_id", util.TokenPrefix(id),
		"family_id", util.TokenPrefix(token.FamilyID))

	tokenCopy := *token
	tokenCopy.Scopes = slices.Clone(token.Scopes)
	return &tokenCopy, nil
}

// RevokeRefreshTokenFamily deletes every record of a rotation chain
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("family id cannot be empty")
	}
	return s.revokeRefreshTokens(ctx, "revoke_refresh_token_family", func(t *storage.RefreshToken) bool {
		return t.FamilyID == familyID
	})
}

// RevokeAllTokensForUserClient deletes every refresh token record userID holds for clientID
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}
	return s.revokeRefreshTokens(ctx, "revoke_user_client_tokens", func(t *storage.RefreshToken) bool {
		return t.UserID == userID && t.ClientID == clientID
	})
}

func (s *Store) revokeRefreshTokens(ctx context.Context, operation string, match func(*storage.RefreshToken) bool) (int, error) {
	ctx, span := s.startStorageSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, operation, nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for id, token := range s.refreshTokens {
		if match(token) {
			delete(s.refreshTokens, id)
			revoked++
		}
	}
	s.refreshTokensCountAtomic.Add(-int64(revoked))

	s.logger.Debug("Revoked refresh tokens", "operation", operation, "count", revoked)
	return revoked, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

// cleanup removes expired codes and refresh token records as of now.
func (s *Store) cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for code, authCode := range s.authCodes {
		retention := security.DefaultClockSkewGracePeriod
		if authCode.Used {
			retention += usedCodeRetention
		}
		if security.IsTokenExpiredAt(authCode.ExpiresAt, now, retention) {
			delete(s.authCodes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for id, token := range s.refreshTokens {
		if security.IsTokenExpiredAt(token.ExpiresAt, now, security.DefaultClockSkewGracePeriod) {
			delete(s.refreshTokens, id)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Helpers
// ============================================================

func cloneClient(c *storage.Client) *storage.Client {
	clone := *c
	clone.AllowedScopes = slices.Clone(c.AllowedScopes)
	clone.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	return &clone
}

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))

	return ctx, span
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
