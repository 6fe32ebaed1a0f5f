package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const pingTimeout = 5 * time.Second

// Config configures a SQL-backed store.
type Config struct {
	// Driver is DriverSQLite or DriverPostgres
	Driver string

	// DSN is the driver specific data source name
	DSN string

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a storage.Store on top of a bun database handle.
type Store struct {
	db     *bun.DB
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// Open connects to the configured database, verifies the connection and
// creates missing tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}

	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}

	var db *bun.DB
	switch cfg.Driver {
	case DriverSQLite:
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case DriverPostgres:
		db = bun.NewDB(sqlDB, pgdialect.New())
	default:
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", cfg.Driver, err)
	}

	store := NewFromDB(db, cfg.Logger)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.logger.Info("Connected to SQL storage", "driver", cfg.Driver)
	return store, nil
}

// NewFromDB wraps an existing bun handle. Call Migrate before first use when
// the schema may be missing.
func NewFromDB(db *bun.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create table: %w", err)
		}
	}
	for _, idx := range refreshTokenIndexes {
		if _, err := s.db.NewCreateIndex().
			Model((*refreshTokenRecord)(nil)).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// DB returns the underlying bun handle
func (s *Store) DB() *bun.DB {
	return s.db
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables storage spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	} else {
		s.tracer = nil
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observe(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	record := newClientRecord(client)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.NewInsert().
		Model(record).
		On("CONFLICT (client_id) DO UPDATE").
		Set("client_secret_hash = EXCLUDED.client_secret_hash").
		Set("client_name = EXCLUDED.client_name").
		Set("scope = EXCLUDED.scope").
		Set("grant_types = EXCLUDED.grant_types").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	record := new(clientRecord)
	err = s.db.NewSelect().Model(record).Where("client_id = ?", clientID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return record.toDomain(), nil
}

// ListClients lists all registered clients, ordered by client id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var records []clientRecord
	if err := s.db.NewSelect().Model(&records).Order("client_id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(records))
	for i := range records {
		clients = append(clients, records[i].toDomain())
	}
	return clients, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user
func (s *Store) SaveUser(ctx context.Context, user *storage.User) (err error) {
	ctx, done := s.observe(ctx, "save_user")
	defer func() { done(err) }()

	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("invalid user")
	}

	record := newUserRecord(user)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.NewInsert().
		Model(record).
		On("CONFLICT (username) DO UPDATE").
		Set("id = EXCLUDED.id").
		Set("password_hash = EXCLUDED.password_hash").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	s.logger.Debug("Saved user", "user_id", user.ID)
	return nil
}

// AuthenticateUser verifies a username/password pair
func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (_ *storage.User, err error) {
	ctx, done := s.observe(ctx, "authenticate_user")
	defer func() { done(err) }()

	var found *storage.User
	record := new(userRecord)
	switch selErr := s.db.NewSelect().Model(record).Where("username = ?", username).Scan(ctx); {
	case selErr == nil:
		found = record.toDomain()
	case !errors.Is(selErr, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to get user: %w", selErr)
	}

	if err = storage.VerifyPassword(found, password); err != nil {
		return nil, err
	}
	return found, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observe(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	record := newAuthorizationCodeRecord(code)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if _, err = s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code", "code_prefix", util.TokenPrefix(code.Code))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	record, err := s.selectCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}
	return record.toDomain(), nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
// The mark is a conditional UPDATE on used = false inside a transaction, so
// exactly one caller sees a changed row.
//
// The code is ONLY returned alongside ErrAuthorizationCodeUsed. Unknown and
// expired codes return nil.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observe(ctx, "consume_authorization_code")
	defer func() {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			done(nil)
			return
		}
		done(err)
	}()

	var consumed *storage.AuthorizationCode
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := new(authorizationCodeRecord)
		if selErr := tx.NewSelect().Model(record).Where("code = ?", code).Scan(ctx); selErr != nil {
			if errors.Is(selErr, sql.ErrNoRows) {
				return storage.ErrAuthorizationCodeNotFound
			}
			return fmt.Errorf("failed to get authorization code: %w", selErr)
		}
		if record.Used {
			consumed = record.toDomain()
			return storage.ErrAuthorizationCodeUsed
		}
		if security.IsTokenExpired(record.ExpiresAt) {
			return storage.ErrAuthorizationCodeExpired
		}

		res, updErr := tx.NewUpdate().
			Model((*authorizationCodeRecord)(nil)).
			Set("used = ?", true).
			Where("code = ?", code).
			Where("used = ?", false).
			Exec(ctx)
		if updErr != nil {
			return fmt.Errorf("failed to mark authorization code used: %w", updErr)
		}

		record.Used = true
		consumed = record.toDomain()
		if n, rowsErr := res.RowsAffected(); rowsErr != nil || n != 1 {
			// Another transaction marked it first.
			return storage.ErrAuthorizationCodeUsed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			return consumed, storage.ErrAuthorizationCodeUsed
		}
		return nil, err
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.TokenPrefix(code))
	return consumed, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	_, err := s.db.NewDelete().
		Model((*authorizationCodeRecord)(nil)).
		Where("code = ?", code).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	s.logger.Debug("Deleted authorization code", "code_prefix", util.TokenPrefix(code))
	return nil
}

func (s *Store) selectCode(ctx context.Context, code string) (*authorizationCodeRecord, error) {
	record := new(authorizationCodeRecord)
	err := s.db.NewSelect().Model(record).Where("code = ?", code).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	return record, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken records an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if token.ClientID == "" {
		return fmt.Errorf("refresh token client id cannot be empty")
	}

	if _, err = s.db.NewInsert().Model(newRefreshTokenRecord(token)).Exec(ctx); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_id", util.TokenPrefix(token.ID),
		"client_id", token.ClientID,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetRefreshToken returns a live refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, id string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observe(ctx, "get_refresh_token")
	defer func() { done(err) }()

	record := new(refreshTokenRecord)
	err = s.db.NewSelect().Model(record).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, storage.ErrRefreshTokenExpired
	}
	return record.toDomain(), nil
}

// DeleteRefreshToken revokes a refresh token record
func (s *Store) DeleteRefreshToken(ctx context.Context, id string) (err error) {
	ctx, done := s.observe(ctx, "delete_refresh_token")
	defer func() { done(err) }()

	res, err := s.db.NewDelete().
		Model((*refreshTokenRecord)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrRefreshTokenNotFound
	}

	s.logger.Debug("Deleted refresh token", "token_id", util.TokenPrefix(id))
	return nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh
// token record. The DELETE runs in the same transaction as the read and only
// the caller whose DELETE removed the row gets the record.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, id string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observe(ctx, "consume_refresh_token")
	defer func() { done(err) }()

	var consumed *storage.RefreshToken
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := new(refreshTokenRecord)
		if selErr := tx.NewSelect().Model(record).Where("id = ?", id).Scan(ctx); selErr != nil {
			if errors.Is(selErr, sql.ErrNoRows) {
				return storage.ErrRefreshTokenNotFound
			}
			return fmt.Errorf("failed to get refresh token: %w", selErr)
		}

		res, delErr := tx.NewDelete().
			Model((*refreshTokenRecord)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if delErr != nil {
			return fmt.Errorf("failed to delete refresh token: %w", delErr)
		}
		if n, rowsErr := res.RowsAffected(); rowsErr != nil || n != 1 {
			// Another transaction consumed it first.
			return storage.ErrRefreshTokenNotFound
		}

		if security.IsTokenExpired(record.ExpiresAt) {
			return storage.ErrRefreshTokenExpired
		}
		consumed = record.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Atomically retrieved and deleted refresh token",
		"token_id", util.TokenPrefix(id),
		"family_id", util.TokenPrefix(consumed.FamilyID))
	return consumed, nil
}

// RevokeRefreshTokenFamily deletes every record of a rotation chain
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, done := s.observe(ctx, "revoke_refresh_token_family")
	defer func() { done(err) }()

	if familyID == "" {
		return 0, fmt.Errorf("family id cannot be empty")
	}

	res, err := s.db.NewDelete().
		Model((*refreshTokenRecord)(nil)).
		Where("family_id = ?", familyID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh token family: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RevokeAllTokensForUserClient deletes every refresh token record userID holds for clientID
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, done := s.observe(ctx, "revoke_user_client_tokens")
	defer func() { done(err) }()

	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	res, err := s.db.NewDelete().
		Model((*refreshTokenRecord)(nil)).
		Where("user_id = ?", userID).
		Where("client_id = ?", clientID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteExpired removes expired codes and refresh token records and returns
// how many rows were deleted.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var total int64

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []any{(*authorizationCodeRecord)(nil), (*refreshTokenRecord)(nil)} {
			res, err := tx.NewDelete().
				Model(model).
				Where("expires_at IS NOT NULL").
				Where("expires_at < ?", now).
				Exec(ctx)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	return total, nil
}

// observe starts a span for a storage operation and returns a function that
// ends it and records the outcome.
func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	var span trace.Span = noop.Span{}
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "storage."+operation,
			trace.WithAttributes(
				attribute.String(instrumentation.AttrStorageOperation, operation),
				attribute.String(instrumentation.AttrStorageType, "sql"),
			))
	}
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()
		if s.instrumentation == nil {
			return
		}

		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result,
			float64(time.Since(start).Milliseconds()))
	}
}
