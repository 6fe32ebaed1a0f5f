package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken records an issued refresh token. Records without an expiry
// are kept until deleted.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if token == nil {
		err = fmt.Errorf("invalid refresh token")
		return err
	}
	if err = validateID(token.ID, "token id"); err != nil {
		return err
	}
	if token.ClientID == "" {
		err = fmt.Errorf("refresh token client id cannot be empty")
		return err
	}

	var data []byte
	data, err = json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		err = fmt.Errorf("failed to marshal refresh token: %w", err)
		return err
	}

	key := s.refreshTokenKey(token.ID)
	cmd := s.client.B().Set().Key(key).Value(string(data))
	var ttl time.Duration
	if token.ExpiresAt.IsZero() {
		err = s.client.Do(ctx, cmd.Build()).Error()
	} else {
		ttl = calculateTTL(token.ExpiresAt)
		if ttl == 0 {
			err = storage.ErrRefreshTokenExpired
			return err
		}
		err = s.client.Do(ctx, cmd.Ex(ttl).Build()).Error()
	}
	if err != nil {
		err = fmt.Errorf("failed to save refresh token: %w", err)
		return err
	}

	if token.FamilyID != "" {
		s.addToIndex(ctx, s.refreshFamilyKey(token.FamilyID), token.ID, ttl)
	}
	if token.UserID != "" {
		s.addToIndex(ctx, s.refreshOwnerKey(token.UserID, token.ClientID), token.ID, ttl)
	}

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

	if id == "" || len(id) > MaxIDLength {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	var data string
	data, err = s.client.Do(ctx, s.client.B().Get().Key(s.refreshTokenKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = storage.ErrRefreshTokenNotFound
			return nil, err
		}
		err = fmt.Errorf("failed to get refresh token: %w", err)
		return nil, err
	}

	var j refreshTokenJSON
	if err = json.Unmarshal([]byte(data), &j); err != nil {
		err = fmt.Errorf("failed to unmarshal refresh token: %w", err)
		return nil, err
	}

	token := fromRefreshTokenJSON(&j)
	if security.IsTokenExpired(token.ExpiresAt) {
		err = storage.ErrRefreshTokenExpired
		return nil, err
	}
	return token, nil
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

	var deleted int64
	deleted, err = s.client.Do(ctx, s.client.B().Del().Key(s.refreshTokenKey(id)).Build()).AsInt64()
	if err != nil {
		err = fmt.Errorf("failed to delete refresh token: %w", err)
		return err
	}
	if deleted == 0 {
		err = storage.ErrRefreshTokenNotFound
		return err
	}

	s.logger.Debug("Deleted refresh token", "token_id", util.TokenPrefix(id))
	return nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh token record.
// GETDEL guarantees only ONE concurrent request receives the record.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	if id == "" || len(id) > MaxIDLength {
		err = storage.ErrRefreshTokenNotFound
		return nil, err
	}

	var data string
	data, err = s.client.Do(ctx, s.client.B().Getdel().Key(s.refreshTokenKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = storage.ErrRefreshTokenNotFound
			return nil, err
		}
		err = fmt.Errorf("failed to consume refresh token: %w", err)
		return nil, err
	}

	var j refreshTokenJSON
	if err = json.Unmarshal([]byte(data), &j); err != nil {
		err = fmt.Errorf("failed to unmarshal refresh token: %w", err)
		return nil, err
	}

	token := fromRefreshTokenJSON(&j)
	if security.IsTokenExpired(token.ExpiresAt) {
		err = storage.ErrRefreshTokenExpired
		return nil, err
	}

	s.logger.Debug("Atomically retrieved and deleted refresh token",
		"token_id", util.TokenPrefix(id),
		"family_id", util.TokenPrefix(token.FamilyID))
	return token, nil
}

// RevokeRefreshTokenFamily deletes every record of a rotation chain
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	if err := validateID(familyID, "family id"); err != nil {
		return 0, err
	}
	return s.revokeIndexed(ctx, "revoke_refresh_token_family", s.refreshFamilyKey(familyID))
}

// RevokeAllTokensForUserClient deletes every refresh token record userID holds for clientID
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}
	return s.revokeIndexed(ctx, "revoke_user_client_tokens", s.refreshOwnerKey(userID, clientID))
}

// revokeIndexed deletes the refresh token records listed in the set at
// indexKey, then the set itself. Members whose record already expired or was
// rotated away are skipped by DEL.
func (s *Store) revokeIndexed(ctx context.Context, operation, indexKey string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, operation, err, startTime)
	}()

	var ids []string
	ids, err = s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			err = nil
			return 0, nil
		}
		err = fmt.Errorf("failed to list refresh tokens: %w", err)
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.refreshTokenKey(id))
	}

	var deleted int64
	deleted, err = s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		err = fmt.Errorf("failed to revoke refresh tokens: %w", err)
		return 0, err
	}
	if delErr := s.client.Do(ctx, s.client.B().Del().Key(indexKey).Build()).Error(); delErr != nil {
		s.logger.Warn("Failed to delete refresh token index", "error", delErr)
	}

	s.logger.Debug("Revoked refresh tokens", "operation", operation, "count", deleted)
	return int(deleted), nil
}

// addToIndex records id in the set at key. The set lives as long as its
// newest member; failures only weaken revocation and are logged.
func (s *Store) addToIndex(ctx context.Context, key, id string, ttl time.Duration) {
	cmds := valkeygo.Commands{s.client.B().Sadd().Key(key).Member(id).Build()}
	if ttl > 0 {
		cmds = append(cmds, s.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())+1).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			s.logger.Warn("Failed to index refresh token",
				"token_id", util.TokenPrefix(id),
				"error", err)
			return
		}
	}
}
