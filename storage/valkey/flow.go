package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code. The key expires
// together with the code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil {
		err = fmt.Errorf("invalid authorization code")
		return err
	}
	if err = validateID(code.Code, "code"); err != nil {
		return err
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl == 0 {
		err = storage.ErrAuthorizationCodeExpired
		return err
	}

	var data []byte
	data, err = json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		err = fmt.Errorf("failed to marshal authorization code: %w", err)
		return err
	}

	if err = s.client.Do(ctx, s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		err = fmt.Errorf("failed to save authorization code: %w", err)
		return err
	}

	s.logger.Debug("Saved authorization code", "code_prefix", util.TokenPrefix(code.Code))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
//
// NOTE: For actual code exchange, use AtomicCheckAndMarkAuthCodeUsed instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	authCode := fromAuthorizationCodeJSON(&j)
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}
	return authCode, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
// The check and the write run inside one Lua script, so only ONE concurrent
// request can succeed.
//
// The code is ONLY returned alongside ErrAuthorizationCodeUsed. Unknown and
// expired codes return nil.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		// Replay is a normal outcome, not a storage failure.
		recorded := err
		if err == storage.ErrAuthorizationCodeUsed {
			recorded = nil
		}
		s.recordStorageOperation(ctx, span, "consume_authorization_code", recorded, startTime)
	}()

	if len(code) > MaxIDLength {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	var result string
	result, err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicCheckAndMarkCodeUsed).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(strconv.FormatInt(time.Now().Unix(), 10)).
			Arg(strconv.FormatInt(int64(usedCodeRetention/time.Second), 10)).
			Build(),
	).ToString()
	if err != nil {
		err = fmt.Errorf("failed to execute atomic code check: %w", err)
		return nil, err
	}

	switch {
	case result == "NOT_FOUND":
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	case result == "EXPIRED":
		err = storage.ErrAuthorizationCodeExpired
		return nil, err
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j authorizationCodeJSON
		if jsonErr := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); jsonErr != nil {
			err = storage.ErrAuthorizationCodeUsed
			return nil, err
		}
		err = storage.ErrAuthorizationCodeUsed
		return fromAuthorizationCodeJSON(&j), err
	}

	// The script returns the record as it was before marking
	var j authorizationCodeJSON
	if err = json.Unmarshal([]byte(result), &j); err != nil {
		err = fmt.Errorf("failed to parse authorization code: %w", err)
		return nil, err
	}

	authCode := fromAuthorizationCodeJSON(&j)
	authCode.Used = true

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.TokenPrefix(code))

	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code", "code_prefix", util.TokenPrefix(code))
	return nil
}
