package valkey

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oauth-core/storage"
)

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

	if client == nil {
		err = fmt.Errorf("invalid client")
		return err
	}
	if err = validateID(client.ClientID, "client_id"); err != nil {
		return err
	}

	stored := *client
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	var data []byte
	data, err = json.Marshal(toClientJSON(&stored))
	if err != nil {
		err = fmt.Errorf("failed to marshal client: %w", err)
		return err
	}

	key := s.clientKey(client.ClientID)
	if err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		err = fmt.Errorf("failed to save client: %w", err)
		return err
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

	if len(clientID) > MaxIDLength {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, "client_id too long")
		return nil, err
	}

	var data string
	data, err = s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
			return nil, err
		}
		err = fmt.Errorf("failed to get client: %w", err)
		return nil, err
	}

	var j clientJSON
	if err = json.Unmarshal([]byte(data), &j); err != nil {
		err = fmt.Errorf("failed to unmarshal client: %w", err)
		return nil, err
	}

	return fromClientJSON(&j), nil
}

// ListClients lists all registered clients, ordered by client id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return the same key more than once
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}

			clientMap[key] = fromClientJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
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

	if user == nil || user.ID == "" {
		err = fmt.Errorf("invalid user")
		return err
	}
	if err = validateID(user.Username, "username"); err != nil {
		return err
	}

	stored := *user
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	var data []byte
	data, err = json.Marshal(toUserJSON(&stored))
	if err != nil {
		err = fmt.Errorf("failed to marshal user: %w", err)
		return err
	}

	if err = s.client.Do(ctx, s.client.B().Set().Key(s.userKey(user.Username)).Value(string(data)).Build()).Error(); err != nil {
		err = fmt.Errorf("failed to save user: %w", err)
		return err
	}

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

	var found *storage.User
	if username != "" && len(username) <= MaxIDLength {
		var data string
		data, err = s.client.Do(ctx, s.client.B().Get().Key(s.userKey(username)).Build()).ToString()
		switch {
		case err == nil:
			var j userJSON
			if err = json.Unmarshal([]byte(data), &j); err != nil {
				err = fmt.Errorf("failed to unmarshal user: %w", err)
				return nil, err
			}
			found = fromUserJSON(&j)
		case !isNilError(err):
			err = fmt.Errorf("failed to get user: %w", err)
			return nil, err
		}
	}

	// Always one bcrypt comparison, found or not
	if err = storage.VerifyPassword(found, password); err != nil {
		return nil, err
	}
	return found, nil
}
