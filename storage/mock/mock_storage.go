// Package mock provides a storage.Store whose methods can be replaced per test.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
)

// Store is a storage.Store for tests. Every method calls its Func field when
// set and falls through to an in-memory store otherwise.
type Store struct {
	*memory.Store

	SaveClientFunc                     func(ctx context.Context, client *storage.Client) error
	GetClientFunc                      func(ctx context.Context, clientID string) (*storage.Client, error)
	AuthenticateUserFunc               func(ctx context.Context, username, password string) (*storage.User, error)
	SaveAuthorizationCodeFunc          func(ctx context.Context, code *storage.AuthorizationCode) error
	AtomicCheckAndMarkAuthCodeUsedFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	SaveRefreshTokenFunc               func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc                func(ctx context.Context, id string) (*storage.RefreshToken, error)
	DeleteRefreshTokenFunc             func(ctx context.Context, id string) error
	AtomicGetAndDeleteRefreshTokenFunc func(ctx context.Context, id string) (*storage.RefreshToken, error)
	RevokeRefreshTokenFamilyFunc       func(ctx context.Context, familyID string) (int, error)
	RevokeAllTokensForUserClientFunc   func(ctx context.Context, userID, clientID string) (int, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New creates a mock store backed by a fresh memory store
func New() *Store {
	return &Store{
		Store:      memory.New(),
		callCounts: make(map[string]int),
	}
}

// CallCount returns how often method was called
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// SaveClient implements storage.ClientStore
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Store.SaveClient(ctx, client)
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Store.GetClient(ctx, clientID)
}

// AuthenticateUser implements storage.UserStore
func (m *Store) AuthenticateUser(ctx context.Context, username, password string) (*storage.User, error) {
	m.record("AuthenticateUser")
	if m.AuthenticateUserFunc != nil {
		return m.AuthenticateUserFunc(ctx, username, password)
	}
	return m.Store.AuthenticateUser(ctx, username, password)
}

// SaveAuthorizationCode implements storage.FlowStore
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.Store.SaveAuthorizationCode(ctx, code)
}

// AtomicCheckAndMarkAuthCodeUsed implements storage.FlowStore
func (m *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("AtomicCheckAndMarkAuthCodeUsed")
	if m.AtomicCheckAndMarkAuthCodeUsedFunc != nil {
		return m.AtomicCheckAndMarkAuthCodeUsedFunc(ctx, code)
	}
	return m.Store.AtomicCheckAndMarkAuthCodeUsed(ctx, code)
}

// SaveRefreshToken implements storage.TokenStore
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.Store.SaveRefreshToken(ctx, token)
}

// GetRefreshToken implements storage.TokenStore
func (m *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, id)
	}
	return m.Store.GetRefreshToken(ctx, id)
}

// DeleteRefreshToken implements storage.TokenStore
func (m *Store) DeleteRefreshToken(ctx context.Context, id string) error {
	m.record("DeleteRefreshToken")
	if m.DeleteRefreshTokenFunc != nil {
		return m.DeleteRefreshTokenFunc(ctx, id)
	}
	return m.Store.DeleteRefreshToken(ctx, id)
}

// AtomicGetAndDeleteRefreshToken implements storage.TokenStore
func (m *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	m.record("AtomicGetAndDeleteRefreshToken")
	if m.AtomicGetAndDeleteRefreshTokenFunc != nil {
		return m.AtomicGetAndDeleteRefreshTokenFunc(ctx, id)
	}
	return m.Store.AtomicGetAndDeleteRefreshToken(ctx, id)
}

// RevokeRefreshTokenFamily implements storage.TokenStore
func (m *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	m.record("RevokeRefreshTokenFamily")
	if m.RevokeRefreshTokenFamilyFunc != nil {
		return m.RevokeRefreshTokenFamilyFunc(ctx, familyID)
	}
	return m.Store.RevokeRefreshTokenFamily(ctx, familyID)
}

// RevokeAllTokensForUserClient implements storage.TokenStore
func (m *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.record("RevokeAllTokensForUserClient")
	if m.RevokeAllTokensForUserClientFunc != nil {
		return m.RevokeAllTokensForUserClientFunc(ctx, userID, clientID)
	}
	return m.Store.RevokeAllTokensForUserClient(ctx, userID, clientID)
}
