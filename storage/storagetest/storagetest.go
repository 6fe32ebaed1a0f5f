// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/storage"
)

// Run exercises store against the storage.Store contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("authorization codes", func(t *testing.T) { testCodes(t, newStore(t)) })
	t.Run("concurrent code redemption", func(t *testing.T) { testConcurrentRedemption(t, newStore(t)) })
	t.Run("refresh tokens", func(t *testing.T) { testRefreshTokens(t, newStore(t)) })
	t.Run("refresh token consumption", func(t *testing.T) { testConsumeRefreshToken(t, newStore(t)) })
	t.Run("concurrent refresh token consumption", func(t *testing.T) { testConcurrentConsume(t, newStore(t)) })
	t.Run("refresh token revocation", func(t *testing.T) { testRevokeRefreshTokens(t, newStore(t)) })
}

func testClients(t *testing.T, store storage.Store) {
	ctx := context.Background()

	_, err := store.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	require.NoError(t, store.SaveClient(ctx, &storage.Client{
		ClientID:          "b-client",
		ClientSecretHash:  "hash",
		ClientName:        "B",
		AllowedScopes:     []string{"openid", "email"},
		AllowedGrantTypes: []string{storage.GrantTypePassword},
	}))
	require.NoError(t, store.SaveClient(ctx, &storage.Client{ClientID: "a-client"}))
	assert.Error(t, store.SaveClient(ctx, &storage.Client{}))

	got, err := store.GetClient(ctx, "b-client")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.ClientSecretHash)
	assert.Equal(t, "B", got.ClientName)
	assert.True(t, scope.Equal(got.AllowedScopes, []string{"openid", "email"}))
	assert.Equal(t, []string{storage.GrantTypePassword}, got.AllowedGrantTypes)
	assert.False(t, got.CreatedAt.IsZero())

	clients, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "a-client", clients[0].ClientID)
	assert.Equal(t, "b-client", clients[1].ClientID)
}

func testUsers(t *testing.T, store storage.Store) {
	ctx := context.Background()

	hash, err := storage.HashSecret("wonderland")
	require.NoError(t, err)
	require.NoError(t, store.SaveUser(ctx, &storage.User{ID: "user-1", Username: "alice", PasswordHash: hash}))

	user, err := store.AuthenticateUser(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)

	_, err = store.AuthenticateUser(ctx, "alice", "looking-glass")
	assert.ErrorIs(t, err, storage.ErrInvalidCredentials)

	_, err = store.AuthenticateUser(ctx, "bob", "wonderland")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func testCodes(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-1",
		ClientID:  "client",
		UserID:    "user-1",
		Scopes:    []string{"openid"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))

	peeked, err := store.GetAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.False(t, peeked.Used)

	consumed, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "client", consumed.ClientID)
	assert.Equal(t, "user-1", consumed.UserID)
	assert.True(t, scope.Equal(consumed.Scopes, []string{"openid"}))

	replayed, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	if assert.NotNil(t, replayed) {
		assert.Equal(t, "client", replayed.ClientID)
	}

	_, err = store.AtomicCheckAndMarkAuthCodeUsed(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	// A code without scopes still round-trips as a code without scopes.
	require.NoError(t, store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-2",
		ClientID:  "client",
		UserID:    "user-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))
	consumed, err = store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-2")
	require.NoError(t, err)
	assert.Empty(t, consumed.Scopes)
	replayed, err = store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-2")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	assert.NotNil(t, replayed)

	require.NoError(t, store.DeleteAuthorizationCode(ctx, "code-1"))
	_, err = store.GetAuthorizationCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func testConcurrentRedemption(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "race",
		ClientID:  "client",
		UserID:    "user-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}))

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reused    int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "race")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				reused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, reused)
}

func testRefreshTokens(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
		ID:        "rt-1",
		ClientID:  "client",
		UserID:    "user-1",
		Scopes:    []string{"offline_access"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
		ID:       "rt-forever",
		ClientID: "client",
		UserID:   "user-1",
		IssuedAt: now,
	}))
	assert.Error(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{ID: "rt-2"}))

	got, err := store.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "client", got.ClientID)
	assert.True(t, scope.Equal(got.Scopes, []string{"offline_access"}))
	assert.WithinDuration(t, now.Add(time.Hour), got.ExpiresAt, time.Second)

	forever, err := store.GetRefreshToken(ctx, "rt-forever")
	require.NoError(t, err)
	assert.True(t, forever.ExpiresAt.IsZero())

	require.NoError(t, store.DeleteRefreshToken(ctx, "rt-1"))
	_, err = store.GetRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)
	assert.ErrorIs(t, store.DeleteRefreshToken(ctx, "rt-1"), storage.ErrRefreshTokenNotFound)
}

func testConsumeRefreshToken(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
		ID:        "rt-1",
		FamilyID:  "fam-1",
		ClientID:  "client",
		UserID:    "user-1",
		Scopes:    []string{"openid", "offline_access"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))

	got, err := store.AtomicGetAndDeleteRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "fam-1", got.FamilyID)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, scope.Equal(got.Scopes, []string{"openid", "offline_access"}))

	_, err = store.AtomicGetAndDeleteRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)
	_, err = store.GetRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)

	_, err = store.AtomicGetAndDeleteRefreshToken(ctx, "never-issued")
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)
}

func testConcurrentConsume(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
		ID:        "rt-race",
		FamilyID:  "fam-race",
		ClientID:  "client",
		UserID:    "user-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		notFound  int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AtomicGetAndDeleteRefreshToken(ctx, "rt-race")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrRefreshTokenNotFound):
				notFound++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, notFound)
}

func testRevokeRefreshTokens(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now()

	save := func(id, family, client, user string) {
		require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
			ID:        id,
			FamilyID:  family,
			ClientID:  client,
			UserID:    user,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}))
	}
	save("a-1", "fam-a", "client", "user-1")
	save("a-2", "fam-a", "client", "user-1")
	save("b-1", "fam-b", "client", "user-1")
	save("c-1", "fam-c", "other-client", "user-1")
	save("d-1", "fam-d", "client", "user-2")

	n, err := store.RevokeRefreshTokenFamily(ctx, "fam-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, id := range []string{"a-1", "a-2"} {
		_, err := store.GetRefreshToken(ctx, id)
		assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound, id)
	}
	_, err = store.GetRefreshToken(ctx, "b-1")
	require.NoError(t, err)

	n, err = store.RevokeRefreshTokenFamily(ctx, "fam-unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.RevokeAllTokensForUserClient(ctx, "user-1", "client")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.GetRefreshToken(ctx, "b-1")
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)

	for _, id := range []string{"c-1", "d-1"} {
		_, err := store.GetRefreshToken(ctx, id)
		assert.NoError(t, err, id)
	}

	_, err = store.RevokeAllTokensForUserClient(ctx, "", "client")
	assert.Error(t, err)
}
