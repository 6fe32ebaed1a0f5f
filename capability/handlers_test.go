package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
	"github.com/giantswarm/oauth-core/storage/mock"
	"github.com/giantswarm/oauth-core/token"
)

func newTestHandlers(t *testing.T) (*StoreHandlers, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	codec, err := token.NewHMACCodec([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewHMACCodec() error = %v", err)
	}

	h, err := NewStoreHandlers(store, codec, Config{Issuer: "https://issuer.test", Audience: "api"}, nil)
	if err != nil {
		t.Fatalf("NewStoreHandlers() error = %v", err)
	}
	return h, store
}

func TestNewStoreHandlers_Validation(t *testing.T) {
	if _, err := NewStoreHandlers(nil, nil, Config{}, nil); err == nil {
		t.Error("NewStoreHandlers() expected error without store")
	}
	store := memory.New()
	defer store.Stop()
	if _, err := NewStoreHandlers(store, nil, Config{}, nil); err == nil {
		t.Error("NewStoreHandlers() expected error without codec")
	}
}

func TestStoreHandlers_Register(t *testing.T) {
	h, _ := newTestHandlers(t)
	reg := NewRegistry()
	h.Register(reg)

	if missing := reg.Require(Names...); missing != nil {
		t.Errorf("Require() = %v after Register()", missing)
	}
}

func TestStoreHandlers_GetClient(t *testing.T) {
	ctx := context.Background()
	h, store := newTestHandlers(t)

	if err := store.SaveClient(ctx, &storage.Client{ClientID: "c1"}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	client, err := h.GetClient(ctx, "c1")
	if err != nil || client == nil {
		t.Fatalf("GetClient() = %v, %v", client, err)
	}

	client, err = h.GetClient(ctx, "missing")
	if err != nil || client != nil {
		t.Errorf("GetClient(missing) = %v, %v, want nil, nil", client, err)
	}
}

func TestStoreHandlers_AuthenticateUser(t *testing.T) {
	ctx := context.Background()
	h, store := newTestHandlers(t)

	hash, _ := storage.HashSecret("pw")
	if err := store.SaveUser(ctx, &storage.User{ID: "u1", Username: "alice", PasswordHash: hash}); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	if id, err := h.AuthenticateUser(ctx, UserCredentials{Username: "alice", Password: "pw"}); err != nil || id != "u1" {
		t.Errorf("AuthenticateUser() = %q, %v", id, err)
	}
	if id, err := h.AuthenticateUser(ctx, UserCredentials{Username: "alice", Password: "nope"}); err != nil || id != "" {
		t.Errorf("AuthenticateUser(bad password) = %q, %v, want empty", id, err)
	}
	if id, err := h.AuthenticateUser(ctx, UserCredentials{Username: "bob", Password: "pw"}); err != nil || id != "" {
		t.Errorf("AuthenticateUser(unknown) = %q, %v, want empty", id, err)
	}
}

func TestStoreHandlers_GenerateTokens(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandlers(t)

	set, err := h.GenerateTokens(ctx, MintRequest{
		ClientID:          "c1",
		UserID:            "u1",
		Scopes:            []string{"openid", "offline_access"},
		IssueIDToken:      true,
		IssueRefreshToken: true,
	})
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}
	if set.AccessToken == "" || set.IDToken == "" || set.RefreshToken == "" {
		t.Fatalf("GenerateTokens() = %+v, want all three tokens", set)
	}
	if set.TokenType != token.TypeBearer || set.ExpiresIn != DefaultAccessTokenExpiry {
		t.Errorf("TokenType/ExpiresIn = %q/%d", set.TokenType, set.ExpiresIn)
	}

	claims, err := h.GetTokenClaims(ctx, TokenClaimsRequest{Token: set.AccessToken, TokenTypeHint: token.AccessToken})
	if err != nil {
		t.Fatalf("GetTokenClaims() error = %v", err)
	}
	if claims.Issuer != "https://issuer.test" || claims.Audience != "api" || claims.Subject != "u1" || claims.ClientID != "c1" {
		t.Errorf("claims = %+v", claims)
	}

	refresh, err := h.ValidateRefreshToken(ctx, RefreshTokenRequest{ClientID: "c1", Token: set.RefreshToken})
	if err != nil || refresh == nil {
		t.Fatalf("ValidateRefreshToken() = %v, %v", refresh, err)
	}
}

func TestStoreHandlers_GenerateTokens_AccessOnly(t *testing.T) {
	h, _ := newTestHandlers(t)

	set, err := h.GenerateTokens(context.Background(), MintRequest{ClientID: "c1", UserID: "u1"})
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}
	if set.IDToken != "" || set.RefreshToken != "" {
		t.Errorf("GenerateTokens() = %+v, want access token only", set)
	}
}

func TestStoreHandlers_ValidateRefreshToken(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandlers(t)

	set, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", UserID: "u1", IssueRefreshToken: true})
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}

	tests := []struct {
		name string
		req  RefreshTokenRequest
	}{
		{name: "other client", req: RefreshTokenRequest{ClientID: "c2", Token: set.RefreshToken}},
		{name: "bare number", req: RefreshTokenRequest{ClientID: "c1", Token: "12344"}},
		{name: "access token", req: RefreshTokenRequest{ClientID: "c1", Token: set.AccessToken}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := h.ValidateRefreshToken(ctx, tt.req)
			if err != nil || claims != nil {
				t.Errorf("ValidateRefreshToken() = %v, %v, want nil, nil", claims, err)
			}
		})
	}

	req := RefreshTokenRequest{ClientID: "c1", Token: set.RefreshToken}
	if err := h.RevokeRefreshToken(ctx, req); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	if claims, err := h.ValidateRefreshToken(ctx, req); !errors.Is(err, storage.ErrRefreshTokenReused) || claims == nil || claims.Subject != "u1" {
		t.Errorf("ValidateRefreshToken(revoked) = %v, %v, want claims with ErrRefreshTokenReused", claims, err)
	}

	claims, err := h.GetTokenClaims(ctx, TokenClaimsRequest{Token: set.RefreshToken, TokenTypeHint: token.RefreshToken})
	if err != nil {
		t.Fatalf("GetTokenClaims() error = %v", err)
	}
	if !claims.Revoked {
		t.Error("GetTokenClaims() did not mark the revoked refresh token")
	}

	// Revoking twice is not an error.
	if err := h.RevokeRefreshToken(ctx, req); err != nil {
		t.Errorf("second RevokeRefreshToken() error = %v", err)
	}
}

func TestStoreHandlers_ValidateRefreshToken_Consume(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandlers(t)

	set, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", UserID: "u1", IssueRefreshToken: true})
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}

	// A read-only validation leaves the token redeemable.
	peek := RefreshTokenRequest{ClientID: "c1", Token: set.RefreshToken}
	if claims, err := h.ValidateRefreshToken(ctx, peek); err != nil || claims == nil {
		t.Fatalf("ValidateRefreshToken() = %v, %v", claims, err)
	}

	consume := peek
	consume.Consume = true
	claims, err := h.ValidateRefreshToken(ctx, consume)
	if err != nil || claims == nil {
		t.Fatalf("ValidateRefreshToken(consume) = %v, %v", claims, err)
	}
	if claims.FamilyID == "" {
		t.Error("FamilyID is empty")
	}

	for _, req := range []RefreshTokenRequest{consume, peek} {
		if _, err := h.ValidateRefreshToken(ctx, req); !errors.Is(err, storage.ErrRefreshTokenReused) {
			t.Errorf("ValidateRefreshToken(consume=%v) after redemption error = %v, want ErrRefreshTokenReused", req.Consume, err)
		}
	}
}

func TestStoreHandlers_GenerateTokens_Family(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandlers(t)

	first, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", UserID: "u1", IssueRefreshToken: true})
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}
	firstClaims, err := h.GetTokenClaims(ctx, TokenClaimsRequest{Token: first.RefreshToken, TokenTypeHint: token.RefreshToken})
	if err != nil {
		t.Fatalf("GetTokenClaims() error = %v", err)
	}

	next, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", UserID: "u1", IssueRefreshToken: true, FamilyID: firstClaims.FamilyID})
	if err != nil {
		t.Fatalf("GenerateTokens(family) error = %v", err)
	}
	fresh, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", UserID: "u1", IssueRefreshToken: true})
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}

	n, err := h.RevokeTokenFamily(ctx, FamilyRevocation{ClientID: "c1", UserID: "u1", FamilyID: firstClaims.FamilyID})
	if err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeTokenFamily() = %d, want 2", n)
	}
	for _, raw := range []string{first.RefreshToken, next.RefreshToken} {
		if _, err := h.ValidateRefreshToken(ctx, RefreshTokenRequest{ClientID: "c1", Token: raw}); !errors.Is(err, storage.ErrRefreshTokenReused) {
			t.Errorf("ValidateRefreshToken() error = %v, want revoked", err)
		}
	}
	if claims, err := h.ValidateRefreshToken(ctx, RefreshTokenRequest{ClientID: "c1", Token: fresh.RefreshToken}); err != nil || claims == nil {
		t.Errorf("token of another family: ValidateRefreshToken() = %v, %v", claims, err)
	}

	// Without a family id every token of the user and client goes.
	n, err = h.RevokeTokenFamily(ctx, FamilyRevocation{ClientID: "c1", UserID: "u1"})
	if err != nil || n != 1 {
		t.Errorf("RevokeTokenFamily(user, client) = %d, %v, want 1", n, err)
	}
}

func TestStoreHandlers_GenerateTokens_RegistryConfig(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandlers(t)
	now := time.Now().Truncate(time.Second)
	h.SetClock(func() time.Time { return now })

	reg := NewRegistry()
	h.Register(reg)
	reg.RegisterGetConfig(func(_ context.Context, clientID string) (*Config, error) {
		if clientID != "c1" {
			t.Errorf("get_config clientID = %q, want c1", clientID)
		}
		return &Config{Expiry: Expiry{AccessToken: 60, RefreshToken: 120}}, nil
	})

	set, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", UserID: "u1", IssueRefreshToken: true})
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}
	if set.ExpiresIn != 60 {
		t.Errorf("ExpiresIn = %d, want 60", set.ExpiresIn)
	}

	access, err := h.GetTokenClaims(ctx, TokenClaimsRequest{Token: set.AccessToken, TokenTypeHint: token.AccessToken})
	if err != nil {
		t.Fatalf("GetTokenClaims() error = %v", err)
	}
	if !access.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("access exp = %v, want %v", access.ExpiresAt, now.Add(time.Minute))
	}
	// Identity falls back to the handlers' own config.
	if access.Issuer != "https://issuer.test" || access.Audience != "api" {
		t.Errorf("iss/aud = %q/%q", access.Issuer, access.Audience)
	}

	refresh, err := h.GetTokenClaims(ctx, TokenClaimsRequest{Token: set.RefreshToken, TokenTypeHint: token.RefreshToken})
	if err != nil {
		t.Fatalf("GetTokenClaims(refresh) error = %v", err)
	}
	if !refresh.ExpiresAt.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("refresh exp = %v, want %v", refresh.ExpiresAt, now.Add(2*time.Minute))
	}

	reg.RegisterGetConfig(func(context.Context, string) (*Config, error) {
		return nil, errors.New("config service down")
	})
	if _, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", UserID: "u1"}); err == nil {
		t.Error("GenerateTokens() should fail when get_config fails")
	}
}

func TestStoreHandlers_ValidateRefreshToken_Expired(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandlers(t)

	issued := time.Now()
	h.SetClock(func() time.Time { return issued })
	set, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", UserID: "u1", IssueRefreshToken: true})
	if err != nil {
		t.Fatalf("GenerateTokens() error = %v", err)
	}

	h.SetClock(func() time.Time { return issued.Add(100 * 24 * time.Hour) })
	if claims, _ := h.ValidateRefreshToken(ctx, RefreshTokenRequest{ClientID: "c1", Token: set.RefreshToken}); claims != nil {
		t.Error("ValidateRefreshToken() accepted an expired token")
	}
}

func TestStoreHandlers_AuthorizationCode(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandlers(t)

	result, err := h.GenerateAuthorizationCode(ctx, CodeRequest{ClientID: "c1", UserID: "u1", Scopes: []string{"openid"}})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode() error = %v", err)
	}
	if len(result.Code) < 43 {
		t.Errorf("code %q is too short", result.Code)
	}

	consumed, err := h.ConsumeAuthorizationCode(ctx, result.Code)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if consumed.ClientID != "c1" || consumed.UserID != "u1" || len(consumed.Scopes) != 1 {
		t.Errorf("ConsumeAuthorizationCode() = %+v", consumed)
	}

	again, err := h.ConsumeAuthorizationCode(ctx, result.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second ConsumeAuthorizationCode() error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if again == nil || again.UserID != "u1" {
		t.Error("reuse must identify the code owner")
	}

	unknown, err := h.ConsumeAuthorizationCode(ctx, "unknown")
	if err != nil || unknown != nil {
		t.Errorf("ConsumeAuthorizationCode(unknown) = %v, %v, want nil, nil", unknown, err)
	}
}

func TestStoreHandlers_AuthorizationCode_ExpiredByClock(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandlers(t)

	result, err := h.GenerateAuthorizationCode(ctx, CodeRequest{ClientID: "c1", UserID: "u1"})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode() error = %v", err)
	}

	h.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	consumed, err := h.ConsumeAuthorizationCode(ctx, result.Code)
	if err != nil || consumed != nil {
		t.Errorf("ConsumeAuthorizationCode() = %v, %v, want nil, nil for expired code", consumed, err)
	}
}

func TestStoreHandlers_GetConfig(t *testing.T) {
	h, _ := newTestHandlers(t)

	cfg, err := h.GetConfig(context.Background(), "")
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.Issuer != "https://issuer.test" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}

	cfg.Issuer = "changed"
	again, _ := h.GetConfig(context.Background(), "")
	if again.Issuer != "https://issuer.test" {
		t.Error("GetConfig() returned shared state")
	}
}

func TestStoreHandlers_StorageErrors(t *testing.T) {
	ctx := context.Background()
	store := mock.New()
	t.Cleanup(store.Stop)

	codec, err := token.NewHMACCodec([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewHMACCodec() error = %v", err)
	}
	h, err := NewStoreHandlers(store, codec, Config{}, nil)
	if err != nil {
		t.Fatalf("NewStoreHandlers() error = %v", err)
	}

	boom := errors.New("connection reset")
	store.GetClientFunc = func(context.Context, string) (*storage.Client, error) { return nil, boom }
	store.AuthenticateUserFunc = func(context.Context, string, string) (*storage.User, error) { return nil, boom }
	store.SaveRefreshTokenFunc = func(context.Context, *storage.RefreshToken) error { return boom }
	store.AtomicCheckAndMarkAuthCodeUsedFunc = func(context.Context, string) (*storage.AuthorizationCode, error) { return nil, boom }

	if _, err := h.GetClient(ctx, "c1"); !errors.Is(err, boom) {
		t.Errorf("GetClient() error = %v, want %v", err, boom)
	}
	if _, err := h.AuthenticateUser(ctx, UserCredentials{Username: "a", Password: "b"}); !errors.Is(err, boom) {
		t.Errorf("AuthenticateUser() error = %v, want %v", err, boom)
	}
	if _, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1", IssueRefreshToken: true}); !errors.Is(err, boom) {
		t.Errorf("GenerateTokens() error = %v, want %v", err, boom)
	}
	if _, err := h.ConsumeAuthorizationCode(ctx, "code"); !errors.Is(err, boom) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want %v", err, boom)
	}

	// An access-only mint never touches the token store.
	if _, err := h.GenerateTokens(ctx, MintRequest{ClientID: "c1"}); err != nil {
		t.Errorf("GenerateTokens(access only) error = %v", err)
	}
	if n := store.CallCount("SaveRefreshToken"); n != 1 {
		t.Errorf("SaveRefreshToken calls = %d, want 1", n)
	}
}
