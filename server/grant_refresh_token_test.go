package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/token"
)

func refreshRequest(refreshToken, scopes string) *TokenRequest {
	return &TokenRequest{
		ClientCredentials: clientCreds(),
		GrantType:         "refresh_token",
		RefreshToken:      refreshToken,
		Scope:             scopes,
	}
}

func mustRefreshToken(t *testing.T, srv *Server, f *testutil.Fixture, scopes string) *capability.TokenSet {
	t.Helper()

	set, errs := srv.Exchange(context.Background(), f.Registry, passwordRequest(scopes))
	if errs != nil {
		t.Fatalf("Exchange(password) errors = %v", errs)
	}
	if set.RefreshToken == "" {
		t.Fatal("password grant did not issue a refresh token")
	}
	return set
}

func introspectRefresh(t *testing.T, srv *Server, f *testutil.Fixture, refreshToken string) bool {
	t.Helper()

	resp, errs := srv.Introspect(context.Background(), f.Registry, &IntrospectionRequest{
		ClientCredentials: clientCreds(),
		Token:             refreshToken,
		TokenTypeHint:     "refresh_token",
	})
	if errs != nil {
		t.Fatalf("Introspect() errors = %v", errs)
	}
	return resp.Active
}

func TestRefreshTokenGrant_Rotation(t *testing.T) {
	srv, f := newTestServer(t)
	ctx := context.Background()
	original := mustRefreshToken(t, srv, f, "openid offline_access")

	refreshed, errs := srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, ""))
	if errs != nil {
		t.Fatalf("Exchange(refresh_token) errors = %v", errs)
	}
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == original.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if !scope.Equal(refreshed.Scopes, original.Scopes) {
		t.Errorf("Scopes = %v, want original %v", refreshed.Scopes, original.Scopes)
	}
	if introspectRefresh(t, srv, f, original.RefreshToken) {
		t.Error("rotated-out refresh token introspects as active")
	}

	// The new one works and rotates again.
	latest, errs := srv.Exchange(ctx, f.Registry, refreshRequest(refreshed.RefreshToken, ""))
	if errs != nil {
		t.Fatalf("Exchange(new refresh token) errors = %v", errs)
	}
	if !introspectRefresh(t, srv, f, latest.RefreshToken) {
		t.Fatal("latest refresh token introspects as inactive")
	}
}

func TestRefreshTokenGrant_ReplayRevokesFamily(t *testing.T) {
	srv, f := newTestServer(t)
	ctx := context.Background()
	original := mustRefreshToken(t, srv, f, "offline_access")
	unrelated := mustRefreshToken(t, srv, f, "offline_access")

	refreshed, errs := srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, ""))
	if errs != nil {
		t.Fatalf("Exchange(refresh_token) errors = %v", errs)
	}
	latest, errs := srv.Exchange(ctx, f.Registry, refreshRequest(refreshed.RefreshToken, ""))
	if errs != nil {
		t.Fatalf("Exchange(refreshed) errors = %v", errs)
	}

	_, errs = srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, ""))
	if len(errs) != 1 || errs[0].Message != "Invalid refresh_token" {
		t.Fatalf("replaying the original token: errors = %v, want Invalid refresh_token", errs)
	}

	if introspectRefresh(t, srv, f, latest.RefreshToken) {
		t.Error("descendant of a replayed token is still active")
	}
	if _, errs := srv.Exchange(ctx, f.Registry, refreshRequest(latest.RefreshToken, "")); errs == nil {
		t.Error("descendant of a replayed token can still be redeemed")
	}

	// Another chain of the same user and client is untouched.
	if !introspectRefresh(t, srv, f, unrelated.RefreshToken) {
		t.Error("refresh token of another family was revoked")
	}
}

func TestRefreshTokenGrant_ReplayWithoutFamilyHandler(t *testing.T) {
	srv, f := newTestServer(t)
	ctx := context.Background()
	f.Registry.RegisterRevokeTokenFamily(nil)

	original := mustRefreshToken(t, srv, f, "offline_access")
	refreshed, errs := srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, ""))
	if errs != nil {
		t.Fatalf("Exchange(refresh_token) errors = %v", errs)
	}

	if _, errs := srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, "")); !errs.HasReason(ReasonInvalidRefreshToken) {
		t.Errorf("replay errors = %v, want invalid refresh token", errs)
	}
	if !introspectRefresh(t, srv, f, refreshed.RefreshToken) {
		t.Error("refreshed token revoked without a revoke_token_family handler")
	}
}

func TestRefreshTokenGrant_ConcurrentRedemption(t *testing.T) {
	srv, f := newTestServer(t)
	original := mustRefreshToken(t, srv, f, "offline_access")

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, errs := srv.Exchange(context.Background(), f.Registry, refreshRequest(original.RefreshToken, ""))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errs == nil && set != nil:
				successes++
			case errs.HasReason(ReasonInvalidRefreshToken):
				invalid++
			}
		}()
	}
	wg.Wait()

	if successes != 1 || invalid != attempts-1 {
		t.Errorf("successes = %d, invalid = %d, want 1 and %d", successes, invalid, attempts-1)
	}
}

func TestRefreshTokenGrant_ConcurrentRedemptionSlowMint(t *testing.T) {
	srv, f := newTestServer(t)
	original := mustRefreshToken(t, srv, f, "offline_access")

	// Both requests are inside generate_tokens before either returns, the
	// window in which a read-only validation would let both through.
	generate, _ := f.Registry.GenerateTokens()
	var minting sync.WaitGroup
	minting.Add(2)
	f.Registry.RegisterGenerateTokens(func(ctx context.Context, req capability.MintRequest) (*capability.TokenSet, error) {
		minting.Done()
		waitTimeout(&minting, time.Second)
		return generate(ctx, req)
	})

	var (
		wg      sync.WaitGroup
		results = make([]Errors, 2)
	)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = srv.Exchange(context.Background(), f.Registry, refreshRequest(original.RefreshToken, ""))
		}()
	}
	wg.Wait()

	successes := 0
	for _, errs := range results {
		if errs == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("successful redemptions of one refresh token = %d, want 1", successes)
	}
}

// waitTimeout waits for wg or gives up after d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

func TestRefreshTokenGrant_RotationDisabled(t *testing.T) {
	f := testutil.NewFixture(t)
	srv := New(&Config{DisableRefreshTokenRotation: true}, nil)
	srv.SetClock(f.Clock.Now)
	ctx := context.Background()

	original := mustRefreshToken(t, srv, f, "offline_access")

	for i := range 2 {
		set, errs := srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, ""))
		if errs != nil {
			t.Fatalf("Exchange() #%d errors = %v", i, errs)
		}
		if set.RefreshToken != original.RefreshToken {
			t.Errorf("Exchange() #%d returned a different refresh token", i)
		}
	}
}

func TestRefreshTokenGrant_Scope(t *testing.T) {
	srv, f := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		requested string
		want      []string
		reason    Reason
	}{
		{name: "narrowed", requested: "email", want: []string{"email"}},
		{name: "unchanged", requested: "email offline_access", want: []string{"email", "offline_access"}},
		{name: "widened", requested: "email profile", reason: ReasonInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := mustRefreshToken(t, srv, f, "email offline_access")

			set, errs := srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, tt.requested))
			if tt.reason != "" {
				if len(errs) != 1 || errs[0].Reason != tt.reason {
					t.Errorf("Exchange() errors = %v, want %s", errs, tt.reason)
				}
				// A rejected request does not redeem the token.
				if _, errs := srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, "")); errs != nil {
					t.Errorf("Exchange() after rejection errors = %v", errs)
				}
				return
			}
			if errs != nil {
				t.Fatalf("Exchange() errors = %v", errs)
			}
			if !scope.Equal(set.Scopes, tt.want) {
				t.Errorf("Scopes = %v, want %v", set.Scopes, tt.want)
			}
		})
	}
}

func TestRefreshTokenGrant_Failures(t *testing.T) {
	srv, f := newTestServer(t)
	ctx := context.Background()
	original := mustRefreshToken(t, srv, f, "offline_access")

	tests := []struct {
		name    string
		req     *TokenRequest
		message string
	}{
		{
			name:    "missing refresh_token",
			req:     refreshRequest("", ""),
			message: "Missing required 'refresh_token'",
		},
		{
			name:    "bare number",
			req:     refreshRequest("12344", ""),
			message: "Invalid refresh_token",
		},
		{
			name:    "access token presented as refresh token",
			req:     refreshRequest(original.AccessToken, ""),
			message: "Invalid refresh_token",
		},
		{
			name: "token of another client",
			req: &TokenRequest{
				ClientCredentials: ClientCredentials{ClientID: testutil.OtherClientID, ClientSecret: testutil.OtherClientSecret},
				GrantType:         "refresh_token",
				RefreshToken:      original.RefreshToken,
			},
			message: "Invalid refresh_token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, errs := srv.Exchange(ctx, f.Registry, tt.req)
			if set != nil {
				t.Fatal("Exchange() returned tokens")
			}
			if len(errs) != 1 || errs[0].Message != tt.message {
				t.Errorf("Exchange() errors = %v, want %q", errs, tt.message)
			}
		})
	}

	// None of the failures above consumed the token.
	if _, errs := srv.Exchange(ctx, f.Registry, refreshRequest(original.RefreshToken, "")); errs != nil {
		t.Errorf("Exchange(original) errors = %v", errs)
	}
}

func TestRefreshTokenGrant_OwnerCheckedByServer(t *testing.T) {
	srv, f := newTestServer(t)

	// A lenient handler that does not check the client binding itself.
	f.Registry.RegisterValidateRefreshToken(func(context.Context, capability.RefreshTokenRequest) (*token.Claims, error) {
		return &token.Claims{Kind: token.RefreshToken, Subject: testutil.UserID, ClientID: testutil.OtherClientID}, nil
	})

	_, errs := srv.Exchange(context.Background(), f.Registry, refreshRequest("anything", ""))
	if len(errs) != 1 || errs[0].Reason != ReasonInvalidRefreshToken {
		t.Errorf("Exchange() errors = %v, want invalid refresh token", errs)
	}
}
