package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/token"
)

func introspectRequest(tok, hint string) *IntrospectionRequest {
	return &IntrospectionRequest{
		ClientCredentials: clientCreds(),
		Token:             tok,
		TokenTypeHint:     hint,
	}
}

func mustAccessToken(t *testing.T, srv *Server, f *testutil.Fixture) *capability.TokenSet {
	t.Helper()

	set, errs := srv.Exchange(context.Background(), f.Registry, passwordRequest("openid email"))
	if errs != nil {
		t.Fatalf("Exchange() errors = %v", errs)
	}
	return set
}

func TestIntrospect_Active(t *testing.T) {
	srv, f := newTestServer(t)
	set := mustAccessToken(t, srv, f)

	resp, errs := srv.Introspect(context.Background(), f.Registry, introspectRequest(set.AccessToken, "access_token"))
	if errs != nil {
		t.Fatalf("Introspect() errors = %v", errs)
	}

	now := f.Clock.Now()
	want := IntrospectionResponse{
		Active:    true,
		Issuer:    testutil.Issuer,
		Subject:   testutil.UserID,
		Audience:  testutil.Audience,
		ClientID:  testutil.ClientID,
		Scope:     "openid email",
		TokenType: "Bearer",
		ExpiresAt: now.Add(time.Hour).Unix(),
		IssuedAt:  now.Unix(),
	}
	if *resp != want {
		t.Errorf("Introspect() = %+v, want %+v", *resp, want)
	}
}

func TestIntrospect_ExpiredConfig(t *testing.T) {
	srv, f := newTestServer(t)
	set := mustAccessToken(t, srv, f)

	f.Registry.RegisterGetConfig(func(context.Context, string) (*capability.Config, error) {
		return &capability.Config{
			Issuer:   testutil.Issuer,
			Audience: testutil.Audience,
			Expiry:   capability.Expiry{AccessToken: -1},
		}, nil
	})

	resp, errs := srv.Introspect(context.Background(), f.Registry, introspectRequest(set.AccessToken, "access_token"))
	if errs != nil {
		t.Fatalf("Introspect() errors = %v", errs)
	}
	if resp.Active {
		t.Error("Active = true, want false with a negative expiry")
	}
	// Metadata is still returned.
	if resp.Subject != testutil.UserID || resp.ClientID != testutil.ClientID || resp.TokenType != "Bearer" {
		t.Errorf("Introspect() = %+v, want claims populated", resp)
	}
}

func TestIntrospect_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		window  int64
		active  bool
	}{
		{name: "fresh", active: true},
		{name: "within grace period", advance: time.Hour + 3*time.Second, active: true},
		{name: "past grace period", advance: time.Hour + 10*time.Second},
		{name: "shortened by config", advance: 2 * time.Minute, window: 60},
		{name: "config cannot extend", advance: 2 * time.Hour, window: 86400},
		{name: "config window not reached", advance: 30 * time.Second, window: 60, active: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, f := newTestServer(t)
			set := mustAccessToken(t, srv, f)

			window := tt.window
			f.Registry.RegisterGetConfig(func(context.Context, string) (*capability.Config, error) {
				return &capability.Config{Expiry: capability.Expiry{AccessToken: window}}, nil
			})
			f.Clock.Advance(tt.advance)

			resp, errs := srv.Introspect(context.Background(), f.Registry, introspectRequest(set.AccessToken, "access_token"))
			if errs != nil {
				t.Fatalf("Introspect() errors = %v", errs)
			}
			if resp.Active != tt.active {
				t.Errorf("Active = %v, want %v", resp.Active, tt.active)
			}
		})
	}
}

func TestIntrospect_FallbackConfig(t *testing.T) {
	f := testutil.NewFixture(t)
	srv := New(&Config{Token: capability.Config{Expiry: capability.Expiry{AccessToken: -1}}}, nil)
	srv.SetClock(f.Clock.Now)
	set := mustAccessToken(t, srv, f)

	// Without a get_config handler the server's own config applies.
	reg := capability.NewRegistry()
	f.Handlers.Register(reg)
	reg.RegisterGetConfig(nil)

	resp, errs := srv.Introspect(context.Background(), reg, introspectRequest(set.AccessToken, "access_token"))
	if errs != nil {
		t.Fatalf("Introspect() errors = %v", errs)
	}
	if resp.Active {
		t.Error("Active = true, want false from the server config")
	}
}

func TestIntrospect_GetConfigFailure(t *testing.T) {
	srv, f := newTestServer(t)
	set := mustAccessToken(t, srv, f)

	f.Registry.RegisterGetConfig(func(context.Context, string) (*capability.Config, error) {
		return nil, errors.New("config service down")
	})

	_, errs := srv.Introspect(context.Background(), f.Registry, introspectRequest(set.AccessToken, "access_token"))
	if len(errs) != 1 || errs[0].Message != "get_config handler failed" {
		t.Errorf("Introspect() errors = %v", errs)
	}
}

func TestIntrospect_DecodeFailures(t *testing.T) {
	srv, f := newTestServer(t)
	set := mustAccessToken(t, srv, f)

	tests := []struct {
		name    string
		token   string
		hint    string
		message string
	}{
		{name: "bare number as refresh token", token: "12344", hint: "refresh_token", message: "Invalid refresh_token"},
		{name: "garbage access token", token: "not-a-token", hint: "access_token", message: "Invalid access_token"},
		{name: "access token as id token", token: set.AccessToken, hint: "id_token", message: "Invalid id_token"},
		{name: "id token as refresh token", token: set.IDToken, hint: "refresh_token", message: "Invalid refresh_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, errs := srv.Introspect(context.Background(), f.Registry, introspectRequest(tt.token, tt.hint))
			if resp != nil {
				t.Fatalf("Introspect() = %+v, want nil", resp)
			}
			if len(errs) != 1 || errs[0].Message != tt.message || errs[0].Kind != KindDecode {
				t.Errorf("Introspect() errors = %v, want %q", errs, tt.message)
			}
		})
	}
}

func TestIntrospect_OwnerMismatch(t *testing.T) {
	srv, f := newTestServer(t)
	set := mustAccessToken(t, srv, f)

	resp, errs := srv.Introspect(context.Background(), f.Registry, &IntrospectionRequest{
		ClientCredentials: ClientCredentials{ClientID: testutil.OtherClientID, ClientSecret: testutil.OtherClientSecret},
		Token:             set.AccessToken,
		TokenTypeHint:     "access_token",
	})
	if resp != nil {
		t.Fatalf("Introspect() = %+v, want nil", resp)
	}
	if len(errs) != 1 {
		t.Fatalf("Introspect() errors = %v, want one", errs)
	}
	if errs[0].Message != "client_id not found" || errs[0].Reason != ReasonTokenOwnerMismatch {
		t.Errorf("Introspect() error = %s (%s), want client_id not found", errs[0].Message, errs[0].Reason)
	}
}

func TestIntrospect_RequiredFieldsInOrder(t *testing.T) {
	srv, f := newTestServer(t)

	full := func() *IntrospectionRequest {
		return introspectRequest("some-token", "access_token")
	}

	tests := []struct {
		name   string
		mutate func(*IntrospectionRequest)
		field  string
	}{
		{name: "client_id", mutate: func(r *IntrospectionRequest) { r.ClientID = "" }, field: "client_id"},
		{name: "client_secret", mutate: func(r *IntrospectionRequest) { r.ClientSecret = "" }, field: "client_secret"},
		{name: "token", mutate: func(r *IntrospectionRequest) { r.Token = "" }, field: "token"},
		{name: "token_type_hint", mutate: func(r *IntrospectionRequest) { r.TokenTypeHint = "" }, field: "token_type_hint"},
		{name: "everything", mutate: func(r *IntrospectionRequest) { *r = IntrospectionRequest{} }, field: "client_id"},
		{
			name: "token and hint",
			mutate: func(r *IntrospectionRequest) {
				r.Token = ""
				r.TokenTypeHint = ""
			},
			field: "token",
		},
		{
			// Field checks run before the secret is verified.
			name: "wrong secret and no token",
			mutate: func(r *IntrospectionRequest) {
				r.ClientSecret = "wrong"
				r.Token = ""
			},
			field: "token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := full()
			tt.mutate(req)

			_, errs := srv.Introspect(context.Background(), f.Registry, req)
			if len(errs) != 1 {
				t.Fatalf("Introspect() errors = %v, want exactly one", errs)
			}
			if want := "Missing required '" + tt.field + "'"; errs[0].Message != want {
				t.Errorf("Introspect() error = %q, want %q", errs[0].Message, want)
			}
		})
	}
}

func TestIntrospect_MissingHandlers(t *testing.T) {
	srv := New(nil, nil)

	t.Run("both", func(t *testing.T) {
		// Credentials are not looked at, so an empty request reports handlers only.
		_, errs := srv.Introspect(context.Background(), capability.NewRegistry(), &IntrospectionRequest{})
		got := errs.Messages()
		if len(got) != 2 || got[0] != "Missing 'get_token_claims' handler" || got[1] != "Missing 'get_client' handler" {
			t.Errorf("Introspect() errors = %v", got)
		}
	})

	t.Run("get_client", func(t *testing.T) {
		reg := capability.NewRegistry()
		reg.RegisterGetTokenClaims(func(context.Context, capability.TokenClaimsRequest) (*token.Claims, error) {
			t.Fatal("get_token_claims must not be called")
			return nil, nil
		})

		_, errs := srv.Introspect(context.Background(), reg, introspectRequest("tok", "access_token"))
		if len(errs) != 1 || errs[0].Message != "Missing 'get_client' handler" || errs[0].Kind != KindConfiguration {
			t.Errorf("Introspect() errors = %v", errs)
		}
	})
}

func TestIntrospect_AuthenticationFailures(t *testing.T) {
	srv, f := newTestServer(t)
	set := mustAccessToken(t, srv, f)

	tests := []struct {
		name  string
		creds ClientCredentials
	}{
		{name: "unknown client", creds: ClientCredentials{ClientID: "unknown", ClientSecret: testutil.ClientSecret}},
		{name: "wrong secret", creds: ClientCredentials{ClientID: testutil.ClientID, ClientSecret: "wrong"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := srv.Introspect(context.Background(), f.Registry, &IntrospectionRequest{
				ClientCredentials: tt.creds,
				Token:             set.AccessToken,
				TokenTypeHint:     "access_token",
			})
			if len(errs) != 1 || errs[0].Message != "client_id not found" {
				t.Errorf("Introspect() errors = %v, want client_id not found", errs)
			}
		})
	}
}

func TestIntrospect_UnsupportedHint(t *testing.T) {
	srv, f := newTestServer(t)

	_, errs := srv.Introspect(context.Background(), f.Registry, introspectRequest("tok", "session_token"))
	if len(errs) != 1 || errs[0].Reason != ReasonUnsupportedTokenTypeHint {
		t.Errorf("Introspect() errors = %v", errs)
	}
}

func TestIntrospect_SealedTokens(t *testing.T) {
	srv, f := newTestServer(t)

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	f.Codec.SetEncryptor(enc)

	set := mustAccessToken(t, srv, f)
	if strings.Count(set.AccessToken, ".") == 2 {
		t.Error("sealed access token looks like a plain JWT")
	}

	resp, errs := srv.Introspect(context.Background(), f.Registry, introspectRequest(set.AccessToken, "access_token"))
	if errs != nil {
		t.Fatalf("Introspect() errors = %v", errs)
	}
	if !resp.Active || resp.Subject != testutil.UserID {
		t.Errorf("Introspect() = %+v, want active", resp)
	}
}
