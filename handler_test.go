package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/server"
)

func newTestHandler(t *testing.T) (*Handler, *testutil.Fixture) {
	t.Helper()

	f := testutil.NewFixture(t)
	srv := server.New(nil, nil)
	srv.SetClock(f.Clock.Now)

	h := NewHandler(srv, f.Registry, Config{Issuer: testutil.Issuer + "/"})
	return h, f
}

func passwordForm(scope string) url.Values {
	return url.Values{
		"grant_type": {"password"},
		"username":   {testutil.Username},
		"password":   {testutil.Password},
		"scope":      {scope},
	}
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", body, err)
	}
	return v
}

func TestServeToken_Password(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
		WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
		WithForm(passwordForm("openid offline_access")).
		Do(http.HandlerFunc(h.ServeToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}

	resp := decode[TokenResponse](t, rr.Body.Bytes())
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.IDToken == "" {
		t.Errorf("response = %+v, want access, refresh and id token", resp)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.Scope != "openid offline_access" {
		t.Errorf("scope = %q", resp.Scope)
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want > 0", resp.ExpiresIn)
	}
}

func TestServeToken_FormCredentials(t *testing.T) {
	h, _ := newTestHandler(t)

	form := passwordForm("openid")
	form.Set("client_id", testutil.ClientID)
	form.Set("client_secret", testutil.ClientSecret)

	rr := testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
		WithForm(form).
		Do(http.HandlerFunc(h.ServeToken))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestServeToken_Errors(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name   string
		req    *testutil.HTTPRequest
		status int
		code   string
		desc   string
	}{
		{
			name:   "unknown client",
			req:    testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).WithBasicAuth("nobody", "x").WithForm(passwordForm("")),
			status: http.StatusUnauthorized,
			code:   ErrorCodeInvalidClient,
			desc:   server.MessageClientNotFound,
		},
		{
			name:   "wrong secret",
			req:    testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).WithBasicAuth(testutil.ClientID, "wrong").WithForm(passwordForm("")),
			status: http.StatusUnauthorized,
			code:   ErrorCodeInvalidClient,
			desc:   server.MessageClientNotFound,
		},
		{
			name: "unsupported grant type",
			req: testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
				WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
				WithForm(url.Values{"grant_type": {"client_credentials"}}),
			status: http.StatusBadRequest,
			code:   ErrorCodeUnsupportedGrantType,
		},
		{
			name: "missing grant type",
			req: testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
				WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
				WithForm(url.Values{}),
			status: http.StatusBadRequest,
			code:   ErrorCodeInvalidRequest,
			desc:   "Missing required 'grant_type'",
		},
		{
			name: "bad password",
			req: testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
				WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
				WithForm(url.Values{"grant_type": {"password"}, "username": {testutil.Username}, "password": {"nope"}}),
			status: http.StatusBadRequest,
			code:   ErrorCodeInvalidGrant,
			desc:   server.MessageInvalidUserCredentials,
		},
		{
			name: "scope escalation",
			req: testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
				WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
				WithForm(passwordForm("openid admin")),
			status: http.StatusBadRequest,
			code:   ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := tt.req.Do(http.HandlerFunc(h.ServeToken))
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.status, rr.Body.String())
			}
			resp := decode[ErrorResponse](t, rr.Body.Bytes())
			if resp.Error != tt.code {
				t.Errorf("error = %q, want %q", resp.Error, tt.code)
			}
			if tt.desc != "" && resp.ErrorDescription != tt.desc {
				t.Errorf("error_description = %q, want %q", resp.ErrorDescription, tt.desc)
			}
			if tt.status == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 response without WWW-Authenticate")
			}
		})
	}
}

func TestServeToken_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, DefaultTokenPath).Do(http.HandlerFunc(h.ServeToken))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestServeToken_HandlerFailure(t *testing.T) {
	h, f := newTestHandler(t)
	f.Registry.RegisterAuthenticateUser(func(context.Context, capability.UserCredentials) (string, error) {
		return "", errors.New("directory unavailable")
	})

	rr := testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
		WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
		WithForm(passwordForm("openid")).
		Do(http.HandlerFunc(h.ServeToken))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	resp := decode[ErrorResponse](t, rr.Body.Bytes())
	if resp.Error != ErrorCodeServerError {
		t.Errorf("error = %q, want server_error", resp.Error)
	}
}

func TestServeToken_AuthorizationCodeAndRefresh(t *testing.T) {
	h, f := newTestHandler(t)
	code := f.IssueCode(t, testutil.ClientID, "openid", "offline_access")

	exchange := func(form url.Values) *TokenResponse {
		t.Helper()
		rr := testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
			WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
			WithForm(form).
			Do(http.HandlerFunc(h.ServeToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
		}
		resp := decode[TokenResponse](t, rr.Body.Bytes())
		return &resp
	}

	issued := exchange(url.Values{"grant_type": {"authorization_code"}, "code": {code}})
	refreshed := exchange(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {issued.RefreshToken}})
	if refreshed.RefreshToken == issued.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The code is single use.
	rr := testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
		WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
		WithForm(url.Values{"grant_type": {"authorization_code"}, "code": {code}}).
		Do(http.HandlerFunc(h.ServeToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("replay status = %d, want 400", rr.Code)
	}
}

func TestServeTokenIntrospection(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := testutil.NewHTTPRequest(http.MethodPost, DefaultTokenPath).
		WithBasicAuth(testutil.ClientID, testutil.ClientSecret).
		WithForm(passwordForm("openid email")).
		Do(http.HandlerFunc(h.ServeToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", rr.Code, rr.Body.String())
	}
	issued := decode[TokenResponse](t, rr.Body.Bytes())

	introspect := func(clientID, secret, tok string) (int, map[string]any) {
		t.Helper()
		rr := testutil.NewHTTPRequest(http.MethodPost, DefaultIntrospectionPath).
			WithBasicAuth(clientID, secret).
			WithForm(url.Values{"token": {tok}, "token_type_hint": {"access_token"}}).
			Do(http.HandlerFunc(h.ServeTokenIntrospection))
		return rr.Code, decode[map[string]any](t, rr.Body.Bytes())
	}

	t.Run("active", func(t *testing.T) {
		status, body := introspect(testutil.ClientID, testutil.ClientSecret, issued.AccessToken)
		if status != http.StatusOK || body["active"] != true {
			t.Fatalf("status = %d, body = %v", status, body)
		}
		if body["sub"] != testutil.UserID || body["client_id"] != testutil.ClientID || body["scope"] != "openid email" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		status, body := introspect(testutil.ClientID, testutil.ClientSecret, "not-a-token")
		if status != http.StatusOK || body["active"] != false || len(body) != 1 {
			t.Errorf("status = %d, body = %v, want only active=false", status, body)
		}
	})

	t.Run("token of another client", func(t *testing.T) {
		status, body := introspect(testutil.OtherClientID, testutil.OtherClientSecret, issued.AccessToken)
		if status != http.StatusOK || body["active"] != false || len(body) != 1 {
			t.Errorf("status = %d, body = %v, want only active=false", status, body)
		}
	})

	t.Run("bad client secret", func(t *testing.T) {
		status, body := introspect(testutil.ClientID, "wrong", issued.AccessToken)
		if status != http.StatusUnauthorized || body["error"] != ErrorCodeInvalidClient {
			t.Errorf("status = %d, body = %v", status, body)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		status, body := introspect(testutil.ClientID, testutil.ClientSecret, "")
		if status != http.StatusBadRequest || body["error"] != ErrorCodeInvalidRequest {
			t.Errorf("status = %d, body = %v", status, body)
		}
	})
}

func TestServeAuthorizationServerMetadata(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rr := testutil.NewHTTPRequest(http.MethodGet, MetadataPath).Do(mux)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	md := decode[AuthorizationServerMetadata](t, rr.Body.Bytes())
	if md.Issuer != testutil.Issuer {
		t.Errorf("issuer = %q, want %q", md.Issuer, testutil.Issuer)
	}
	if md.TokenEndpoint != testutil.Issuer+DefaultTokenPath {
		t.Errorf("token_endpoint = %q", md.TokenEndpoint)
	}
	want := []string{"authorization_code", "password", "refresh_token"}
	if len(md.GrantTypesSupported) != len(want) {
		t.Fatalf("grant_types_supported = %v, want %v", md.GrantTypesSupported, want)
	}
	for i := range want {
		if md.GrantTypesSupported[i] != want[i] {
			t.Errorf("grant_types_supported = %v, want %v", md.GrantTypesSupported, want)
		}
	}
}
