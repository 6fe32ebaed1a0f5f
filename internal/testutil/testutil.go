package testutil

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
	"github.com/giantswarm/oauth-core/token"
)

// Fixture identities. Both clients share the same scopes and grant types so
// ownership checks can be exercised between them.
const (
	ClientID          = "test-client"
	ClientSecret      = "test-client-secret"
	OtherClientID     = "other-client"
	OtherClientSecret = "other-client-secret"

	UserID   = "user-123"
	Username = "alice"
	Password = "wonderland"

	Issuer   = "https://auth.example.com"
	Audience = "https://api.example.com"
)

// HMACSecret is the signing secret of fixture codecs
var HMACSecret = []byte("test-signing-secret-0123456789abcdef")

// AllowedScopes are the scopes of both fixture clients
var AllowedScopes = []string{"openid", "profile", "email", "offline_access"}

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Fixture is a registry wired to the reference handlers over a seeded memory
// store.
type Fixture struct {
	Store    *memory.Store
	Codec    *token.Codec
	Handlers *capability.StoreHandlers
	Registry *capability.Registry
	Clock    *MockTime
}

// NewFixture seeds two clients and one user and registers every handler.
// The clock starts at the current second.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	codec, err := token.NewHMACCodec(HMACSecret)
	if err != nil {
		t.Fatalf("NewHMACCodec() error = %v", err)
	}

	handlers, err := capability.NewStoreHandlers(store, codec, capability.Config{
		Issuer:   Issuer,
		Audience: Audience,
	}, nil)
	if err != nil {
		t.Fatalf("NewStoreHandlers() error = %v", err)
	}

	clock := NewMockTime(time.Now().Truncate(time.Second))
	handlers.SetClock(clock.Now)

	ctx := context.Background()
	for id, secret := range map[string]string{ClientID: ClientSecret, OtherClientID: OtherClientSecret} {
		SaveClient(t, store, id, secret, AllowedScopes)
	}

	hash, err := storage.HashSecret(Password)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if err := store.SaveUser(ctx, &storage.User{ID: UserID, Username: Username, PasswordHash: hash, CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	reg := capability.NewRegistry()
	handlers.Register(reg)

	return &Fixture{
		Store:    store,
		Codec:    codec,
		Handlers: handlers,
		Registry: reg,
		Clock:    clock,
	}
}

// SaveClient stores a confidential client allowed to use every grant type
func SaveClient(t testing.TB, store storage.ClientStore, clientID, secret string, scopes []string, grantTypes ...string) *storage.Client {
	t.Helper()

	hash, err := storage.HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	client := &storage.Client{
		ClientID:          clientID,
		ClientSecretHash:  hash,
		ClientName:        clientID,
		AllowedScopes:     scopes,
		AllowedGrantTypes: grantTypes,
		CreatedAt:         time.Now(),
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return client
}

// IssueCode creates an authorization code for the fixture user
func (f *Fixture) IssueCode(t testing.TB, clientID string, scopes ...string) string {
	t.Helper()

	result, err := f.Handlers.GenerateAuthorizationCode(context.Background(), capability.CodeRequest{
		ClientID: clientID,
		UserID:   UserID,
		Scopes:   scopes,
	})
	if err != nil {
		t.Fatalf("GenerateAuthorizationCode() error = %v", err)
	}
	return result.Code
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Form    url.Values
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets an application/x-www-form-urlencoded body
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Form = form
	return r
}

// WithBasicAuth sets HTTP Basic credentials
func (r *HTTPRequest) WithBasicAuth(username, password string) *HTTPRequest {
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return r.WithHeader("Authorization", "Basic "+creds)
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if r.Form != nil {
		body = strings.NewReader(r.Form.Encode())
	}
	req := httptest.NewRequest(r.Method, r.URL, body)
	if r.Form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
