package capability

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/token"
)

// Name identifies a capability.
type Name string

// Capability names. Every name except RevokeRefreshToken and
// RevokeTokenFamily is required by at least one grant or by introspection.
const (
	GetClient                 Name = "get_client"
	AuthenticateUser          Name = "authenticate_user"
	GenerateTokens            Name = "generate_tokens"
	GenerateAuthorizationCode Name = "generate_authorization_code"
	ConsumeAuthorizationCode  Name = "consume_authorization_code"
	ValidateRefreshToken      Name = "validate_refresh_token"
	GetTokenClaims            Name = "get_token_claims"
	GetConfig                 Name = "get_config"
	RevokeRefreshToken        Name = "revoke_refresh_token"
	RevokeTokenFamily         Name = "revoke_token_family"
)

// Names lists every known capability.
var Names = []Name{
	GetClient,
	AuthenticateUser,
	GenerateTokens,
	GenerateAuthorizationCode,
	ConsumeAuthorizationCode,
	ValidateRefreshToken,
	GetTokenClaims,
	GetConfig,
	RevokeRefreshToken,
	RevokeTokenFamily,
}

// GetClientFunc looks up a client. A nil client with a nil error means the
// client does not exist.
type GetClientFunc func(ctx context.Context, clientID string) (*storage.Client, error)

// AuthenticateUserFunc verifies resource owner credentials and returns the
// user id. An empty id with a nil error means the credentials are invalid.
type AuthenticateUserFunc func(ctx context.Context, creds UserCredentials) (string, error)

// GenerateTokensFunc mints a token set for a grant.
type GenerateTokensFunc func(ctx context.Context, req MintRequest) (*TokenSet, error)

// GenerateAuthorizationCodeFunc creates a single-use authorization code.
type GenerateAuthorizationCodeFunc func(ctx context.Context, req CodeRequest) (*CodeResult, error)

// ConsumeAuthorizationCodeFunc atomically redeems a code. A nil result with a
// nil error means the code is unknown, expired or used. Handlers may instead
// return an error matching storage.ErrAuthorizationCodeNotFound,
// storage.ErrAuthorizationCodeExpired or storage.ErrAuthorizationCodeUsed; for
// the latter a non-nil result identifies the code's owner for auditing.
type ConsumeAuthorizationCodeFunc func(ctx context.Context, code string) (*ConsumedCode, error)

// ValidateRefreshTokenFunc checks that a refresh token is live and belongs to
// the client. A nil result with a nil error means the token is invalid.
// Handlers that detect replay of an already redeemed or revoked token return
// an error matching storage.ErrRefreshTokenReused, with the token's claims
// when known so its family can be revoked.
type ValidateRefreshTokenFunc func(ctx context.Context, req RefreshTokenRequest) (*token.Claims, error)

// GetTokenClaimsFunc decodes a token as the hinted kind. Any error is reported
// to the caller as "Invalid <hint>".
type GetTokenClaimsFunc func(ctx context.Context, req TokenClaimsRequest) (*token.Claims, error)

// GetConfigFunc returns the effective configuration for a client. clientID
// may be empty.
type GetConfigFunc func(ctx context.Context, clientID string) (*Config, error)

// RevokeRefreshTokenFunc invalidates a refresh token after rotation.
type RevokeRefreshTokenFunc func(ctx context.Context, req RefreshTokenRequest) error

// RevokeTokenFamilyFunc revokes refresh tokens after authorization code or
// refresh token replay and returns how many were revoked.
type RevokeTokenFamilyFunc func(ctx context.Context, req FamilyRevocation) (int, error)

// Registry maps capability names to handlers. It is created at startup and
// passed explicitly into every grant and introspection call.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Name]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Name]any)}
}

// Register stores handler under name, replacing any previous handler. The
// handler must be the capability's function type or an unnamed function with
// the same signature.
func (r *Registry) Register(name Name, handler any) error {
	if handler == nil {
		return fmt.Errorf("handler for %q is nil", name)
	}
	if v := reflect.ValueOf(handler); v.Kind() == reflect.Func && v.IsNil() {
		return fmt.Errorf("handler for %q is nil", name)
	}

	fn, err := convert(name, handler)
	if err != nil {
		return err
	}

	r.set(name, fn)
	return nil
}

func convert(name Name, handler any) (any, error) {
	var fn any
	switch name {
	case GetClient:
		switch h := handler.(type) {
		case GetClientFunc:
			fn = h
		case func(context.Context, string) (*storage.Client, error):
			fn = GetClientFunc(h)
		}
	case AuthenticateUser:
		switch h := handler.(type) {
		case AuthenticateUserFunc:
			fn = h
		case func(context.Context, UserCredentials) (string, error):
			fn = AuthenticateUserFunc(h)
		}
	case GenerateTokens:
		switch h := handler.(type) {
		case GenerateTokensFunc:
			fn = h
		case func(context.Context, MintRequest) (*TokenSet, error):
			fn = GenerateTokensFunc(h)
		}
	case GenerateAuthorizationCode:
		switch h := handler.(type) {
		case GenerateAuthorizationCodeFunc:
			fn = h
		case func(context.Context, CodeRequest) (*CodeResult, error):
			fn = GenerateAuthorizationCodeFunc(h)
		}
	case ConsumeAuthorizationCode:
		switch h := handler.(type) {
		case ConsumeAuthorizationCodeFunc:
			fn = h
		case func(context.Context, string) (*ConsumedCode, error):
			fn = ConsumeAuthorizationCodeFunc(h)
		}
	case ValidateRefreshToken:
		switch h := handler.(type) {
		case ValidateRefreshTokenFunc:
			fn = h
		case func(context.Context, RefreshTokenRequest) (*token.Claims, error):
			fn = ValidateRefreshTokenFunc(h)
		}
	case GetTokenClaims:
		switch h := handler.(type) {
		case GetTokenClaimsFunc:
			fn = h
		case func(context.Context, TokenClaimsRequest) (*token.Claims, error):
			fn = GetTokenClaimsFunc(h)
		}
	case GetConfig:
		switch h := handler.(type) {
		case GetConfigFunc:
			fn = h
		case func(context.Context, string) (*Config, error):
			fn = GetConfigFunc(h)
		}
	case RevokeRefreshToken:
		switch h := handler.(type) {
		case RevokeRefreshTokenFunc:
			fn = h
		case func(context.Context, RefreshTokenRequest) error:
			fn = RevokeRefreshTokenFunc(h)
		}
	case RevokeTokenFamily:
		switch h := handler.(type) {
		case RevokeTokenFamilyFunc:
			fn = h
		case func(context.Context, FamilyRevocation) (int, error):
			fn = RevokeTokenFamilyFunc(h)
		}
	default:
		return nil, fmt.Errorf("unknown capability %q", name)
	}

	if fn == nil {
		return nil, fmt.Errorf("handler for %q has type %T", name, handler)
	}
	return fn, nil
}

// set stores fn; a nil function removes the entry.
func (r *Registry) set(name Name, fn any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v := reflect.ValueOf(fn); !v.IsValid() || v.IsNil() {
		delete(r.handlers, name)
		return
	}
	r.handlers[name] = fn
}

func (r *Registry) get(name Name) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has reports whether a handler is registered under name.
func (r *Registry) Has(name Name) bool {
	return r.get(name) != nil
}

// Require returns the names that have no handler, in input order.
func (r *Registry) Require(names ...Name) []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []Name
	for _, name := range names {
		if r.handlers[name] == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// Registered lists the names with a handler, sorted.
func (r *Registry) Registered() []Name {
	r.mu.RLock()
	names := make([]Name, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Typed registration. These cannot fail; registering nil removes the handler.

func (r *Registry) RegisterGetClient(fn GetClientFunc) { r.set(GetClient, fn) }

func (r *Registry) RegisterAuthenticateUser(fn AuthenticateUserFunc) { r.set(AuthenticateUser, fn) }

func (r *Registry) RegisterGenerateTokens(fn GenerateTokensFunc) { r.set(GenerateTokens, fn) }

func (r *Registry) RegisterGenerateAuthorizationCode(fn GenerateAuthorizationCodeFunc) {
	r.set(GenerateAuthorizationCode, fn)
}

func (r *Registry) RegisterConsumeAuthorizationCode(fn ConsumeAuthorizationCodeFunc) {
	r.set(ConsumeAuthorizationCode, fn)
}

func (r *Registry) RegisterValidateRefreshToken(fn ValidateRefreshTokenFunc) {
	r.set(ValidateRefreshToken, fn)
}

func (r *Registry) RegisterGetTokenClaims(fn GetTokenClaimsFunc) { r.set(GetTokenClaims, fn) }

func (r *Registry) RegisterGetConfig(fn GetConfigFunc) { r.set(GetConfig, fn) }

func (r *Registry) RegisterRevokeRefreshToken(fn RevokeRefreshTokenFunc) {
	r.set(RevokeRefreshToken, fn)
}

func (r *Registry) RegisterRevokeTokenFamily(fn RevokeTokenFamilyFunc) {
	r.set(RevokeTokenFamily, fn)
}

// Typed lookups. The boolean is false when no usable handler is registered.

func (r *Registry) GetClient() (GetClientFunc, bool) {
	fn, _ := r.get(GetClient).(GetClientFunc)
	return fn, fn != nil
}

func (r *Registry) AuthenticateUser() (AuthenticateUserFunc, bool) {
	fn, _ := r.get(AuthenticateUser).(AuthenticateUserFunc)
	return fn, fn != nil
}

func (r *Registry) GenerateTokens() (GenerateTokensFunc, bool) {
	fn, _ := r.get(GenerateTokens).(GenerateTokensFunc)
	return fn, fn != nil
}

func (r *Registry) GenerateAuthorizationCode() (GenerateAuthorizationCodeFunc, bool) {
	fn, _ := r.get(GenerateAuthorizationCode).(GenerateAuthorizationCodeFunc)
	return fn, fn != nil
}

func (r *Registry) ConsumeAuthorizationCode() (ConsumeAuthorizationCodeFunc, bool) {
	fn, _ := r.get(ConsumeAuthorizationCode).(ConsumeAuthorizationCodeFunc)
	return fn, fn != nil
}

func (r *Registry) ValidateRefreshToken() (ValidateRefreshTokenFunc, bool) {
	fn, _ := r.get(ValidateRefreshToken).(ValidateRefreshTokenFunc)
	return fn, fn != nil
}

func (r *Registry) GetTokenClaims() (GetTokenClaimsFunc, bool) {
	fn, _ := r.get(GetTokenClaims).(GetTokenClaimsFunc)
	return fn, fn != nil
}

func (r *Registry) GetConfig() (GetConfigFunc, bool) {
	fn, _ := r.get(GetConfig).(GetConfigFunc)
	return fn, fn != nil
}

func (r *Registry) RevokeRefreshToken() (RevokeRefreshTokenFunc, bool) {
	fn, _ := r.get(RevokeRefreshToken).(RevokeRefreshTokenFunc)
	return fn, fn != nil
}

func (r *Registry) RevokeTokenFamily() (RevokeTokenFamilyFunc, bool) {
	fn, _ := r.get(RevokeTokenFamily).(RevokeTokenFamilyFunc)
	return fn, fn != nil
}
