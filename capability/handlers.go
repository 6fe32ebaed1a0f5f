package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/token"
)

// StoreHandlers implements every capability on top of the storage interfaces
// and a token codec. Embedders with their own persistence register their own
// handlers instead.
//
// Once registered, minting and code generation read lifetimes through the
// registry's get_config handler, so a replacement get_config also changes
// the exp of newly signed tokens. Issuer and audience fall back to the
// handlers' own config when the replacement leaves them empty.
type StoreHandlers struct {
	store    storage.Store
	codec    *token.Codec
	config   Config
	logger   *slog.Logger
	now      func() time.Time
	registry *Registry
}

// NewStoreHandlers creates handlers backed by store. config.Issuer and
// config.Audience end up in every minted token.
func NewStoreHandlers(store storage.Store, codec *token.Codec, config Config, logger *slog.Logger) (*StoreHandlers, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if codec == nil {
		return nil, errors.New("token codec is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreHandlers{
		store:  store,
		codec:  codec,
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (h *StoreHandlers) SetClock(now func() time.Time) {
	h.now = now
}

// Register binds every handler into reg.
func (h *StoreHandlers) Register(reg *Registry) {
	h.registry = reg
	reg.RegisterGetClient(h.GetClient)
	reg.RegisterAuthenticateUser(h.AuthenticateUser)
	reg.RegisterGenerateTokens(h.GenerateTokens)
	reg.RegisterGenerateAuthorizationCode(h.GenerateAuthorizationCode)
	reg.RegisterConsumeAuthorizationCode(h.ConsumeAuthorizationCode)
	reg.RegisterValidateRefreshToken(h.ValidateRefreshToken)
	reg.RegisterGetTokenClaims(h.GetTokenClaims)
	reg.RegisterGetConfig(h.GetConfig)
	reg.RegisterRevokeRefreshToken(h.RevokeRefreshToken)
	reg.RegisterRevokeTokenFamily(h.RevokeTokenFamily)
}

// effectiveConfig returns the lifetimes and identity for clientID. The
// registry's get_config wins over the handlers' own config.
func (h *StoreHandlers) effectiveConfig(ctx context.Context, clientID string) (Config, error) {
	cfg := h.config
	if h.registry != nil {
		if get, ok := h.registry.GetConfig(); ok {
			override, err := get(ctx, clientID)
			if err != nil {
				return Config{}, fmt.Errorf("get_config: %w", err)
			}
			if override != nil {
				cfg.Expiry = override.Expiry
				if override.Issuer != "" {
					cfg.Issuer = override.Issuer
				}
				if override.Audience != "" {
					cfg.Audience = override.Audience
				}
			}
		}
	}
	return cfg.WithDefaults(), nil
}

// GetClient implements GetClientFunc.
func (h *StoreHandlers) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := h.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// AuthenticateUser implements AuthenticateUserFunc.
func (h *StoreHandlers) AuthenticateUser(ctx context.Context, creds UserCredentials) (string, error) {
	user, err := h.store.AuthenticateUser(ctx, creds.Username, creds.Password)
	if errors.Is(err, storage.ErrUserNotFound) || errors.Is(err, storage.ErrInvalidCredentials) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// GenerateTokens implements GenerateTokensFunc. Refresh tokens get a server
// side record so they can be revoked on rotation.
func (h *StoreHandlers) GenerateTokens(ctx context.Context, req MintRequest) (*TokenSet, error) {
	cfg, err := h.effectiveConfig(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	now := h.now()

	mint := func(kind token.Kind, id, familyID string, lifetime int64) (string, error) {
		return h.codec.Encode(kind, &token.Claims{
			ID:        id,
			Issuer:    cfg.Issuer,
			Subject:   req.UserID,
			Audience:  cfg.Audience,
			ClientID:  req.ClientID,
			Scopes:    req.Scopes,
			TokenType: token.TypeBearer,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Duration(lifetime) * time.Second),
			FamilyID:  familyID,
		})
	}

	set := &TokenSet{
		TokenType: token.TypeBearer,
		ExpiresIn: max(cfg.Expiry.AccessToken, 0),
		Scopes:    req.Scopes,
	}

	if set.AccessToken, err = mint(token.AccessToken, uuid.NewString(), "", cfg.Expiry.AccessToken); err != nil {
		return nil, err
	}

	if req.IssueIDToken {
		if set.IDToken, err = mint(token.IDToken, uuid.NewString(), "", cfg.Expiry.IDToken); err != nil {
			return nil, err
		}
	}

	if req.IssueRefreshToken {
		id := uuid.NewString()
		familyID := req.FamilyID
		if familyID == "" {
			familyID = uuid.NewString()
		}
		record := &storage.RefreshToken{
			ID:        id,
			FamilyID:  familyID,
			ClientID:  req.ClientID,
			UserID:    req.UserID,
			Scopes:    req.Scopes,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Duration(cfg.Expiry.RefreshToken) * time.Second),
		}
		if err := h.store.SaveRefreshToken(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to save refresh token: %w", err)
		}
		if set.RefreshToken, err = mint(token.RefreshToken, id, familyID, cfg.Expiry.RefreshToken); err != nil {
			return nil, err
		}
	}

	return set, nil
}

// GenerateAuthorizationCode implements GenerateAuthorizationCodeFunc.
func (h *StoreHandlers) GenerateAuthorizationCode(ctx context.Context, req CodeRequest) (*CodeResult, error) {
	cfg, err := h.effectiveConfig(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	now := h.now()

	code := &storage.AuthorizationCode{
		// 32 random bytes, base64url encoded
		Code:      oauth2.GenerateVerifier(),
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		Scopes:    req.Scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(cfg.Expiry.AuthorizationCode) * time.Second),
	}
	if err := h.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}
	return &CodeResult{Code: code.Code, ExpiresAt: code.ExpiresAt}, nil
}

// ConsumeAuthorizationCode implements ConsumeAuthorizationCodeFunc. Replay is
// reported as storage.ErrAuthorizationCodeUsed together with the code owner.
func (h *StoreHandlers) ConsumeAuthorizationCode(ctx context.Context, code string) (*ConsumedCode, error) {
	ac, err := h.store.AtomicCheckAndMarkAuthCodeUsed(ctx, code)
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeUsed):
		if ac == nil {
			return nil, err
		}
		return &ConsumedCode{ClientID: ac.ClientID, UserID: ac.UserID, Scopes: ac.Scopes}, err
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound), errors.Is(err, storage.ErrAuthorizationCodeExpired):
		return nil, nil
	case err != nil:
		return nil, err
	}

	if !ac.ExpiresAt.IsZero() && h.now().After(ac.ExpiresAt) {
		h.logger.Debug("Authorization code expired", "code_prefix", util.SafeTruncate(code, 8))
		return nil, nil
	}

	return &ConsumedCode{ClientID: ac.ClientID, UserID: ac.UserID, Scopes: ac.Scopes}, nil
}

// ValidateRefreshToken implements ValidateRefreshTokenFunc. With
// req.Consume the record is deleted in the same atomic step, so exactly one
// concurrent redemption succeeds. A well-formed, unexpired token whose record
// is gone is reported as storage.ErrRefreshTokenReused together with its
// claims.
func (h *StoreHandlers) ValidateRefreshToken(ctx context.Context, req RefreshTokenRequest) (*token.Claims, error) {
	claims, err := h.codec.Decode(token.RefreshToken, req.Token)
	if err != nil {
		return nil, nil
	}
	if claims.ClientID != req.ClientID || token.IsExpired(claims, h.now()) {
		return nil, nil
	}

	var record *storage.RefreshToken
	if req.Consume {
		record, err = h.store.AtomicGetAndDeleteRefreshToken(ctx, claims.ID)
	} else {
		record, err = h.store.GetRefreshToken(ctx, claims.ID)
	}
	switch {
	case errors.Is(err, storage.ErrRefreshTokenNotFound):
		return claims, storage.ErrRefreshTokenReused
	case errors.Is(err, storage.ErrRefreshTokenExpired):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if record.ClientID != req.ClientID {
		return nil, nil
	}
	if claims.FamilyID == "" {
		claims.FamilyID = record.FamilyID
	}
	return claims, nil
}

// GetTokenClaims implements GetTokenClaimsFunc. Refresh tokens without a
// server side record are marked revoked.
func (h *StoreHandlers) GetTokenClaims(ctx context.Context, req TokenClaimsRequest) (*token.Claims, error) {
	claims, err := h.codec.Decode(req.TokenTypeHint, req.Token)
	if err != nil {
		return nil, err
	}

	if claims.Kind == token.RefreshToken {
		_, err := h.store.GetRefreshToken(ctx, claims.ID)
		switch {
		case errors.Is(err, storage.ErrRefreshTokenNotFound), errors.Is(err, storage.ErrRefreshTokenExpired):
			claims.Revoked = true
		case err != nil:
			return nil, err
		}
	}
	return claims, nil
}

// GetConfig implements GetConfigFunc. Every client shares the same config.
func (h *StoreHandlers) GetConfig(_ context.Context, _ string) (*Config, error) {
	cfg := h.config
	return &cfg, nil
}

// RevokeRefreshToken implements RevokeRefreshTokenFunc.
func (h *StoreHandlers) RevokeRefreshToken(ctx context.Context, req RefreshTokenRequest) error {
	claims, err := h.codec.Decode(token.RefreshToken, req.Token)
	if err != nil {
		return nil
	}
	if err := h.store.DeleteRefreshToken(ctx, claims.ID); err != nil && !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeTokenFamily implements RevokeTokenFamilyFunc.
func (h *StoreHandlers) RevokeTokenFamily(ctx context.Context, req FamilyRevocation) (int, error) {
	var (
		n   int
		err error
	)
	if req.FamilyID != "" {
		n, err = h.store.RevokeRefreshTokenFamily(ctx, req.FamilyID)
	} else {
		n, err = h.store.RevokeAllTokensForUserClient(ctx, req.UserID, req.ClientID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return n, nil
}
