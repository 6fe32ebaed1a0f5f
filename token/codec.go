package token

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth-core/scope"
	"github.com/giantswarm/oauth-core/security"
)

// MinHMACSecretLength is the shortest accepted HS256 secret.
const MinHMACSecretLength = 32

// jwtClaims is the wire layout of a token.
type jwtClaims struct {
	jwt.RegisteredClaims
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	TokenUse  string `json:"token_use"`
	TokenType string `json:"token_type,omitempty"`
	FamilyID  string `json:"fid,omitempty"`
}

// Codec signs and verifies tokens as JWTs. When an Encryptor is set, access
// and refresh tokens are additionally sealed so clients see opaque strings;
// id tokens always stay plain signed JWTs.
type Codec struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	encryptor *security.Encryptor
}

// NewHMACCodec creates an HS256 codec.
func NewHMACCodec(secret []byte) (*Codec, error) {
	if len(secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("hmac secret must be at least %d bytes, got %d", MinHMACSecretLength, len(secret))
	}
	key := append([]byte(nil), secret...)
	return &Codec{
		method:    jwt.SigningMethodHS256,
		signKey:   key,
		verifyKey: key,
	}, nil
}

// NewRSACodec creates an RS256 codec. keyID, when set, is written to the kid header.
func NewRSACodec(key *rsa.PrivateKey, keyID string) (*Codec, error) {
	if key == nil {
		return nil, errors.New("rsa key is required")
	}
	return &Codec{
		method:    jwt.SigningMethodRS256,
		signKey:   key,
		verifyKey: &key.PublicKey,
		keyID:     keyID,
	}, nil
}

// SetEncryptor enables sealing of access and refresh tokens.
func (c *Codec) SetEncryptor(enc *security.Encryptor) {
	c.encryptor = enc
}

// Algorithm returns the JWS algorithm name.
func (c *Codec) Algorithm() string {
	return c.method.Alg()
}

func (c *Codec) sealed(kind Kind) bool {
	return kind != IDToken && c.encryptor.IsEnabled()
}

// Encode serializes claims as a token of the given kind. claims.Kind is ignored.
func (c *Codec) Encode(kind Kind, claims *Claims) (string, error) {
	if _, ok := ParseKind(string(kind)); !ok {
		return "", fmt.Errorf("unsupported token kind %q", kind)
	}
	if claims == nil {
		return "", errors.New("claims are required")
	}

	tokenType := claims.TokenType
	if tokenType == "" {
		tokenType = TypeBearer
	}

	jc := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      claims.ID,
			Issuer:  claims.Issuer,
			Subject: claims.Subject,
		},
		ClientID:  claims.ClientID,
		Scope:     scope.Format(claims.Scopes),
		TokenUse:  string(kind),
		TokenType: tokenType,
		FamilyID:  claims.FamilyID,
	}
	if claims.Audience != "" {
		jc.Audience = jwt.ClaimStrings{claims.Audience}
	}
	if !claims.IssuedAt.IsZero() {
		jc.IssuedAt = jwt.NewNumericDate(claims.IssuedAt)
	}
	if !claims.ExpiresAt.IsZero() {
		jc.ExpiresAt = jwt.NewNumericDate(claims.ExpiresAt)
	}

	tok := jwt.NewWithClaims(c.method, jc)
	if c.keyID != "" {
		tok.Header["kid"] = c.keyID
	}

	signed, err := tok.SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", kind, err)
	}

	if c.sealed(kind) {
		sealed, err := c.encryptor.Encrypt(signed, string(kind))
		if err != nil {
			return "", fmt.Errorf("failed to seal %s: %w", kind, err)
		}
		return sealed, nil
	}
	return signed, nil
}

// Decode verifies raw as a token of the given kind. Expiry is not enforced so
// callers can still report metadata of expired tokens; use IsExpired.
// Every failure is an *InvalidTokenError.
func (c *Codec) Decode(kind Kind, raw string) (*Claims, error) {
	if _, ok := ParseKind(string(kind)); !ok {
		return nil, invalid(kind, fmt.Errorf("unsupported token kind %q", kind))
	}
	if raw == "" {
		return nil, invalid(kind, errors.New("empty token"))
	}

	if c.sealed(kind) {
		opened, err := c.encryptor.Decrypt(raw, string(kind))
		if err != nil {
			return nil, invalid(kind, err)
		}
		raw = opened
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var jc jwtClaims
	if _, err := parser.ParseWithClaims(raw, &jc, func(*jwt.Token) (any, error) {
		return c.verifyKey, nil
	}); err != nil {
		return nil, invalid(kind, err)
	}

	if jc.TokenUse != string(kind) {
		return nil, invalid(kind, fmt.Errorf("token is a %q", jc.TokenUse))
	}

	claims := &Claims{
		ID:        jc.ID,
		Kind:      kind,
		Issuer:    jc.Issuer,
		Subject:   jc.Subject,
		ClientID:  jc.ClientID,
		Scopes:    scope.Parse(jc.Scope),
		TokenType: jc.TokenType,
		FamilyID:  jc.FamilyID,
	}
	if len(jc.Audience) > 0 {
		claims.Audience = jc.Audience[0]
	}
	if jc.IssuedAt != nil {
		claims.IssuedAt = jc.IssuedAt.Time
	}
	if jc.ExpiresAt != nil {
		claims.ExpiresAt = jc.ExpiresAt.Time
	}
	return claims, nil
}
