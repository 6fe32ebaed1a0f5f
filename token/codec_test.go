package token

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/security"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testClaims(now time.Time) *Claims {
	return &Claims{
		ID:        "jti-1",
		Issuer:    "https://issuer.example.com",
		Subject:   "user-1",
		Audience:  "api",
		ClientID:  "client-1",
		Scopes:    []string{"openid", "profile"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		FamilyID:  "family-1",
	}
}

func newHMAC(t *testing.T) *Codec {
	t.Helper()
	c, err := NewHMACCodec(testSecret)
	if err != nil {
		t.Fatalf("NewHMACCodec() error = %v", err)
	}
	return c
}

func TestNewHMACCodec_ShortSecret(t *testing.T) {
	if _, err := NewHMACCodec([]byte("short")); err == nil {
		t.Fatal("NewHMACCodec() expected error for short secret")
	}
}

func TestNewRSACodec_NilKey(t *testing.T) {
	if _, err := NewRSACodec(nil, ""); err == nil {
		t.Fatal("NewRSACodec() expected error for nil key")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	rsaCodec, err := NewRSACodec(rsaKey, "key-1")
	if err != nil {
		t.Fatalf("NewRSACodec() error = %v", err)
	}

	codecs := map[string]*Codec{
		"HS256": newHMAC(t),
		"RS256": rsaCodec,
	}

	now := time.Unix(1700000000, 0)
	for alg, codec := range codecs {
		for _, kind := range Kinds {
			t.Run(alg+"/"+string(kind), func(t *testing.T) {
				if codec.Algorithm() != alg {
					t.Errorf("Algorithm() = %q, want %q", codec.Algorithm(), alg)
				}

				raw, err := codec.Encode(kind, testClaims(now))
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}

				got, err := codec.Decode(kind, raw)
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}

				if got.Kind != kind {
					t.Errorf("Kind = %q, want %q", got.Kind, kind)
				}
				if got.Subject != "user-1" || got.ClientID != "client-1" || got.Audience != "api" {
					t.Errorf("Decode() = %+v, identity claims lost", got)
				}
				if got.Issuer != "https://issuer.example.com" || got.ID != "jti-1" {
					t.Errorf("Decode() = %+v, iss/jti lost", got)
				}
				if !reflect.DeepEqual(got.Scopes, []string{"openid", "profile"}) {
					t.Errorf("Scopes = %v", got.Scopes)
				}
				if got.FamilyID != "family-1" {
					t.Errorf("FamilyID = %q, want family-1", got.FamilyID)
				}
				if got.TokenType != TypeBearer {
					t.Errorf("TokenType = %q, want %q", got.TokenType, TypeBearer)
				}
				if !got.IssuedAt.Equal(now) || !got.ExpiresAt.Equal(now.Add(time.Hour)) {
					t.Errorf("iat/exp = %v/%v", got.IssuedAt, got.ExpiresAt)
				}
			})
		}
	}
}

func TestCodec_DecodeRejects(t *testing.T) {
	codec := newHMAC(t)
	now := time.Now()

	access, err := codec.Encode(AccessToken, testClaims(now))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	other, err := NewHMACCodec([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewHMACCodec() error = %v", err)
	}
	foreign, err := other.Encode(AccessToken, testClaims(now))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tests := []struct {
		name string
		kind Kind
		raw  string
		want string
	}{
		{name: "empty", kind: AccessToken, raw: "", want: "Invalid access_token"},
		{name: "not a jwt", kind: RefreshToken, raw: "12344", want: "Invalid refresh_token"},
		{name: "wrong kind", kind: RefreshToken, raw: access, want: "Invalid refresh_token"},
		{name: "wrong key", kind: AccessToken, raw: foreign, want: "Invalid access_token"},
		{name: "tampered", kind: AccessToken, raw: access[:strings.LastIndex(access, ".")+1] + "AAAA", want: "Invalid access_token"},
		{name: "id token as access", kind: IDToken, raw: access, want: "Invalid id_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.kind, tt.raw)
			if err == nil {
				t.Fatal("Decode() expected error")
			}
			if err.Error() != tt.want {
				t.Errorf("Decode() error = %q, want %q", err.Error(), tt.want)
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Decode() error does not match ErrInvalidToken")
			}
			var ite *InvalidTokenError
			if !errors.As(err, &ite) || ite.Kind != tt.kind {
				t.Errorf("Decode() error = %#v, want *InvalidTokenError for %s", err, tt.kind)
			}
		})
	}
}

func TestCodec_DecodeKeepsExpiredClaims(t *testing.T) {
	codec := newHMAC(t)
	past := time.Now().Add(-48 * time.Hour)

	raw, err := codec.Encode(AccessToken, testClaims(past))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := codec.Decode(AccessToken, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v, expired tokens must still decode", err)
	}
	if !IsExpired(got, time.Now()) {
		t.Error("IsExpired() = false for token expired a day ago")
	}
}

func TestCodec_Sealed(t *testing.T) {
	codec := newHMAC(t)
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	codec.SetEncryptor(enc)

	now := time.Now()
	for _, kind := range []Kind{AccessToken, RefreshToken} {
		raw, err := codec.Encode(kind, testClaims(now))
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", kind, err)
		}
		if strings.Count(raw, ".") == 2 {
			t.Errorf("Encode(%s) = %q, want an opaque token", kind, raw)
		}
		if _, err := codec.Decode(kind, raw); err != nil {
			t.Errorf("Decode(%s) error = %v", kind, err)
		}
	}

	// Sealing binds the kind, so an access token cannot pass as a refresh token.
	access, _ := codec.Encode(AccessToken, testClaims(now))
	if _, err := codec.Decode(RefreshToken, access); err == nil {
		t.Error("Decode(refresh_token) accepted a sealed access token")
	}

	idToken, err := codec.Encode(IDToken, testClaims(now))
	if err != nil {
		t.Fatalf("Encode(id_token) error = %v", err)
	}
	if strings.Count(idToken, ".") != 2 {
		t.Errorf("id_token = %q, want a plain JWT", idToken)
	}
}

func TestCodec_EncodeUnknownKind(t *testing.T) {
	if _, err := newHMAC(t).Encode(Kind("session"), testClaims(time.Now())); err == nil {
		t.Fatal("Encode() expected error for unknown kind")
	}
}
