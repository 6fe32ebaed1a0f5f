package storage

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DummyHash is a bcrypt hash compared against when the subject of a credential
// check does not exist, so lookups of unknown ids take as long as real ones.
const DummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret returns the bcrypt hash of a client secret or password.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks password against user, always running one bcrypt
// comparison. A nil user yields ErrUserNotFound, a mismatch
// ErrInvalidCredentials.
func VerifyPassword(user *User, password string) error {
	hash := DummyHash
	if user != nil && user.PasswordHash != "" {
		hash = user.PasswordHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if user == nil {
		return ErrUserNotFound
	}
	if err != nil || user.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	return nil
}
