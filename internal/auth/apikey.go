package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns a bcrypt hash suitable for the admin_api_key_hash setting.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// KeyChecker accepts a plaintext key, a bcrypt hash, or both.
type KeyChecker struct {
	plain string
	hash  string
}

func NewKeyChecker(plain, hash string) *KeyChecker {
	return &KeyChecker{plain: plain, hash: hash}
}

func (k *KeyChecker) Configured() bool {
	return k.plain != "" || k.hash != ""
}

func (k *KeyChecker) Check(provided string) bool {
	if provided == "" {
		return false
	}
	if k.plain != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(k.plain)) == 1 {
		return true
	}
	if k.hash != "" && bcrypt.CompareHashAndPassword([]byte(k.hash), []byte(provided)) == nil {
		return true
	}
	return false
}
