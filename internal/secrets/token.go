package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// tokenPrefixBytes yields a 12-char hex prefix for the indexed lookup.
	tokenPrefixBytes = 6

	// tokenSecretBytes is 192 bits of entropy for the secret part.
	tokenSecretBytes = 24
)

// GeneratedToken holds the one-time plaintext and the values to persist.
// The plaintext is shown exactly once at creation.
type GeneratedToken struct {
	Plaintext string // prefix + ":" + secret
	Prefix    string
	Hash      string // bcrypt over the full plaintext
}

// GenerateToken creates a new API token. The secret is base64url without
// padding; the hash covers the full "prefix:secret" plaintext.
func (h *Hasher) GenerateToken() (*GeneratedToken, error) {
	prefixBytes := make([]byte, tokenPrefixBytes)
	if _, err := rand.Read(prefixBytes); err != nil {
		return nil, fmt.Errorf("generate token prefix: %w", err)
	}
	secretBytes := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}

	prefix := hex.EncodeToString(prefixBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	plaintext := prefix + ":" + secret

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return nil, fmt.Errorf("hash token: %w", err)
	}

	return &GeneratedToken{
		Plaintext: plaintext,
		Prefix:    prefix,
		Hash:      string(hash),
	}, nil
}

// SplitToken extracts the prefix from a presented plaintext. Returns false
// when the shape is wrong; callers must not report which part failed.
func SplitToken(plaintext string) (prefix string, ok bool) {
	idx := strings.IndexByte(plaintext, ':')
	if idx < 8 || idx > 16 || idx == len(plaintext)-1 {
		return "", false
	}
	return plaintext[:idx], true
}

// VerifyToken checks a presented plaintext against the stored bcrypt hash.
func (h *Hasher) VerifyToken(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
