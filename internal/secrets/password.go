// Package secrets implements the credential engine: bcrypt password and
// token hashing, API token generation, recovery codes, and TOTP. bcrypt is
// used for both passwords and tokens so the attack surface and cost profile
// stay uniform.
package secrets

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinBcryptCost is the lowest accepted hashing cost.
const MinBcryptCost = 12

// Hasher hashes and verifies passwords and token plaintexts.
type Hasher struct {
	cost int
}

// NewHasher creates a Hasher with the given bcrypt cost.
func NewHasher(cost int) (*Hasher, error) {
	if cost < MinBcryptCost {
		return nil, fmt.Errorf("bcrypt cost %d below minimum %d", cost, MinBcryptCost)
	}
	return &Hasher{cost: cost}, nil
}

// HashPassword hashes a plaintext password.
func (h *Hasher) HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext against a stored hash. bcrypt's
// comparison is constant-time within the library's guarantees.
func (h *Hasher) VerifyPassword(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
