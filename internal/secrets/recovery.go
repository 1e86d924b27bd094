package secrets

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultRecoveryCodes is the number of codes issued per enrollment.
const DefaultRecoveryCodes = 10

// recovery codes are 10 characters from an unambiguous alphabet (no 0/O/1/I)
const recoveryAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

// GenerateRecoveryCodes returns n one-time codes and their bcrypt hashes.
// The plaintext codes are shown once; only hashes are stored.
func (h *Hasher) GenerateRecoveryCodes(n int) (codes []string, hashes []string, err error) {
	if n <= 0 {
		n = DefaultRecoveryCodes
	}
	codes = make([]string, 0, n)
	hashes = make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := randomRecoveryCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), h.cost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash recovery code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}
	return codes, hashes, nil
}

// ConsumeRecoveryCode verifies a presented code against the stored hashes
// and returns the remaining hashes with the matched one removed. ok is
// false when no hash matches; the stored set is unchanged in that case.
func (h *Hasher) ConsumeRecoveryCode(code string, hashes []string) (remaining []string, ok bool) {
	for i, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil {
			remaining = make([]string, 0, len(hashes)-1)
			remaining = append(remaining, hashes[:i]...)
			remaining = append(remaining, hashes[i+1:]...)
			return remaining, true
		}
	}
	return hashes, false
}

func randomRecoveryCode() (string, error) {
	const length = 10
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate recovery code: %w", err)
	}
	out := make([]byte, length)
	for i, b := range raw {
		out[i] = recoveryAlphabet[int(b)%len(recoveryAlphabet)]
	}
	return string(out), nil
}
