package secrets

import (
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpPeriod is the TOTP step in seconds.
const totpPeriod = 30

// TOTPVerifier validates time-based one-time codes with a ±1 step window
// and rejects replays of a code within the same step.
type TOTPVerifier struct {
	mu sync.Mutex
	// last accepted (secret, step) pairs; a single entry per secret is
	// enough to block same-step replay
	lastStep map[string]int64
	now      func() time.Time
}

// NewTOTPVerifier creates a verifier using the wall clock.
func NewTOTPVerifier() *TOTPVerifier {
	return &TOTPVerifier{
		lastStep: make(map[string]int64),
		now:      time.Now,
	}
}

// GenerateSecret creates a new base32 TOTP secret for enrollment and
// returns the otpauth:// provisioning URL alongside it.
func GenerateTOTPSecret(issuer, accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// Verify checks a code against the secret. Codes from the previous or next
// step are accepted (clock skew); a code for a step at or before the last
// accepted step for this secret is rejected as a replay.
func (v *TOTPVerifier) Verify(secret, code string) bool {
	now := v.now()
	valid, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return false
	}

	step := now.Unix() / totpPeriod
	v.mu.Lock()
	defer v.mu.Unlock()
	if last, seen := v.lastStep[secret]; seen && step <= last {
		return false
	}
	v.lastStep[secret] = step
	return true
}
