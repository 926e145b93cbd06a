package mfa

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30

// generateKey creates a fresh TOTP key for enrollment
func generateKey(issuer, accountName string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		SecretSize:  32,
		Algorithm:   otp.AlgorithmSHA1,
		Digits:      otp.DigitsSix,
		Period:      totpPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}
	return key, nil
}

// matchCode compares the presented code against every step in
// [now-window, now+window], skipping steps at or below lastUsedStep so
// an observed code cannot be replayed. It returns the matched step.
//
// totp.Validate cannot report which step matched, so the comparison
// runs per step on the underlying HOTP counter codes.
func matchCode(secret, code string, now time.Time, windowSteps int, lastUsedStep int64) (bool, int64, error) {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return false, 0, nil
	}

	current := now.Unix() / totpPeriod
	for step := current - int64(windowSteps); step <= current+int64(windowSteps); step++ {
		if step <= lastUsedStep {
			continue
		}

		expected, err := hotp.GenerateCodeCustom(secret, uint64(step), hotp.ValidateOpts{
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return false, 0, fmt.Errorf("failed to compute totp code: %w", err)
		}

		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true, step, nil
		}
	}

	return false, 0, nil
}
