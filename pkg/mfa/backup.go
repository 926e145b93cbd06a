package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Backup codes are 10 hex characters grouped as XXXXX-XXXXX: 40 bits of
// entropy per code, enough for single-use codes behind the shared
// lockout counter.
const backupCodeBytes = 5

// generateBackupCodes returns count fresh plaintext codes and their
// SHA-256 hashes. Only the hashes are ever stored.
func generateBackupCodes(count int) (codes []string, hashes []string, err error) {
	codes = make([]string, 0, count)
	hashes = make([]string, 0, count)

	for i := 0; i < count; i++ {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
		}

		plain := hex.EncodeToString(raw)
		code := plain[:5] + "-" + plain[5:]
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}

	return codes, hashes, nil
}

// hashBackupCode normalizes and hashes a code. SHA-256 rather than a
// salted hash: the lookup must be deterministic so the candidate can be
// hashed once and compared against the stored set in constant time.
func hashBackupCode(code string) string {
	normalized := strings.ToLower(strings.TrimSpace(code))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// findBackupCode compares the candidate hash against every stored hash
// in constant time per entry and returns the matching stored hash.
func findBackupCode(candidateHash string, storedHashes []string) (string, bool) {
	candidate := []byte(candidateHash)
	var match string
	found := false

	// Scan the full set regardless of where the match lands.
	for _, stored := range storedHashes {
		if subtle.ConstantTimeCompare(candidate, []byte(stored)) == 1 && !found {
			match = stored
			found = true
		}
	}

	return match, found
}
