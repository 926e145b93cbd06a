package authstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTTL is how long a pending login may wait for its callback.
const DefaultTTL = 10 * time.Minute

var (
	// ErrStateNotFound means the token was never issued or has been swept.
	ErrStateNotFound = errors.New("authstate: state token not found")

	// ErrStateExpired means the token was issued but its TTL has elapsed.
	ErrStateExpired = errors.New("authstate: state token expired")

	// ErrStateAlreadyConsumed means the token validated once before.
	// A callback presenting it again is a replay.
	ErrStateAlreadyConsumed = errors.New("authstate: state token already consumed")
)

// PendingState is the transient record of one in-flight login
type PendingState struct {
	Token        string    `json:"token"`
	TenantID     string    `json:"tenant_id"`
	Provider     string    `json:"provider"`
	CodeVerifier string    `json:"code_verifier,omitempty"` // OAuth PKCE
	RelayState   string    `json:"relay_state,omitempty"`   // SAML
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the state's TTL has elapsed at the given time
func (s *PendingState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store persists pending auth state with single-use consumption
type Store interface {
	// Save persists a new pending state record.
	Save(ctx context.Context, state *PendingState) error

	// Consume atomically validates and retires a state token. The first
	// call within the TTL returns the stored payload; every other call
	// fails with ErrStateNotFound, ErrStateExpired or
	// ErrStateAlreadyConsumed.
	Consume(ctx context.Context, token string) (*PendingState, error)

	// Sweep removes expired and consumed records, returning how many
	// were deleted.
	Sweep(ctx context.Context) (int64, error)
}

// NewToken returns a 256-bit random, URL-safe state token
func NewToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("authstate: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// PKCEPair binds an authorization code to the client that requested it
type PKCEPair struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCE returns a fresh verifier/challenge pair. The verifier is
// 43 URL-safe characters (RFC 7636 minimum); the challenge is its SHA-256
// digest, base64url-encoded, for use with code_challenge_method=S256.
func GeneratePKCE() (PKCEPair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCEPair{}, fmt.Errorf("authstate: generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	return PKCEPair{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    "S256",
	}, nil
}
