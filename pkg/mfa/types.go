package mfa

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for the verification state machine
const (
	DefaultWindowSteps     = 1
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
	DefaultBackupCodeCount = 10

	// MethodTOTP and MethodBackupCode identify which factor satisfied
	// a verification, for audit records and metrics labels.
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

var (
	// ErrNotEnrolled indicates the user has no MFA secret at all.
	ErrNotEnrolled = errors.New("mfa: not enrolled")

	// ErrNotEnabled indicates a secret exists but enrollment was never
	// confirmed with a first code.
	ErrNotEnabled = errors.New("mfa: not enabled")

	// ErrAlreadyEnabled indicates setup was requested for a user whose
	// MFA is already active.
	ErrAlreadyEnabled = errors.New("mfa: already enabled")

	// ErrInvalidCode indicates the presented code matched no step in
	// the window, or replayed an already-used step.
	ErrInvalidCode = errors.New("mfa: invalid code")

	// ErrAccountLocked indicates verification is refused until the
	// lockout expires. No attempt is consumed while locked.
	ErrAccountLocked = errors.New("mfa: account locked")

	// ErrCodeExhausted indicates the user has no backup codes left.
	ErrCodeExhausted = errors.New("mfa: no backup codes remaining")

	// ErrUnauthorized indicates a disable request without a valid
	// confirming code.
	ErrUnauthorized = errors.New("mfa: confirmation code required")
)

// AccountLockedError carries the lockout deadline so callers can
// surface a Retry-After. Matches ErrAccountLocked under errors.Is.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("mfa: account locked until %s", e.Until.Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// InvalidCodeError carries the number of attempts remaining before
// lockout. Matches ErrInvalidCode under errors.Is.
type InvalidCodeError struct {
	AttemptsRemaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("mfa: invalid code (%d attempts remaining)", e.AttemptsRemaining)
}

func (e *InvalidCodeError) Unwrap() error { return ErrInvalidCode }

// Secret is the stored MFA record for one user
type Secret struct {
	UserID          string
	TenantID        string
	EncryptedSecret string
	Enabled         bool
	FailedAttempts  int
	LockoutUntil    *time.Time
	LastUsedStep    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Locked reports whether the lockout is still in effect at now
func (s *Secret) Locked(now time.Time) bool {
	return s.LockoutUntil != nil && now.Before(*s.LockoutUntil)
}

// Enrollment is returned by Setup. The secret and otpauth URL are shown
// to the user once and never stored in plaintext.
type Enrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

// VerifyResult is returned by a successful verification
type VerifyResult struct {
	Method               string `json:"method"`
	BackupCodesRemaining int    `json:"backup_codes_remaining,omitempty"`
}

// Status describes a user's second-factor state
type Status struct {
	Type                 string `json:"type"`
	Enabled              bool   `json:"enabled"`
	Pending              bool   `json:"pending"`
	BackupCodesRemaining int    `json:"backup_codes_remaining"`
}
