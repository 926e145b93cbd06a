package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbuscrm/identity/pkg/audit"
	"github.com/nimbuscrm/identity/pkg/observability"
	"github.com/nimbuscrm/identity/pkg/secrets"
)

// EngineConfig tunes the verification state machine. Zero values fall
// back to the package defaults.
type EngineConfig struct {
	// Issuer appears in the otpauth URL shown at enrollment
	Issuer string

	// WindowSteps is the clock-skew tolerance in 30-second steps on
	// each side of now.
	WindowSteps int

	// MaxAttempts is the failure count that triggers a lockout
	MaxAttempts int

	// LockoutDuration is how long verification is refused after the
	// threshold is hit.
	LockoutDuration time.Duration

	// BackupCodeCount is how many codes are issued at enrollment
	BackupCodeCount int
}

func (c *EngineConfig) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "NimbusCRM"
	}
	if c.WindowSteps <= 0 {
		c.WindowSteps = DefaultWindowSteps
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = DefaultBackupCodeCount
	}
}

// Engine implements the second-factor operations
type Engine struct {
	store   Store
	box     *secrets.Box
	auditor audit.Logger
	metrics *observability.Metrics
	config  EngineConfig

	now func() time.Time
}

// NewEngine creates an Engine. auditor and metrics may be nil.
func NewEngine(store Store, box *secrets.Box, auditor audit.Logger, metrics *observability.Metrics, config EngineConfig) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if box == nil {
		return nil, fmt.Errorf("encryption box is required")
	}

	config.applyDefaults()

	return &Engine{
		store:   store,
		box:     box,
		auditor: auditor,
		metrics: metrics,
		config:  config,
		now:     time.Now,
	}, nil
}

func secretContext(tenantID, userID string) string {
	return fmt.Sprintf("mfa:totp:%s:%s", tenantID, userID)
}

// Setup generates a fresh TOTP secret for a user and stores it
// encrypted, awaiting confirmation via Enable. The secret and otpauth
// URL are returned exactly once.
func (e *Engine) Setup(ctx context.Context, tenantID, userID, accountName string) (*Enrollment, error) {
	existing, err := e.store.GetSecret(ctx, tenantID, userID)
	if err != nil && !errors.Is(err, ErrNotEnrolled) {
		return nil, err
	}
	if existing != nil && existing.Enabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := generateKey(e.config.Issuer, accountName)
	if err != nil {
		return nil, err
	}

	encrypted, err := e.box.Encrypt(key.Secret(), secretContext(tenantID, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}

	if err := e.store.UpsertPendingSecret(ctx, tenantID, userID, encrypted); err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret:     key.Secret(),
		OTPAuthURL: key.URL(),
	}, nil
}

// Enable confirms enrollment with a first code and issues backup
// codes. The plaintext codes are returned exactly once; only their
// hashes are stored.
func (e *Engine) Enable(ctx context.Context, tenantID, userID, code string) ([]string, error) {
	secret, err := e.store.GetSecret(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if secret.Enabled {
		return nil, ErrAlreadyEnabled
	}

	plaintext, err := e.box.Decrypt(secret.EncryptedSecret, secretContext(tenantID, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	ok, step, err := matchCode(plaintext, code, e.now().UTC(), e.config.WindowSteps, secret.LastUsedStep)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	if err := e.store.EnableSecret(ctx, tenantID, userID, step); err != nil {
		return nil, err
	}

	codes, hashes, err := generateBackupCodes(e.config.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, tenantID, userID, hashes); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.MFAEnrollmentsTotal.Inc()
	}
	e.emit(ctx, audit.EventTypeMFAEnroll, audit.EventStatusSuccess, tenantID, userID, MethodTOTP, "mfa enabled", nil)

	return codes, nil
}

// Verify checks a TOTP code against the enabled secret
func (e *Engine) Verify(ctx context.Context, tenantID, userID, code string) (*VerifyResult, error) {
	secret, err := e.loadEnabled(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if secret.Locked(now) {
		return nil, e.refuseLocked(ctx, tenantID, userID, MethodTOTP, *secret.LockoutUntil)
	}

	plaintext, err := e.box.Decrypt(secret.EncryptedSecret, secretContext(tenantID, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	ok, step, err := matchCode(plaintext, code, now, e.config.WindowSteps, secret.LastUsedStep)
	if err != nil {
		return nil, err
	}

	if ok {
		// A concurrent verification may have consumed the step first;
		// the conditional update settles the race.
		won, err := e.store.RecordSuccess(ctx, tenantID, userID, step)
		if err != nil {
			return nil, err
		}
		if won {
			if e.metrics != nil {
				e.metrics.MFAVerificationsTotal.WithLabelValues(MethodTOTP, "success").Inc()
			}
			e.emit(ctx, audit.EventTypeMFAVerify, audit.EventStatusSuccess, tenantID, userID, MethodTOTP, "totp verified", nil)
			return &VerifyResult{Method: MethodTOTP}, nil
		}
	}

	return nil, e.recordFailure(ctx, tenantID, userID, MethodTOTP, now)
}

// VerifyBackupCode checks and consumes a one-time backup code. A
// successful use clears the failure counter but does not advance the
// TOTP replay step.
func (e *Engine) VerifyBackupCode(ctx context.Context, tenantID, userID, code string) (*VerifyResult, error) {
	secret, err := e.loadEnabled(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if secret.Locked(now) {
		return nil, e.refuseLocked(ctx, tenantID, userID, MethodBackupCode, *secret.LockoutUntil)
	}

	hashes, err := e.store.ListBackupCodeHashes(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, ErrCodeExhausted
	}

	if match, found := findBackupCode(hashBackupCode(code), hashes); found {
		consumed, err := e.store.ConsumeBackupCode(ctx, tenantID, userID, match)
		if err != nil {
			return nil, err
		}
		if consumed {
			if err := e.store.ClearFailures(ctx, tenantID, userID); err != nil {
				return nil, err
			}

			remaining, err := e.store.CountBackupCodes(ctx, tenantID, userID)
			if err != nil {
				return nil, err
			}

			if e.metrics != nil {
				e.metrics.MFAVerificationsTotal.WithLabelValues(MethodBackupCode, "success").Inc()
				e.metrics.BackupCodesUsedTotal.Inc()
			}
			e.emit(ctx, audit.EventTypeMFABackupCodeUsed, audit.EventStatusSuccess, tenantID, userID, MethodBackupCode,
				"backup code consumed", map[string]interface{}{"backup_codes_remaining": remaining})

			return &VerifyResult{Method: MethodBackupCode, BackupCodesRemaining: remaining}, nil
		}
	}

	return nil, e.recordFailure(ctx, tenantID, userID, MethodBackupCode, now)
}

// Status reports a user's second-factor state. A user with no record
// is simply not enabled.
func (e *Engine) Status(ctx context.Context, tenantID, userID string) (*Status, error) {
	secret, err := e.store.GetSecret(ctx, tenantID, userID)
	if errors.Is(err, ErrNotEnrolled) {
		return &Status{Type: MethodTOTP}, nil
	}
	if err != nil {
		return nil, err
	}

	remaining, err := e.store.CountBackupCodes(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	return &Status{
		Type:                 MethodTOTP,
		Enabled:              secret.Enabled,
		Pending:              !secret.Enabled,
		BackupCodesRemaining: remaining,
	}, nil
}

// Disable removes the secret, backup codes and counters. An enabled
// factor requires a valid TOTP or backup code to confirm; a pending
// enrollment is cancelled without one.
func (e *Engine) Disable(ctx context.Context, tenantID, userID, code string) error {
	secret, err := e.store.GetSecret(ctx, tenantID, userID)
	if err != nil {
		return err
	}

	if secret.Enabled {
		now := e.now().UTC()
		if secret.Locked(now) {
			return e.refuseLocked(ctx, tenantID, userID, MethodTOTP, *secret.LockoutUntil)
		}

		confirmed, err := e.confirmCode(ctx, secret, code, now)
		if err != nil {
			return err
		}
		if !confirmed {
			if failErr := e.recordFailure(ctx, tenantID, userID, MethodTOTP, now); errors.Is(failErr, ErrAccountLocked) {
				return failErr
			}
			return ErrUnauthorized
		}
	}

	if err := e.store.DeleteAll(ctx, tenantID, userID); err != nil {
		return err
	}

	e.emit(ctx, audit.EventTypeMFADisable, audit.EventStatusSuccess, tenantID, userID, "", "mfa disabled", nil)
	return nil
}

// confirmCode accepts either a current TOTP code or an unused backup
// code. A matched backup code is consumed even though the record is
// about to be deleted, so a racing verification cannot reuse it.
func (e *Engine) confirmCode(ctx context.Context, secret *Secret, code string, now time.Time) (bool, error) {
	plaintext, err := e.box.Decrypt(secret.EncryptedSecret, secretContext(secret.TenantID, secret.UserID))
	if err != nil {
		return false, fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	ok, _, err := matchCode(plaintext, code, now, e.config.WindowSteps, secret.LastUsedStep)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	hashes, err := e.store.ListBackupCodeHashes(ctx, secret.TenantID, secret.UserID)
	if err != nil {
		return false, err
	}

	if match, found := findBackupCode(hashBackupCode(code), hashes); found {
		return e.store.ConsumeBackupCode(ctx, secret.TenantID, secret.UserID, match)
	}

	return false, nil
}

func (e *Engine) loadEnabled(ctx context.Context, tenantID, userID string) (*Secret, error) {
	secret, err := e.store.GetSecret(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !secret.Enabled {
		return nil, ErrNotEnabled
	}
	return secret, nil
}

// refuseLocked rejects an attempt made while the lockout is in effect.
// No attempt is consumed.
func (e *Engine) refuseLocked(ctx context.Context, tenantID, userID, method string, until time.Time) error {
	if e.metrics != nil {
		e.metrics.MFAVerificationsTotal.WithLabelValues(method, "locked").Inc()
	}
	e.emit(ctx, audit.EventTypeMFAVerifyFailed, audit.EventStatusBlocked, tenantID, userID, method,
		"verification refused while locked", map[string]interface{}{"lockout_until": until})

	return &AccountLockedError{Until: until}
}

// recordFailure consumes one attempt and returns the error the caller
// should surface: InvalidCodeError with attempts remaining, wrapped as
// AccountLockedError when this failure triggered the lockout.
func (e *Engine) recordFailure(ctx context.Context, tenantID, userID, method string, now time.Time) error {
	attempts, lockout, err := e.store.RecordFailure(ctx, tenantID, userID, e.config.MaxAttempts, now, now.Add(e.config.LockoutDuration))
	if err != nil {
		return err
	}

	remaining := e.config.MaxAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}

	if e.metrics != nil {
		e.metrics.MFAVerificationsTotal.WithLabelValues(method, "failure").Inc()
	}
	e.emit(ctx, audit.EventTypeMFAVerifyFailed, audit.EventStatusFailure, tenantID, userID, method,
		"invalid code", map[string]interface{}{"attempts_remaining": remaining})

	if lockout != nil && now.Before(*lockout) {
		if e.metrics != nil {
			e.metrics.MFALockoutsTotal.Inc()
		}
		e.emit(ctx, audit.EventTypeMFALocked, audit.EventStatusBlocked, tenantID, userID, method,
			"failure threshold reached", map[string]interface{}{"lockout_until": *lockout})
	}

	return &InvalidCodeError{AttemptsRemaining: remaining}
}

func (e *Engine) emit(ctx context.Context, eventType audit.EventType, status audit.EventStatus, tenantID, userID, method, message string, metadata map[string]interface{}) {
	event := audit.NewEvent(ctx, eventType, status)
	event.TenantID = tenantID
	event.UserID = userID
	event.Method = method
	event.Message = message
	event.Metadata = metadata

	audit.Emit(ctx, e.auditor, event)
}
