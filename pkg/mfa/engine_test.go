package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuscrm/identity/pkg/secrets"
)

// memStore is an in-memory Store with the same conditional-update
// semantics as the Postgres implementation.
type memStore struct {
	secrets map[string]*Secret
	codes   map[string]map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		secrets: make(map[string]*Secret),
		codes:   make(map[string]map[string]bool),
	}
}

func storeKey(tenantID, userID string) string { return tenantID + "/" + userID }

func (m *memStore) GetSecret(ctx context.Context, tenantID, userID string) (*Secret, error) {
	s, ok := m.secrets[storeKey(tenantID, userID)]
	if !ok {
		return nil, ErrNotEnrolled
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) UpsertPendingSecret(ctx context.Context, tenantID, userID, encryptedSecret string) error {
	key := storeKey(tenantID, userID)
	if existing, ok := m.secrets[key]; ok && existing.Enabled {
		return ErrAlreadyEnabled
	}
	m.secrets[key] = &Secret{
		TenantID:        tenantID,
		UserID:          userID,
		EncryptedSecret: encryptedSecret,
	}
	return nil
}

func (m *memStore) EnableSecret(ctx context.Context, tenantID, userID string, usedStep int64) error {
	s, ok := m.secrets[storeKey(tenantID, userID)]
	if !ok || s.Enabled {
		return ErrAlreadyEnabled
	}
	s.Enabled = true
	s.FailedAttempts = 0
	s.LockoutUntil = nil
	s.LastUsedStep = usedStep
	return nil
}

func (m *memStore) RecordSuccess(ctx context.Context, tenantID, userID string, step int64) (bool, error) {
	s, ok := m.secrets[storeKey(tenantID, userID)]
	if !ok || s.LastUsedStep >= step {
		return false, nil
	}
	s.FailedAttempts = 0
	s.LockoutUntil = nil
	s.LastUsedStep = step
	return true, nil
}

func (m *memStore) RecordFailure(ctx context.Context, tenantID, userID string, maxAttempts int, now, lockoutUntil time.Time) (int, *time.Time, error) {
	s, ok := m.secrets[storeKey(tenantID, userID)]
	if !ok {
		return 0, nil, ErrNotEnrolled
	}
	if s.LockoutUntil != nil && !s.LockoutUntil.After(now) {
		s.FailedAttempts = 0
		s.LockoutUntil = nil
	}
	s.FailedAttempts++
	if s.FailedAttempts >= maxAttempts {
		until := lockoutUntil
		s.LockoutUntil = &until
	}
	return s.FailedAttempts, s.LockoutUntil, nil
}

func (m *memStore) ClearFailures(ctx context.Context, tenantID, userID string) error {
	if s, ok := m.secrets[storeKey(tenantID, userID)]; ok {
		s.FailedAttempts = 0
		s.LockoutUntil = nil
	}
	return nil
}

func (m *memStore) ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error {
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = true
	}
	m.codes[storeKey(tenantID, userID)] = set
	return nil
}

func (m *memStore) ListBackupCodeHashes(ctx context.Context, tenantID, userID string) ([]string, error) {
	out := make([]string, 0)
	for h := range m.codes[storeKey(tenantID, userID)] {
		out = append(out, h)
	}
	return out, nil
}

func (m *memStore) ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (bool, error) {
	set := m.codes[storeKey(tenantID, userID)]
	if !set[hash] {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}

func (m *memStore) CountBackupCodes(ctx context.Context, tenantID, userID string) (int, error) {
	return len(m.codes[storeKey(tenantID, userID)]), nil
}

func (m *memStore) DeleteAll(ctx context.Context, tenantID, userID string) error {
	delete(m.secrets, storeKey(tenantID, userID))
	delete(m.codes, storeKey(tenantID, userID))
	return nil
}

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

func newTestEngine(t *testing.T, config EngineConfig) (*Engine, *memStore, *time.Time) {
	t.Helper()

	box, err := secrets.New(testMasterKey)
	require.NoError(t, err)

	store := newMemStore()
	engine, err := NewEngine(store, box, nil, nil, config)
	require.NoError(t, err)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := &now
	engine.now = func() time.Time { return *clock }

	return engine, store, clock
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := hotp.GenerateCodeCustom(secret, uint64(at.Unix()/30), hotp.ValidateOpts{
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// wrongCodeAt returns a six-digit code guaranteed to differ from the
// valid code for at.
func wrongCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	valid := codeAt(t, secret, at)
	flipped := byte('0' + (valid[0]-'0'+1)%10)
	return string(flipped) + valid[1:]
}

// enroll runs Setup and Enable, advancing the clock one step so the
// confirming code is not a replay for later verifications.
func enroll(t *testing.T, engine *Engine, clock *time.Time) (secret string, backupCodes []string) {
	t.Helper()
	ctx := context.Background()

	enrollment, err := engine.Setup(ctx, "tenant-1", "user-1", "user@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Contains(t, enrollment.OTPAuthURL, "otpauth://totp/")

	backupCodes, err = engine.Enable(ctx, "tenant-1", "user-1", codeAt(t, enrollment.Secret, *clock))
	require.NoError(t, err)

	*clock = clock.Add(30 * time.Second)
	return enrollment.Secret, backupCodes
}

func TestSetupAndEnable(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	_, backupCodes := enroll(t, engine, clock)
	assert.Len(t, backupCodes, DefaultBackupCodeCount)

	status, err := engine.Status(ctx, "tenant-1", "user-1")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.False(t, status.Pending)
	assert.Equal(t, DefaultBackupCodeCount, status.BackupCodesRemaining)
}

func TestSetupAlreadyEnabled(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	enroll(t, engine, clock)

	_, err := engine.Setup(context.Background(), "tenant-1", "user-1", "user@example.com")
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestSetupPendingStatus(t *testing.T) {
	engine, _, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	_, err := engine.Setup(ctx, "tenant-1", "user-1", "user@example.com")
	require.NoError(t, err)

	status, err := engine.Status(ctx, "tenant-1", "user-1")
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.True(t, status.Pending)
}

func TestEnableRejectsInvalidCode(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	enrollment, err := engine.Setup(ctx, "tenant-1", "user-1", "user@example.com")
	require.NoError(t, err)

	_, err = engine.Enable(ctx, "tenant-1", "user-1", wrongCodeAt(t, enrollment.Secret, *clock))
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerifySuccess(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)

	result, err := engine.Verify(context.Background(), "tenant-1", "user-1", codeAt(t, secret, *clock))
	require.NoError(t, err)
	assert.Equal(t, MethodTOTP, result.Method)
}

func TestVerifyReplayRejected(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)
	ctx := context.Background()

	code := codeAt(t, secret, *clock)
	_, err := engine.Verify(ctx, "tenant-1", "user-1", code)
	require.NoError(t, err)

	// Same code inside its validity window: replay.
	_, err = engine.Verify(ctx, "tenant-1", "user-1", code)
	assert.ErrorIs(t, err, ErrInvalidCode)

	var invalid *InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, DefaultMaxAttempts-1, invalid.AttemptsRemaining)
}

func TestVerifyAcceptsPreviousStep(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)
	*clock = clock.Add(30 * time.Second)

	// Client clock one step behind, inside the default window. The
	// extra advance keeps the earlier step above the enrollment step.
	earlier := clock.Add(-30 * time.Second)
	code := codeAt(t, secret, earlier)

	result, err := engine.Verify(context.Background(), "tenant-1", "user-1", code)
	require.NoError(t, err)
	assert.Equal(t, MethodTOTP, result.Method)
}

func TestVerifyLockoutProgression(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)
	ctx := context.Background()

	for want := DefaultMaxAttempts - 1; want >= 0; want-- {
		_, err := engine.Verify(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
		require.ErrorIs(t, err, ErrInvalidCode)

		var invalid *InvalidCodeError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, want, invalid.AttemptsRemaining)
	}

	// Locked now, even for a correct code. No attempt consumed.
	_, err := engine.Verify(ctx, "tenant-1", "user-1", codeAt(t, secret, *clock))
	require.ErrorIs(t, err, ErrAccountLocked)

	var locked *AccountLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, clock.Add(DefaultLockoutDuration), locked.Until)
}

func TestVerifyLockoutExpires(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := engine.Verify(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	*clock = clock.Add(DefaultLockoutDuration + time.Minute)

	result, err := engine.Verify(ctx, "tenant-1", "user-1", codeAt(t, secret, *clock))
	require.NoError(t, err)
	assert.Equal(t, MethodTOTP, result.Method)
}

func TestLockoutExpiryResetsCounter(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := engine.Verify(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	*clock = clock.Add(DefaultLockoutDuration + time.Minute)

	// A wrong code after the lockout elapses starts a fresh allowance
	// rather than immediately re-arming the lockout.
	_, err := engine.Verify(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
	require.ErrorIs(t, err, ErrInvalidCode)

	var invalid *InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, DefaultMaxAttempts-1, invalid.AttemptsRemaining)

	result, err := engine.Verify(ctx, "tenant-1", "user-1", codeAt(t, secret, *clock))
	require.NoError(t, err)
	assert.Equal(t, MethodTOTP, result.Method)
}

func TestBackupCodeSingleUse(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	_, backupCodes := enroll(t, engine, clock)
	ctx := context.Background()

	result, err := engine.VerifyBackupCode(ctx, "tenant-1", "user-1", backupCodes[0])
	require.NoError(t, err)
	assert.Equal(t, MethodBackupCode, result.Method)
	assert.Equal(t, DefaultBackupCodeCount-1, result.BackupCodesRemaining)

	_, err = engine.VerifyBackupCode(ctx, "tenant-1", "user-1", backupCodes[0])
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestBackupCodeExhausted(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{BackupCodeCount: 2})
	_, backupCodes := enroll(t, engine, clock)
	ctx := context.Background()

	for _, code := range backupCodes {
		_, err := engine.VerifyBackupCode(ctx, "tenant-1", "user-1", code)
		require.NoError(t, err)
	}

	_, err := engine.VerifyBackupCode(ctx, "tenant-1", "user-1", "aaaaa-aaaaa")
	assert.ErrorIs(t, err, ErrCodeExhausted)
}

func TestBackupCodeClearsFailureCounter(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, backupCodes := enroll(t, engine, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Verify(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	_, err := engine.VerifyBackupCode(ctx, "tenant-1", "user-1", backupCodes[0])
	require.NoError(t, err)

	// Counter is back at zero.
	_, err = engine.Verify(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
	var invalid *InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, DefaultMaxAttempts-1, invalid.AttemptsRemaining)
}

func TestBackupCodeFailureSharesLockout(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Verify(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
		require.ErrorIs(t, err, ErrInvalidCode)
	}
	for i := 0; i < 2; i++ {
		_, err := engine.VerifyBackupCode(ctx, "tenant-1", "user-1", "aaaaa-aaaaa")
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	_, err := engine.Verify(ctx, "tenant-1", "user-1", codeAt(t, secret, *clock))
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestVerifyNotEnrolled(t *testing.T) {
	engine, _, _ := newTestEngine(t, EngineConfig{})

	_, err := engine.Verify(context.Background(), "tenant-1", "user-1", "123456")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestVerifyNotEnabled(t *testing.T) {
	engine, _, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	_, err := engine.Setup(ctx, "tenant-1", "user-1", "user@example.com")
	require.NoError(t, err)

	_, err = engine.Verify(ctx, "tenant-1", "user-1", "123456")
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestStatusNotEnrolled(t *testing.T) {
	engine, _, _ := newTestEngine(t, EngineConfig{})

	status, err := engine.Status(context.Background(), "tenant-1", "user-1")
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.False(t, status.Pending)
	assert.Zero(t, status.BackupCodesRemaining)
}

func TestDisableRequiresValidCode(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)
	ctx := context.Background()

	err := engine.Disable(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Still enrolled.
	status, err := engine.Status(ctx, "tenant-1", "user-1")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
}

func TestDisableWithTOTPCode(t *testing.T) {
	engine, store, clock := newTestEngine(t, EngineConfig{})
	secret, _ := enroll(t, engine, clock)
	ctx := context.Background()

	require.NoError(t, engine.Disable(ctx, "tenant-1", "user-1", codeAt(t, secret, *clock)))

	_, err := store.GetSecret(ctx, "tenant-1", "user-1")
	assert.ErrorIs(t, err, ErrNotEnrolled)

	remaining, err := store.CountBackupCodes(ctx, "tenant-1", "user-1")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestDisableWithBackupCode(t *testing.T) {
	engine, store, clock := newTestEngine(t, EngineConfig{})
	_, backupCodes := enroll(t, engine, clock)
	ctx := context.Background()

	require.NoError(t, engine.Disable(ctx, "tenant-1", "user-1", backupCodes[3]))

	_, err := store.GetSecret(ctx, "tenant-1", "user-1")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestDisablePendingEnrollmentWithoutCode(t *testing.T) {
	engine, store, _ := newTestEngine(t, EngineConfig{})
	ctx := context.Background()

	_, err := engine.Setup(ctx, "tenant-1", "user-1", "user@example.com")
	require.NoError(t, err)

	require.NoError(t, engine.Disable(ctx, "tenant-1", "user-1", ""))

	_, err = store.GetSecret(ctx, "tenant-1", "user-1")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestConfiguredWindowRejectsOutsideSkew(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{WindowSteps: 1})
	secret, _ := enroll(t, engine, clock)

	// Two steps behind is outside a ±1 window.
	code := codeAt(t, secret, clock.Add(-60*time.Second))

	_, err := engine.Verify(context.Background(), "tenant-1", "user-1", code)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestEngineRequiresDependencies(t *testing.T) {
	box, err := secrets.New(testMasterKey)
	require.NoError(t, err)

	_, err = NewEngine(nil, box, nil, nil, EngineConfig{})
	assert.Error(t, err)

	_, err = NewEngine(newMemStore(), nil, nil, nil, EngineConfig{})
	assert.Error(t, err)
}

func TestEndToEndLockoutScenario(t *testing.T) {
	engine, _, clock := newTestEngine(t, EngineConfig{})
	secret, backupCodes := enroll(t, engine, clock)
	ctx := context.Background()

	// Normal login.
	_, err := engine.Verify(ctx, "tenant-1", "user-1", codeAt(t, secret, *clock))
	require.NoError(t, err)
	*clock = clock.Add(time.Minute)

	// Burn through every attempt.
	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := engine.Verify(ctx, "tenant-1", "user-1", wrongCodeAt(t, secret, *clock))
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	// Backup codes are behind the same lockout.
	_, err = engine.VerifyBackupCode(ctx, "tenant-1", "user-1", backupCodes[0])
	require.ErrorIs(t, err, ErrAccountLocked)

	// After the lockout expires a backup code recovers the account.
	*clock = clock.Add(DefaultLockoutDuration + time.Minute)
	result, err := engine.VerifyBackupCode(ctx, "tenant-1", "user-1", backupCodes[0])
	require.NoError(t, err)
	assert.Equal(t, DefaultBackupCodeCount-1, result.BackupCodesRemaining)
}
