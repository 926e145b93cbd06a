package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuscrm/identity/pkg/audit"
	"github.com/nimbuscrm/identity/pkg/mfa"
	"github.com/nimbuscrm/identity/pkg/secrets"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

// fakeMFAStore mirrors the conditional-update semantics of the
// Postgres store.
type fakeMFAStore struct {
	secrets map[string]*mfa.Secret
	codes   map[string]map[string]bool
}

func newFakeMFAStore() *fakeMFAStore {
	return &fakeMFAStore{
		secrets: make(map[string]*mfa.Secret),
		codes:   make(map[string]map[string]bool),
	}
}

func fakeKey(tenantID, userID string) string { return tenantID + "/" + userID }

func (m *fakeMFAStore) GetSecret(ctx context.Context, tenantID, userID string) (*mfa.Secret, error) {
	s, ok := m.secrets[fakeKey(tenantID, userID)]
	if !ok {
		return nil, mfa.ErrNotEnrolled
	}
	copied := *s
	return &copied, nil
}

func (m *fakeMFAStore) UpsertPendingSecret(ctx context.Context, tenantID, userID, encryptedSecret string) error {
	key := fakeKey(tenantID, userID)
	if existing, ok := m.secrets[key]; ok && existing.Enabled {
		return mfa.ErrAlreadyEnabled
	}
	m.secrets[key] = &mfa.Secret{TenantID: tenantID, UserID: userID, EncryptedSecret: encryptedSecret}
	return nil
}

func (m *fakeMFAStore) EnableSecret(ctx context.Context, tenantID, userID string, usedStep int64) error {
	s, ok := m.secrets[fakeKey(tenantID, userID)]
	if !ok || s.Enabled {
		return mfa.ErrAlreadyEnabled
	}
	s.Enabled = true
	s.FailedAttempts = 0
	s.LockoutUntil = nil
	s.LastUsedStep = usedStep
	return nil
}

func (m *fakeMFAStore) RecordSuccess(ctx context.Context, tenantID, userID string, step int64) (bool, error) {
	s, ok := m.secrets[fakeKey(tenantID, userID)]
	if !ok || s.LastUsedStep >= step {
		return false, nil
	}
	s.FailedAttempts = 0
	s.LockoutUntil = nil
	s.LastUsedStep = step
	return true, nil
}

func (m *fakeMFAStore) RecordFailure(ctx context.Context, tenantID, userID string, maxAttempts int, now, lockoutUntil time.Time) (int, *time.Time, error) {
	s, ok := m.secrets[fakeKey(tenantID, userID)]
	if !ok {
		return 0, nil, mfa.ErrNotEnrolled
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

func (m *fakeMFAStore) ClearFailures(ctx context.Context, tenantID, userID string) error {
	if s, ok := m.secrets[fakeKey(tenantID, userID)]; ok {
		s.FailedAttempts = 0
		s.LockoutUntil = nil
	}
	return nil
}

func (m *fakeMFAStore) ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error {
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = true
	}
	m.codes[fakeKey(tenantID, userID)] = set
	return nil
}

func (m *fakeMFAStore) ListBackupCodeHashes(ctx context.Context, tenantID, userID string) ([]string, error) {
	out := make([]string, 0)
	for h := range m.codes[fakeKey(tenantID, userID)] {
		out = append(out, h)
	}
	return out, nil
}

func (m *fakeMFAStore) ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (bool, error) {
	set := m.codes[fakeKey(tenantID, userID)]
	if !set[hash] {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}

func (m *fakeMFAStore) CountBackupCodes(ctx context.Context, tenantID, userID string) (int, error) {
	return len(m.codes[fakeKey(tenantID, userID)]), nil
}

func (m *fakeMFAStore) DeleteAll(ctx context.Context, tenantID, userID string) error {
	delete(m.secrets, fakeKey(tenantID, userID))
	delete(m.codes, fakeKey(tenantID, userID))
	return nil
}

func newMFATestRouter(t *testing.T, config mfa.EngineConfig) *mux.Router {
	t.Helper()

	box, err := secrets.New(testMasterKey)
	require.NoError(t, err)

	engine, err := mfa.NewEngine(newFakeMFAStore(), box, audit.NopLogger{}, nil, config)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewMFAHandlers(engine).RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// setupAndEnable drives a user through enrollment and returns the
// plaintext secret and the issued backup codes.
func setupAndEnable(t *testing.T, router *mux.Router) (string, []string) {
	t.Helper()

	rec := doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/setup", `{"account_name":"pat@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	secret, _ := body["secret"].(string)
	require.NotEmpty(t, secret)
	assert.Contains(t, body["otpauth_url"], "otpauth://totp/")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	rec = doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/enable", `{"code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var enableBody struct {
		BackupCodes []string `json:"backup_codes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enableBody))
	require.NotEmpty(t, enableBody.BackupCodes)

	return secret, enableBody.BackupCodes
}

func TestMFAStatusNotEnrolled(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{})

	rec := doJSON(t, router, "GET", "/mfa/tenant-1/users/user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["enabled"])
	assert.Equal(t, false, body["pending"])
}

func TestMFAEnrollmentFlow(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{})

	secret, backupCodes := setupAndEnable(t, router)
	assert.Len(t, backupCodes, 10)

	rec := doJSON(t, router, "GET", "/mfa/tenant-1/users/user-1", "")
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["enabled"])

	// The confirming code's step is spent; verify with the next one.
	code, err := totp.GenerateCode(secret, time.Now().Add(30*time.Second))
	require.NoError(t, err)

	rec = doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/verify", `{"code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "totp", decodeBody(t, rec)["method"])
}

func TestMFASetupRequiresAccountName(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{})

	rec := doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/setup", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMFAVerifyInvalidCode(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{})
	setupAndEnable(t, router)

	rec := doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/verify", `{"code":"000000"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_code", body["error"])
	assert.Equal(t, float64(4), body["attempts_remaining"])
}

func TestMFALockoutAnswers429WithRetryAfter(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{MaxAttempts: 2})
	setupAndEnable(t, router)

	doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/verify", `{"code":"000000"}`)
	rec := doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/verify", `{"code":"000000"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Locked now; even a well-formed request is refused.
	rec = doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/verify", `{"code":"000000"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "account_locked", decodeBody(t, rec)["error"])
}

func TestMFABackupCodeSingleUse(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{})
	_, backupCodes := setupAndEnable(t, router)

	rec := doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/backup-codes/verify", `{"code":"`+backupCodes[0]+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "backup_code", body["method"])
	assert.Equal(t, float64(9), body["backup_codes_remaining"])

	rec = doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/backup-codes/verify", `{"code":"`+backupCodes[0]+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMFADisableRequiresCode(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{})
	setupAndEnable(t, router)

	rec := doJSON(t, router, "DELETE", "/mfa/tenant-1/users/user-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMFADisableWithBackupCode(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{})
	_, backupCodes := setupAndEnable(t, router)

	rec := doJSON(t, router, "DELETE", "/mfa/tenant-1/users/user-1", `{"code":"`+backupCodes[0]+`"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, "GET", "/mfa/tenant-1/users/user-1", "")
	assert.Equal(t, false, decodeBody(t, rec)["enabled"])
}

func TestMFAEnableRejectsSecondEnrollment(t *testing.T) {
	router := newMFATestRouter(t, mfa.EngineConfig{})
	setupAndEnable(t, router)

	rec := doJSON(t, router, "POST", "/mfa/tenant-1/users/user-1/setup", `{"account_name":"pat@example.com"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_enabled", decodeBody(t, rec)["error"])
}
