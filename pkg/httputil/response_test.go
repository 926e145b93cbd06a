package httputil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorMessage(rec, 400, "invalid_request", "state is required")

	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request", body.Error)
	assert.Equal(t, "state is required", body.Message)
}

func TestWriteLockedSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteLocked(rec, "account_locked", "too many attempts", time.Now().Add(90*time.Second))

	assert.Equal(t, 429, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestWriteLockedPastDeadline(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteLocked(rec, "account_locked", "too many attempts", time.Now().Add(-time.Minute))

	assert.Equal(t, 429, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestWriteInternalErrorHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternalError(rec)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Error)
	assert.Equal(t, "internal server error", body.Message)
}
