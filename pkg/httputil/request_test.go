package httputil

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"code":"123456"}`))

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, ParseJSON(r, &body))
	assert.Equal(t, "123456", body.Code)
}

func TestParseJSONInvalid(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader("not json"))

	var body map[string]string
	err := ParseJSON(r, &body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	assert.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestRequestIDMiddlewarePropagates(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()

	var seen string
	handler := RequestIDMiddleware(testLogger())(testHandler(&seen))
	handler.ServeHTTP(rec, r)

	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-1", seen)
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	var seen string
	handler := RequestIDMiddleware(testLogger())(testHandler(&seen))
	handler.ServeHTTP(rec, r)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, rec.Header().Get("X-Request-ID"), seen)
}
