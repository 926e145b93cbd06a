package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuscrm/identity/pkg/audit"
	"github.com/nimbuscrm/identity/pkg/mfa"
	"github.com/nimbuscrm/identity/pkg/observability"
	"github.com/nimbuscrm/identity/pkg/secrets"
	"github.com/nimbuscrm/identity/pkg/sso"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS provider_configs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	box, err := secrets.New(testMasterKey)
	require.NoError(t, err)

	storage, err := sso.NewStorage(db, box)
	require.NoError(t, err)

	orchestrator, err := sso.NewOrchestrator(storage, newFakeStateStore(), audit.NopLogger{}, nil, sso.OrchestratorConfig{})
	require.NoError(t, err)

	engine, err := mfa.NewEngine(newFakeMFAStore(), box, audit.NopLogger{}, nil, mfa.EngineConfig{})
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewServer(orchestrator, engine, nil, logger, nil)
}

func TestServerHealth(t *testing.T) {
	server := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerUnknownRoute(t *testing.T) {
	server := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
