package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuscrm/identity/pkg/audit"
)

func newAuditTestRouter(t *testing.T) (*mux.Router, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS auth_audit_log").
		WillReturnResult(sqlmock.NewResult(0, 0))

	logger, err := audit.NewDBLogger(db)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewAuditHandlers(logger).RegisterRoutes(router)
	return router, mock
}

func auditEventRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "timestamp", "event_type", "status",
		"tenant_id", "user_id", "provider", "method",
		"ip_address", "request_id", "message", "metadata",
	})
}

func TestAuditSearch(t *testing.T) {
	router, mock := newAuditTestRouter(t)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM auth_audit_log").
		WillReturnRows(auditEventRows().
			AddRow(int64(1), now, "mfa.verify", "success", "tenant-1", "user-1", "", "totp", "10.0.0.1", "req-1", "second factor verified", []byte(`{}`)))

	rec := doJSON(t, router, "GET", "/audit/tenant-1/events?event_type=mfa.verify&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []map[string]interface{} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "mfa.verify", body.Events[0]["event_type"])
}

func TestAuditSearchRejectsBadTimestamp(t *testing.T) {
	router, _ := newAuditTestRouter(t)

	rec := doJSON(t, router, "GET", "/audit/tenant-1/events?start=yesterday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody(t, rec)["error"])
}

func TestAuditSearchRejectsBadLimit(t *testing.T) {
	router, _ := newAuditTestRouter(t)

	rec := doJSON(t, router, "GET", "/audit/tenant-1/events?limit=-5", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
