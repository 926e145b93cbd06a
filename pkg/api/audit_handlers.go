package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nimbuscrm/identity/pkg/audit"
	"github.com/nimbuscrm/identity/pkg/httputil"
)

// AuditHandlers exposes the audit trail for compliance review
type AuditHandlers struct {
	logger *audit.DBLogger
}

// NewAuditHandlers creates a new audit handlers instance
func NewAuditHandlers(logger *audit.DBLogger) *AuditHandlers {
	return &AuditHandlers{logger: logger}
}

// RegisterRoutes registers audit routes
func (h *AuditHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/{tenant_id}/events", h.search).Methods("GET")
}

// search handles GET /audit/{tenant_id}/events
func (h *AuditHandlers) search(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}

	filter := audit.SearchFilter{
		TenantID: tenantID,
		UserID:   httputil.ParseQueryString(r, "user_id", ""),
		Provider: httputil.ParseQueryString(r, "provider", ""),
	}

	if raw := httputil.ParseQueryString(r, "event_type", ""); raw != "" {
		filter.EventTypes = []audit.EventType{audit.EventType(raw)}
	}
	if raw := httputil.ParseQueryString(r, "status", ""); raw != "" {
		status := audit.EventStatus(raw)
		filter.Status = &status
	}
	if raw := httputil.ParseQueryString(r, "start", ""); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid_request", "start must be RFC 3339")
			return
		}
		filter.StartTime = &start
	}
	if raw := httputil.ParseQueryString(r, "end", ""); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid_request", "end must be RFC 3339")
			return
		}
		filter.EndTime = &end
	}
	if raw := httputil.ParseQueryString(r, "limit", ""); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httputil.WriteBadRequest(w, "invalid_request", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if raw := httputil.ParseQueryString(r, "offset", ""); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			httputil.WriteBadRequest(w, "invalid_request", "offset must not be negative")
			return
		}
		filter.Offset = offset
	}

	events, err := h.logger.Search(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}
