package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nimbuscrm/identity/pkg/httputil"
	"github.com/nimbuscrm/identity/pkg/mfa"
	"github.com/nimbuscrm/identity/pkg/observability"
)

// MFAHandlers handles second-factor HTTP requests
type MFAHandlers struct {
	engine *mfa.Engine
}

// NewMFAHandlers creates a new MFA handlers instance
func NewMFAHandlers(engine *mfa.Engine) *MFAHandlers {
	return &MFAHandlers{engine: engine}
}

// RegisterRoutes registers second-factor routes
func (h *MFAHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/mfa/{tenant_id}/users/{user_id}", h.status).Methods("GET")
	router.HandleFunc("/mfa/{tenant_id}/users/{user_id}", h.disable).Methods("DELETE")
	router.HandleFunc("/mfa/{tenant_id}/users/{user_id}/setup", h.setup).Methods("POST")
	router.HandleFunc("/mfa/{tenant_id}/users/{user_id}/enable", h.enable).Methods("POST")
	router.HandleFunc("/mfa/{tenant_id}/users/{user_id}/verify", h.verify).Methods("POST")
	router.HandleFunc("/mfa/{tenant_id}/users/{user_id}/backup-codes/verify", h.verifyBackupCode).Methods("POST")
}

func (h *MFAHandlers) subject(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return "", "", false
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return "", "", false
	}
	return tenantID, userID, true
}

func mfaContext(r *http.Request, tenantID, userID string) *http.Request {
	ctx := observability.WithTenantID(observability.WithUserID(r.Context(), userID), tenantID)
	return r.WithContext(ctx)
}

// status handles GET /mfa/{tenant_id}/users/{user_id}
func (h *MFAHandlers) status(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.subject(w, r)
	if !ok {
		return
	}

	status, err := h.engine.Status(r.Context(), tenantID, userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, status)
}

// setup handles POST /mfa/{tenant_id}/users/{user_id}/setup. The
// response carries the provisioning secret exactly once; it is never
// retrievable again.
func (h *MFAHandlers) setup(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.subject(w, r)
	if !ok {
		return
	}

	var req struct {
		AccountName string `json:"account_name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.AccountName, "account_name") {
		return
	}

	r = mfaContext(r, tenantID, userID)
	enrollment, err := h.engine.Setup(r.Context(), tenantID, userID, req.AccountName)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteCreated(w, enrollment)
}

// enable handles POST /mfa/{tenant_id}/users/{user_id}/enable. The
// first valid code activates the factor; the response carries the
// plaintext backup codes exactly once.
func (h *MFAHandlers) enable(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.subject(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}

	r = mfaContext(r, tenantID, userID)
	backupCodes, err := h.engine.Enable(r.Context(), tenantID, userID, req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"backup_codes": backupCodes})
}

// verify handles POST /mfa/{tenant_id}/users/{user_id}/verify
func (h *MFAHandlers) verify(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.subject(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}

	r = mfaContext(r, tenantID, userID)
	result, err := h.engine.Verify(r.Context(), tenantID, userID, req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

// verifyBackupCode handles POST /mfa/{tenant_id}/users/{user_id}/backup-codes/verify
func (h *MFAHandlers) verifyBackupCode(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.subject(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}

	r = mfaContext(r, tenantID, userID)
	result, err := h.engine.VerifyBackupCode(r.Context(), tenantID, userID, req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

// disable handles DELETE /mfa/{tenant_id}/users/{user_id}. An enabled
// factor requires a current code in the body; a pending one does not.
func (h *MFAHandlers) disable(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := h.subject(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	r = mfaContext(r, tenantID, userID)
	if err := h.engine.Disable(r.Context(), tenantID, userID, req.Code); err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteNoContent(w)
}
