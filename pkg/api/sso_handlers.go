package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nimbuscrm/identity/pkg/httputil"
	"github.com/nimbuscrm/identity/pkg/observability"
	"github.com/nimbuscrm/identity/pkg/sso"
)

// SSOHandlers handles federated login HTTP requests
type SSOHandlers struct {
	orchestrator *sso.Orchestrator
}

// NewSSOHandlers creates a new SSO handlers instance
func NewSSOHandlers(orchestrator *sso.Orchestrator) *SSOHandlers {
	return &SSOHandlers{orchestrator: orchestrator}
}

// RegisterRoutes registers federated login routes
func (h *SSOHandlers) RegisterRoutes(router *mux.Router) {
	// Login flow
	router.HandleFunc("/sso/{tenant_id}/{provider}/login", h.initiate).Methods("POST")
	router.HandleFunc("/sso/{tenant_id}/{provider}/callback", h.callback).Methods("GET", "POST")

	// SAML SP metadata for IdP administrators
	router.HandleFunc("/sso/{tenant_id}/saml/metadata", h.samlMetadata).Methods("GET")

	// Identity links
	router.HandleFunc("/sso/{tenant_id}/users/{user_id}/links", h.link).Methods("POST")
	router.HandleFunc("/sso/{tenant_id}/users/{user_id}/links", h.listLinks).Methods("GET")
	router.HandleFunc("/sso/{tenant_id}/users/{user_id}/links/{provider}", h.unlink).Methods("DELETE")
	router.HandleFunc("/sso/{tenant_id}/users/{user_id}/links/{provider}/refresh", h.refresh).Methods("POST")
}

func providerFromPath(w http.ResponseWriter, r *http.Request) (sso.ProviderType, bool) {
	raw, ok := httputil.ParsePathStringOrError(w, r, "provider")
	if !ok {
		return "", false
	}

	provider := sso.ProviderType(raw)
	if !provider.Valid() {
		httputil.WriteBadRequest(w, "invalid_request", "unknown provider: "+raw)
		return "", false
	}
	return provider, true
}

// initiate handles POST /sso/{tenant_id}/{provider}/login
func (h *SSOHandlers) initiate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}
	provider, ok := providerFromPath(w, r)
	if !ok {
		return
	}

	ctx := observability.WithTenantID(r.Context(), tenantID)
	start, err := h.orchestrator.Initiate(ctx, tenantID, provider)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, start)
}

// callback handles GET and POST /sso/{tenant_id}/{provider}/callback.
// OAuth providers redirect with query parameters; SAML IdPs post a
// form.
func (h *SSOHandlers) callback(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}
	provider, ok := providerFromPath(w, r)
	if !ok {
		return
	}

	input := sso.CallbackInput{
		TenantID: tenantID,
		State:    httputil.ParseQueryString(r, "state", ""),
		Code:     httputil.ParseQueryString(r, "code", ""),
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			httputil.WriteBadRequest(w, "invalid_request", "malformed form body")
			return
		}
		input.SAMLResponse = r.PostFormValue("SAMLResponse")
		input.RelayState = r.PostFormValue("RelayState")
	}

	ctx := observability.WithTenantID(r.Context(), tenantID)
	result, err := h.orchestrator.Callback(ctx, provider, input)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

// samlMetadata handles GET /sso/{tenant_id}/saml/metadata
func (h *SSOHandlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}

	metadata, err := h.orchestrator.Metadata(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(metadata)
}

// link handles POST /sso/{tenant_id}/users/{user_id}/links. The body
// carries the profile from a completed callback.
func (h *SSOHandlers) link(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}

	var req struct {
		Provider     string `json:"provider"`
		SubjectID    string `json:"subject_id"`
		Email        string `json:"email"`
		RefreshToken string `json:"refresh_token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	provider := sso.ProviderType(req.Provider)
	if !provider.Valid() {
		httputil.WriteBadRequest(w, "invalid_request", "unknown provider: "+req.Provider)
		return
	}
	if !httputil.RequireNonEmpty(w, req.SubjectID, "subject_id") {
		return
	}

	profile := &sso.NormalizedProfile{
		Provider:  provider,
		SubjectID: req.SubjectID,
		Email:     req.Email,
	}
	var tokens *sso.TokenSet
	if req.RefreshToken != "" {
		tokens = &sso.TokenSet{RefreshToken: req.RefreshToken}
	}

	ctx := observability.WithTenantID(observability.WithUserID(r.Context(), userID), tenantID)
	linked, err := h.orchestrator.Link(ctx, tenantID, userID, profile, tokens)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteCreated(w, linked)
}

// listLinks handles GET /sso/{tenant_id}/users/{user_id}/links
func (h *SSOHandlers) listLinks(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}

	links, err := h.orchestrator.Links(r.Context(), tenantID, userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"links": links})
}

// unlink handles DELETE /sso/{tenant_id}/users/{user_id}/links/{provider}
func (h *SSOHandlers) unlink(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}
	provider, ok := providerFromPath(w, r)
	if !ok {
		return
	}

	ctx := observability.WithTenantID(observability.WithUserID(r.Context(), userID), tenantID)
	if err := h.orchestrator.Unlink(ctx, tenantID, userID, provider); err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteNoContent(w)
}

// refresh handles POST /sso/{tenant_id}/users/{user_id}/links/{provider}/refresh
func (h *SSOHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant_id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}
	provider, ok := providerFromPath(w, r)
	if !ok {
		return
	}

	ctx := observability.WithTenantID(observability.WithUserID(r.Context(), userID), tenantID)
	tokens, err := h.orchestrator.Refresh(ctx, tenantID, userID, provider)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, tokens)
}
