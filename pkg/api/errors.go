package api

import (
	"errors"
	"net/http"

	"github.com/nimbuscrm/identity/pkg/httputil"
	"github.com/nimbuscrm/identity/pkg/mfa"
	"github.com/nimbuscrm/identity/pkg/observability"
	"github.com/nimbuscrm/identity/pkg/sso"
)

// writeDomainError maps a domain error to its response. Anything
// unrecognized is logged and answered with a generic 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *mfa.AccountLockedError
	if errors.As(err, &locked) {
		httputil.WriteLocked(w, "account_locked", "too many failed attempts", locked.Until)
		return
	}

	var invalidCode *mfa.InvalidCodeError
	if errors.As(err, &invalidCode) {
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":              "invalid_code",
			"message":            "verification code rejected",
			"attempts_remaining": invalidCode.AttemptsRemaining,
		})
		return
	}

	switch {
	case errors.Is(err, mfa.ErrAccountLocked):
		httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "account_locked", "too many failed attempts")
	case errors.Is(err, mfa.ErrInvalidCode):
		httputil.WriteUnauthorized(w, "invalid_code", "verification code rejected")
	case errors.Is(err, mfa.ErrNotEnrolled), errors.Is(err, mfa.ErrNotEnabled):
		httputil.WriteNotFound(w, "not_enrolled", "no active second factor")
	case errors.Is(err, mfa.ErrAlreadyEnabled):
		httputil.WriteConflict(w, "already_enabled", "a second factor is already active")
	case errors.Is(err, mfa.ErrCodeExhausted):
		httputil.WriteUnauthorized(w, "codes_exhausted", "no backup codes remain")
	case errors.Is(err, mfa.ErrUnauthorized):
		httputil.WriteUnauthorized(w, "unauthorized", "a valid code is required")

	case errors.Is(err, sso.ErrProviderNotConfigured):
		httputil.WriteNotFound(w, "provider_not_configured", "provider is not configured for this tenant")
	case errors.Is(err, sso.ErrInvalidState):
		httputil.WriteBadRequest(w, "invalid_state", "state token is missing, expired, or already used")
	case errors.Is(err, sso.ErrInvalidGrant):
		httputil.WriteBadRequest(w, "invalid_grant", "authorization code rejected by the provider")
	case errors.Is(err, sso.ErrAssertionInvalid):
		httputil.WriteBadRequest(w, "assertion_invalid", "assertion rejected")
	case errors.Is(err, sso.ErrRefreshTokenInvalid):
		httputil.WriteUnauthorized(w, "refresh_token_invalid", "refresh token rejected by the provider")
	case errors.Is(err, sso.ErrProviderUnreachable):
		httputil.WriteBadGateway(w, "provider_unreachable", "identity provider did not respond")
	case errors.Is(err, sso.ErrProfileFetchFailed):
		httputil.WriteBadGateway(w, "profile_fetch_failed", "identity provider returned an unusable profile")
	case errors.Is(err, sso.ErrAlreadyLinked):
		httputil.WriteConflict(w, "already_linked", "identity is linked to a different user")
	case errors.Is(err, sso.ErrNotLinked):
		httputil.WriteNotFound(w, "not_linked", "no such linked identity")

	default:
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
		httputil.WriteInternalError(w)
	}
}
