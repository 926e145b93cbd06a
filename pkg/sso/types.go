package sso

import (
	"errors"
	"time"
)

// ProviderType identifies the federation protocol and vendor
type ProviderType string

const (
	ProviderGoogle    ProviderType = "google"
	ProviderMicrosoft ProviderType = "microsoft"
	ProviderSAML      ProviderType = "saml"
)

// Valid reports whether t is a known provider type
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderGoogle, ProviderMicrosoft, ProviderSAML:
		return true
	}
	return false
}

var (
	// ErrProviderNotConfigured indicates the tenant has no enabled
	// configuration for the requested provider type.
	ErrProviderNotConfigured = errors.New("sso: provider not configured")

	// ErrInvalidState indicates the callback state token was missing,
	// expired, already consumed or never issued.
	ErrInvalidState = errors.New("sso: invalid state token")

	// ErrInvalidGrant indicates the IdP rejected the authorization
	// code. Not retryable; the flow must restart.
	ErrInvalidGrant = errors.New("sso: authorization code rejected")

	// ErrRefreshTokenInvalid indicates the IdP rejected a refresh
	// token, usually because access was revoked.
	ErrRefreshTokenInvalid = errors.New("sso: refresh token rejected")

	// ErrAssertionInvalid indicates a SAML assertion failed signature,
	// time window or audience validation. No attribute is trusted.
	ErrAssertionInvalid = errors.New("sso: saml assertion invalid")

	// ErrProviderUnreachable indicates an IdP round trip timed out or
	// failed at the transport layer. Retryable by the caller.
	ErrProviderUnreachable = errors.New("sso: identity provider unreachable")

	// ErrProfileFetchFailed indicates the IdP accepted the tokens but
	// the profile could not be obtained or lacked required fields.
	ErrProfileFetchFailed = errors.New("sso: profile fetch failed")

	// ErrAlreadyLinked indicates the external identity is linked to a
	// different local account.
	ErrAlreadyLinked = errors.New("sso: identity already linked")

	// ErrNotLinked indicates an unlink for an identity that is not
	// linked to the account.
	ErrNotLinked = errors.New("sso: identity not linked")
)

// ProviderConfig is the tenant-scoped configuration of one identity
// provider. Secret material (client secret, SP private key) is stored
// encrypted and decrypted only when an adapter is constructed.
type ProviderConfig struct {
	ID       int64        `json:"id"`
	TenantID string       `json:"tenant_id"`
	Type     ProviderType `json:"type"`
	Enabled  bool         `json:"enabled"`

	OIDC *OIDCConfig `json:"oidc,omitempty"`
	SAML *SAMLConfig `json:"saml,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OIDCConfig configures an OAuth2/OIDC provider (Google, Microsoft)
type OIDCConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // never serialized
	IssuerURL    string   `json:"issuer_url"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`

	// SkipIssuerCheck is needed for Microsoft multi-tenant issuers,
	// whose discovery document carries a templated issuer value.
	SkipIssuerCheck bool `json:"skip_issuer_check,omitempty"`
}

// SAMLConfig configures a SAML 2.0 enterprise IdP
type SAMLConfig struct {
	IdPEntityID    string `json:"idp_entity_id"`
	IdPSSOURL      string `json:"idp_sso_url"`
	IdPSLOURL      string `json:"idp_slo_url,omitempty"`
	IdPCertificate string `json:"idp_certificate"` // PEM

	SPEntityID    string `json:"sp_entity_id"`
	ACSURL        string `json:"acs_url"`
	SPCertificate string `json:"sp_certificate,omitempty"` // PEM
	SPPrivateKey  string `json:"-"`                        // never serialized

	SignRequests bool   `json:"sign_requests"`
	NameIDFormat string `json:"name_id_format,omitempty"`

	AttributeMapping AttributeMap `json:"attribute_mapping"`
}

// AttributeMap names the assertion attributes carrying each profile
// field. Zero values fall back to standard claim names.
type AttributeMap struct {
	SubjectID string `json:"subject_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
}

// NormalizedProfile is the provider-independent identity produced by a
// successful callback.
type NormalizedProfile struct {
	Provider      ProviderType `json:"provider"`
	SubjectID     string       `json:"subject_id"`
	Email         string       `json:"email"`
	EmailVerified bool         `json:"email_verified"`
	Name          string       `json:"name,omitempty"`
	Picture       string       `json:"picture,omitempty"`

	// SessionIndex is set for SAML logins and needed for single logout
	SessionIndex string `json:"session_index,omitempty"`
}

// TokenSet carries the IdP tokens obtained during a callback. The
// refresh token is persisted encrypted; the rest is handed to the
// caller and never stored.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// LinkedIdentity ties an external subject to a local user
type LinkedIdentity struct {
	ID                    int64        `json:"id"`
	TenantID              string       `json:"tenant_id"`
	UserID                string       `json:"user_id"`
	Provider              ProviderType `json:"provider"`
	SubjectID             string       `json:"subject_id"`
	Email                 string       `json:"email"`
	EncryptedRefreshToken string       `json:"-"`
	LinkedAt              time.Time    `json:"linked_at"`
	LastLoginAt           *time.Time   `json:"last_login_at,omitempty"`
}

// LoginStart is returned by Initiate: the URL to send the browser to
// and the state token that will come back on the callback.
type LoginStart struct {
	RedirectURL string `json:"redirect_url"`
	State       string `json:"state"`
}

// CallbackInput carries the parameters a provider posts back
type CallbackInput struct {
	// TenantID is the tenant the callback endpoint was addressed to.
	// When set, it must match the tenant the state was issued for.
	TenantID string

	// State and Code for OAuth2/OIDC callbacks
	State string
	Code  string

	// SAMLResponse (base64) and RelayState for SAML callbacks
	SAMLResponse string
	RelayState   string
}

// CallbackResult is the outcome of a successful callback
type CallbackResult struct {
	Profile  *NormalizedProfile `json:"profile"`
	Tokens   *TokenSet          `json:"tokens,omitempty"`
	TenantID string             `json:"tenant_id"`
}
