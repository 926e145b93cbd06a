package sso

// Preset issuers for the supported OAuth2 providers
const (
	GoogleIssuerURL = "https://accounts.google.com"

	// Microsoft's multi-tenant v2 endpoint. The discovery document
	// carries a templated issuer, so SkipIssuerCheck is forced on.
	MicrosoftIssuerURL = "https://login.microsoftonline.com/common/v2.0"
)

// ApplyPreset fills provider-specific defaults into an OIDC config so
// operators only supply client credentials and the redirect URL.
func ApplyPreset(config *ProviderConfig) {
	if config.OIDC == nil {
		return
	}

	switch config.Type {
	case ProviderGoogle:
		if config.OIDC.IssuerURL == "" {
			config.OIDC.IssuerURL = GoogleIssuerURL
		}
		if len(config.OIDC.Scopes) == 0 {
			config.OIDC.Scopes = []string{"openid", "profile", "email"}
		}

	case ProviderMicrosoft:
		if config.OIDC.IssuerURL == "" {
			config.OIDC.IssuerURL = MicrosoftIssuerURL
		}
		if config.OIDC.IssuerURL == MicrosoftIssuerURL {
			config.OIDC.SkipIssuerCheck = true
		}
		if len(config.OIDC.Scopes) == 0 {
			config.OIDC.Scopes = []string{"openid", "profile", "email", "offline_access"}
		}
	}
}
