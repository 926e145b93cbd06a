package sso

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
)

// SAMLAdapter implements SAML 2.0 against one enterprise IdP
type SAMLAdapter struct {
	config *SAMLConfig
	sp     *saml2.SAMLServiceProvider
}

// NewSAMLAdapter builds the service provider from a tenant's SAML
// configuration. The IdP certificate is required; the SP key pair is
// only needed when requests are signed.
func NewSAMLAdapter(config *ProviderConfig) (*SAMLAdapter, error) {
	if config.SAML == nil {
		return nil, fmt.Errorf("saml config is required")
	}
	cfg := config.SAML

	if err := validateSAMLConfig(cfg); err != nil {
		return nil, err
	}

	certStore, err := buildIdPCertStore(cfg.IdPCertificate)
	if err != nil {
		return nil, err
	}

	var keyStore dsig.X509KeyStore
	signRequests := cfg.SignRequests
	if cfg.SPPrivateKey != "" && cfg.SPCertificate != "" {
		keyStore, err = buildSPKeyStore(cfg.SPPrivateKey, cfg.SPCertificate)
		if err != nil {
			return nil, err
		}
	} else {
		signRequests = false
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.IdPSSOURL,
		IdentityProviderSLOURL:      cfg.IdPSLOURL,
		IdentityProviderIssuer:      cfg.IdPEntityID,
		ServiceProviderIssuer:       cfg.SPEntityID,
		AssertionConsumerServiceURL: cfg.ACSURL,
		AudienceURI:                 cfg.SPEntityID,
		SignAuthnRequests:           signRequests,
		IDPCertificateStore:         certStore,
		SPKeyStore:                  keyStore,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	return &SAMLAdapter{config: cfg, sp: sp}, nil
}

func validateSAMLConfig(cfg *SAMLConfig) error {
	if cfg.IdPEntityID == "" {
		return fmt.Errorf("idp_entity_id is required")
	}
	if cfg.IdPSSOURL == "" {
		return fmt.Errorf("idp_sso_url is required")
	}
	if cfg.IdPCertificate == "" {
		return fmt.Errorf("idp_certificate is required")
	}
	if cfg.SPEntityID == "" {
		return fmt.Errorf("sp_entity_id is required")
	}
	if cfg.ACSURL == "" {
		return fmt.Errorf("acs_url is required")
	}
	return nil
}

func buildIdPCertStore(certPEM string) (*dsig.MemoryX509CertificateStore, error) {
	store := &dsig.MemoryX509CertificateStore{}

	// A metadata export may carry several signing certificates.
	rest := []byte(certPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse idp certificate: %w", err)
		}
		store.Roots = append(store.Roots, cert)
	}

	if len(store.Roots) == 0 {
		return nil, fmt.Errorf("idp_certificate holds no PEM certificate")
	}

	return store, nil
}

func buildSPKeyStore(keyPEM, certPEM string) (dsig.X509KeyStore, error) {
	keyBlock, _ := pem.Decode([]byte(keyPEM))
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode sp private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sp private key: %w", err)
		}
		rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("sp private key is not RSA")
		}
		privateKey = rsaKey
	}

	certBlock, _ := pem.Decode([]byte(certPEM))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode sp certificate PEM")
	}

	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{certBlock.Bytes},
	}, nil
}

// Type returns the provider type this adapter serves
func (a *SAMLAdapter) Type() ProviderType {
	return ProviderSAML
}

// LoginURL builds the redirect to the IdP with the state token as
// RelayState.
func (a *SAMLAdapter) LoginURL(relayState string) (string, error) {
	authURL, err := a.sp.BuildAuthURL(relayState)
	if err != nil {
		return "", fmt.Errorf("failed to build auth url: %w", err)
	}
	return authURL, nil
}

// ValidateAssertion checks the base64-encoded SAMLResponse: signature
// against the configured IdP certificate, NotBefore/NotOnOrAfter, and
// audience restriction. Any failure yields ErrAssertionInvalid and no
// attribute is trusted.
func (a *SAMLAdapter) ValidateAssertion(encodedResponse string) (*NormalizedProfile, error) {
	info, err := a.sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	return a.profileFromAssertion(info)
}

// profileFromAssertion enforces the warning flags the library reports
// after signature validation and maps the attributes to a profile.
func (a *SAMLAdapter) profileFromAssertion(info *saml2.AssertionInfo) (*NormalizedProfile, error) {
	if info.WarningInfo != nil {
		if info.WarningInfo.InvalidTime {
			return nil, fmt.Errorf("%w: assertion outside its validity window", ErrAssertionInvalid)
		}
		if info.WarningInfo.NotInAudience {
			return nil, fmt.Errorf("%w: assertion not addressed to this service provider", ErrAssertionInvalid)
		}
	}

	profile := &NormalizedProfile{
		Provider:     ProviderSAML,
		SubjectID:    info.NameID,
		SessionIndex: info.SessionIndex,

		// The IdP asserted this identity; there is no separate
		// verification bit as with OIDC email_verified.
		EmailVerified: true,
	}

	mapping := a.config.AttributeMapping
	if mapping.SubjectID != "" {
		if v := info.Values.Get(mapping.SubjectID); v != "" {
			profile.SubjectID = v
		}
	}

	profile.Email = firstAttribute(info, mapping.Email, "email", "mail", "urn:oid:0.9.2342.19200300.100.1.3")
	profile.Name = firstAttribute(info, mapping.Name, "displayName", "cn", "urn:oid:2.16.840.1.113730.3.1.241")

	if profile.SubjectID == "" {
		return nil, fmt.Errorf("%w: assertion carries no subject", ErrAssertionInvalid)
	}
	if profile.Email == "" {
		// Many IdPs put the address in the NameID.
		return nil, fmt.Errorf("%w: assertion carries no email attribute", ErrAssertionInvalid)
	}

	return profile, nil
}

func firstAttribute(info *saml2.AssertionInfo, names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if v := info.Values.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// Metadata renders the SP metadata XML served to IdP administrators
func (a *SAMLAdapter) Metadata() ([]byte, error) {
	descriptor, err := a.sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to build sp metadata: %w", err)
	}

	out, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sp metadata: %w", err)
	}

	return append([]byte(xml.Header), out...), nil
}

// LogoutURL builds a redirect-binding LogoutRequest for single logout.
// Returns empty when the IdP has no SLO endpoint configured.
func (a *SAMLAdapter) LogoutURL(relayState, nameID, sessionIndex string) (string, error) {
	if a.config.IdPSLOURL == "" {
		return "", nil
	}

	doc, err := a.sp.BuildLogoutRequestDocument(nameID, sessionIndex)
	if err != nil {
		return "", fmt.Errorf("failed to build logout request: %w", err)
	}

	logoutURL, err := a.sp.BuildLogoutURLRedirect(relayState, doc)
	if err != nil {
		return "", fmt.Errorf("failed to build logout url: %w", err)
	}

	return logoutURL, nil
}

// ValidateLogoutResponse checks the IdP's response to a LogoutRequest
func (a *SAMLAdapter) ValidateLogoutResponse(encodedResponse string) error {
	if _, err := a.sp.ValidateEncodedLogoutResponsePOST(encodedResponse); err != nil {
		return fmt.Errorf("%w: logout response rejected: %v", ErrAssertionInvalid, err)
	}
	return nil
}

// Clock access for tests: gosaml2 validates NotBefore/NotOnOrAfter
// against its own clock, which can be pinned.
func (a *SAMLAdapter) setClock(at time.Time) {
	a.sp.Clock = dsig.NewFakeClockAt(at)
}
