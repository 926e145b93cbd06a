package sso

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultIdPTimeout bounds every round trip to an identity provider
const DefaultIdPTimeout = 8 * time.Second

// OIDCAdapter implements the authorization-code + PKCE flow with ID
// token verification for Google and Microsoft.
type OIDCAdapter struct {
	providerType ProviderType
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	httpClient   *http.Client
}

// NewOIDCAdapter discovers the issuer and builds the adapter. The
// discovery document is fetched over the network, so constructed
// adapters are cached by the orchestrator.
func NewOIDCAdapter(ctx context.Context, config *ProviderConfig, timeout time.Duration) (*OIDCAdapter, error) {
	if config.OIDC == nil {
		return nil, fmt.Errorf("oidc config is required")
	}
	if err := validateOIDCConfig(config.OIDC); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultIdPTimeout
	}

	httpClient := &http.Client{Timeout: timeout}
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, config.OIDC.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: issuer discovery: %v", ErrProviderUnreachable, err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        config.OIDC.ClientID,
		SkipIssuerCheck: config.OIDC.SkipIssuerCheck,
	})

	oauth2Config := &oauth2.Config{
		ClientID:     config.OIDC.ClientID,
		ClientSecret: config.OIDC.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  config.OIDC.RedirectURL,
		Scopes:       config.OIDC.Scopes,
	}

	return &OIDCAdapter{
		providerType: config.Type,
		provider:     provider,
		verifier:     verifier,
		oauth2Config: oauth2Config,
		httpClient:   httpClient,
	}, nil
}

func validateOIDCConfig(cfg *OIDCConfig) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if cfg.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if cfg.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}

	hasOpenID := false
	for _, scope := range cfg.Scopes {
		if scope == oidc.ScopeOpenID {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("'openid' scope is required")
	}

	return nil
}

// Type returns the provider type this adapter serves
func (a *OIDCAdapter) Type() ProviderType {
	return a.providerType
}

// AuthCodeURL builds the authorization URL carrying the state token
// and the S256 PKCE challenge.
func (a *OIDCAdapter) AuthCodeURL(state, challenge string) string {
	return a.oauth2Config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems the authorization code with the PKCE verifier,
// verifies the ID token and maps its claims to a profile. No claim is
// trusted before the signature, issuer, audience and expiry check.
func (a *OIDCAdapter) Exchange(ctx context.Context, code, verifier string) (*TokenSet, *NormalizedProfile, error) {
	ctx = oidc.ClientContext(ctx, a.httpClient)

	token, err := a.oauth2Config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		return nil, nil, classifyTokenErr(err, ErrInvalidGrant)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, nil, fmt.Errorf("%w: token response carries no id_token", ErrInvalidGrant)
	}

	// A bad signature, issuer, audience or expiry is a protocol
	// violation, never a transient failure. The flow must restart.
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: id token rejected: %v", ErrInvalidGrant, err)
	}

	profile, err := a.profileFromClaims(idToken)
	if err != nil {
		return nil, nil, err
	}

	tokenSet := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		Expiry:       token.Expiry,
	}

	return tokenSet, profile, nil
}

func (a *OIDCAdapter) profileFromClaims(idToken *oidc.IDToken) (*NormalizedProfile, error) {
	var claims struct {
		Email             string `json:"email"`
		EmailVerified     bool   `json:"email_verified"`
		Name              string `json:"name"`
		Picture           string `json:"picture"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrProfileFetchFailed, err)
	}

	email := claims.Email
	if email == "" && strings.Contains(claims.PreferredUsername, "@") {
		// Microsoft work accounts carry the address in
		// preferred_username rather than email.
		email = claims.PreferredUsername
	}

	if idToken.Subject == "" {
		return nil, fmt.Errorf("%w: id token carries no subject", ErrProfileFetchFailed)
	}
	if email == "" {
		return nil, fmt.Errorf("%w: id token carries no email", ErrProfileFetchFailed)
	}

	return &NormalizedProfile{
		Provider:      a.providerType,
		SubjectID:     idToken.Subject,
		Email:         email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, nil
}

// FetchProfile queries the userinfo endpoint with an access token
func (a *OIDCAdapter) FetchProfile(ctx context.Context, tokens *TokenSet) (*NormalizedProfile, error) {
	ctx = oidc.ClientContext(ctx, a.httpClient)

	userInfo, err := a.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tokens.AccessToken,
	}))
	if err != nil {
		if transportFailure(err) {
			return nil, fmt.Errorf("%w: userinfo: %v", ErrProviderUnreachable, err)
		}
		return nil, fmt.Errorf("%w: userinfo: %v", ErrProfileFetchFailed, err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := userInfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse userinfo claims: %v", ErrProfileFetchFailed, err)
	}

	email := claims.Email
	if email == "" {
		email = userInfo.Email
	}
	if userInfo.Subject == "" || email == "" {
		return nil, fmt.Errorf("%w: userinfo response incomplete", ErrProfileFetchFailed)
	}

	return &NormalizedProfile{
		Provider:      a.providerType,
		SubjectID:     userInfo.Subject,
		Email:         email,
		EmailVerified: claims.EmailVerified || userInfo.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, nil
}

// Refresh obtains a fresh token set from a refresh token
func (a *OIDCAdapter) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx = oidc.ClientContext(ctx, a.httpClient)

	source := a.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyTokenErr(err, ErrRefreshTokenInvalid)
	}

	refreshed := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if refreshed.RefreshToken == "" {
		// Providers that do not rotate keep the old token valid.
		refreshed.RefreshToken = refreshToken
	}
	if raw, ok := token.Extra("id_token").(string); ok {
		refreshed.IDToken = raw
	}

	return refreshed, nil
}

// classifyTokenErr maps a token-endpoint failure onto the error
// taxonomy. invalidGrantErr is what an invalid_grant response means in
// the caller's flow: a rejected code on exchange, a revoked token on
// refresh.
func classifyTokenErr(err error, invalidGrantErr error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %s", invalidGrantErr, retrieve.ErrorDescription)
		}
		return fmt.Errorf("sso: token endpoint refused the request (%s): %w", retrieve.ErrorCode, err)
	}

	if transportFailure(err) {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	return fmt.Errorf("sso: token exchange failed: %w", err)
}

func transportFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
