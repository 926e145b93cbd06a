package sso

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nimbuscrm/identity/pkg/audit"
	"github.com/nimbuscrm/identity/pkg/authstate"
	"github.com/nimbuscrm/identity/pkg/observability"
)

const (
	adapterCacheSize = 128
	adapterCacheTTL  = 10 * time.Minute
)

// adapterEntry holds whichever adapter kind a provider config builds
type adapterEntry struct {
	oidc *OIDCAdapter
	saml *SAMLAdapter
}

// Orchestrator drives the federated login flows. It owns the pending
// state so a callback consumes its token exactly once, and it writes
// the audit record before any outcome is returned to the caller.
type Orchestrator struct {
	storage *Storage
	states  authstate.Store
	auditor audit.Logger
	metrics *observability.Metrics

	// OIDC discovery is a network round trip, so constructed adapters
	// are cached by config fingerprint and expire with the TTL.
	adapters *expirable.LRU[string, *adapterEntry]

	idpTimeout time.Duration
	stateTTL   time.Duration
	now        func() time.Time
}

// OrchestratorConfig tunes the orchestrator. Zero values fall back to
// the package defaults.
type OrchestratorConfig struct {
	IdPTimeout time.Duration
	StateTTL   time.Duration
}

// NewOrchestrator creates an Orchestrator. auditor and metrics may be
// nil.
func NewOrchestrator(storage *Storage, states authstate.Store, auditor audit.Logger, metrics *observability.Metrics, config OrchestratorConfig) (*Orchestrator, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if states == nil {
		return nil, fmt.Errorf("state store is required")
	}

	if config.IdPTimeout <= 0 {
		config.IdPTimeout = DefaultIdPTimeout
	}
	if config.StateTTL <= 0 {
		config.StateTTL = authstate.DefaultTTL
	}

	return &Orchestrator{
		storage:    storage,
		states:     states,
		auditor:    auditor,
		metrics:    metrics,
		adapters:   expirable.NewLRU[string, *adapterEntry](adapterCacheSize, nil, adapterCacheTTL),
		idpTimeout: config.IdPTimeout,
		stateTTL:   config.StateTTL,
		now:        time.Now,
	}, nil
}

func (o *Orchestrator) adapterFor(ctx context.Context, config *ProviderConfig) (*adapterEntry, error) {
	key := fmt.Sprintf("%s/%s/%d/%d", config.TenantID, config.Type, config.ID, config.UpdatedAt.UnixNano())
	if entry, ok := o.adapters.Get(key); ok {
		return entry, nil
	}

	entry := &adapterEntry{}
	switch config.Type {
	case ProviderGoogle, ProviderMicrosoft:
		ApplyPreset(config)
		adapter, err := NewOIDCAdapter(ctx, config, o.idpTimeout)
		if err != nil {
			return nil, err
		}
		entry.oidc = adapter

	case ProviderSAML:
		adapter, err := NewSAMLAdapter(config)
		if err != nil {
			return nil, err
		}
		entry.saml = adapter

	default:
		return nil, fmt.Errorf("unknown provider type %q", config.Type)
	}

	o.adapters.Add(key, entry)
	return entry, nil
}

// Initiate starts a login flow: it issues the single-use state token,
// saves the pending state with its PKCE verifier, and returns the URL
// to redirect the browser to.
func (o *Orchestrator) Initiate(ctx context.Context, tenantID string, providerType ProviderType) (*LoginStart, error) {
	config, err := o.storage.GetProvider(ctx, tenantID, providerType)
	if err != nil {
		return nil, err
	}

	entry, err := o.adapterFor(ctx, config)
	if err != nil {
		return nil, err
	}

	token, err := authstate.NewToken()
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	state := &authstate.PendingState{
		Token:     token,
		TenantID:  tenantID,
		Provider:  string(providerType),
		CreatedAt: now,
		ExpiresAt: now.Add(o.stateTTL),
	}

	var redirectURL string
	switch {
	case entry.oidc != nil:
		pkce, err := authstate.GeneratePKCE()
		if err != nil {
			return nil, err
		}
		state.CodeVerifier = pkce.Verifier
		redirectURL = entry.oidc.AuthCodeURL(token, pkce.Challenge)

	case entry.saml != nil:
		state.RelayState = token
		redirectURL, err = entry.saml.LoginURL(token)
		if err != nil {
			return nil, err
		}
	}

	if err := o.states.Save(ctx, state); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.LoginInitiationsTotal.WithLabelValues(string(providerType)).Inc()
		o.metrics.StateTokensIssuedTotal.Inc()
	}

	return &LoginStart{RedirectURL: redirectURL, State: token}, nil
}

// Callback completes a login flow. The state token is consumed exactly
// once before anything else happens; whatever the outcome, a replayed
// token can never reach the IdP exchange. The audit record is written
// before the result is returned.
func (o *Orchestrator) Callback(ctx context.Context, providerType ProviderType, input CallbackInput) (*CallbackResult, error) {
	stateToken := input.State
	if stateToken == "" {
		stateToken = input.RelayState
	}
	if stateToken == "" {
		return nil, o.failLogin(ctx, "", providerType, fmt.Errorf("%w: callback carries no state", ErrInvalidState))
	}

	state, err := o.states.Consume(ctx, stateToken)
	if err != nil {
		o.countConsume(err)
		return nil, o.failLogin(ctx, "", providerType, fmt.Errorf("%w: %v", ErrInvalidState, err))
	}
	o.countConsume(nil)

	if state.Provider != string(providerType) {
		return nil, o.failLogin(ctx, state.TenantID, providerType, fmt.Errorf("%w: state was issued for provider %s", ErrInvalidState, state.Provider))
	}
	if input.TenantID != "" && state.TenantID != input.TenantID {
		return nil, o.failLogin(ctx, state.TenantID, providerType, fmt.Errorf("%w: state was issued for another tenant", ErrInvalidState))
	}

	config, err := o.storage.GetProvider(ctx, state.TenantID, providerType)
	if err != nil {
		return nil, o.failLogin(ctx, state.TenantID, providerType, err)
	}

	entry, err := o.adapterFor(ctx, config)
	if err != nil {
		return nil, o.failLogin(ctx, state.TenantID, providerType, err)
	}

	var profile *NormalizedProfile
	var tokens *TokenSet

	started := o.now()
	switch {
	case entry.oidc != nil:
		if input.Code == "" {
			return nil, o.failLogin(ctx, state.TenantID, providerType, fmt.Errorf("%w: callback carries no code", ErrInvalidGrant))
		}
		tokens, profile, err = entry.oidc.Exchange(ctx, input.Code, state.CodeVerifier)

	case entry.saml != nil:
		if input.SAMLResponse == "" {
			err = fmt.Errorf("%w: callback carries no SAMLResponse", ErrAssertionInvalid)
		} else {
			profile, err = entry.saml.ValidateAssertion(input.SAMLResponse)
		}
	}
	if o.metrics != nil {
		o.metrics.IdPRequestDuration.WithLabelValues(string(providerType), "callback").Observe(o.now().Sub(started).Seconds())
	}

	if err != nil {
		return nil, o.failLogin(ctx, state.TenantID, providerType, err)
	}

	// A linked identity gets its last-login stamp; an unlinked one is
	// the caller's decision (sign-up, link prompt, rejection).
	if err := o.storage.TouchLogin(ctx, state.TenantID, providerType, profile.SubjectID, o.now().UTC()); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to record login timestamp")
	}

	if o.metrics != nil {
		o.metrics.LoginCallbacksTotal.WithLabelValues(string(providerType), "success").Inc()
	}

	event := audit.NewEvent(ctx, audit.EventTypeSSOLogin, audit.EventStatusSuccess)
	event.TenantID = state.TenantID
	event.Provider = string(providerType)
	event.Message = "federated login completed"
	event.Metadata = map[string]interface{}{"subject_id": profile.SubjectID}
	audit.Emit(ctx, o.auditor, event)

	return &CallbackResult{Profile: profile, Tokens: tokens, TenantID: state.TenantID}, nil
}

func (o *Orchestrator) countConsume(err error) {
	if o.metrics == nil {
		return
	}

	outcome := "success"
	switch {
	case errors.Is(err, authstate.ErrStateAlreadyConsumed):
		outcome = "replayed"
	case errors.Is(err, authstate.ErrStateExpired):
		outcome = "expired"
	case errors.Is(err, authstate.ErrStateNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	o.metrics.StateTokensConsumedTotal.WithLabelValues(outcome).Inc()
}

// failLogin classifies, audits and counts a failed callback. The error
// comes back unchanged so the caller maps it to a response.
func (o *Orchestrator) failLogin(ctx context.Context, tenantID string, providerType ProviderType, err error) error {
	class := errorClass(err)

	if o.metrics != nil {
		o.metrics.LoginCallbacksTotal.WithLabelValues(string(providerType), class).Inc()
		o.metrics.IdPErrorsTotal.WithLabelValues(string(providerType), class).Inc()
	}

	event := audit.NewEvent(ctx, audit.EventTypeSSOLoginFailed, audit.EventStatusFailure)
	event.TenantID = tenantID
	event.Provider = string(providerType)
	event.Message = class
	audit.Emit(ctx, o.auditor, event)

	return err
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrAssertionInvalid):
		return "assertion_invalid"
	case errors.Is(err, ErrProviderUnreachable):
		return "provider_unreachable"
	case errors.Is(err, ErrProfileFetchFailed):
		return "profile_fetch_failed"
	case errors.Is(err, ErrProviderNotConfigured):
		return "provider_not_configured"
	default:
		return "internal"
	}
}

// Link ties a verified external identity to a local user. Idempotent
// for the same user; a subject linked elsewhere yields ErrAlreadyLinked.
func (o *Orchestrator) Link(ctx context.Context, tenantID, userID string, profile *NormalizedProfile, tokens *TokenSet) (*LinkedIdentity, error) {
	link := &LinkedIdentity{
		TenantID:  tenantID,
		UserID:    userID,
		Provider:  profile.Provider,
		SubjectID: profile.SubjectID,
		Email:     profile.Email,
	}

	refreshToken := ""
	if tokens != nil {
		refreshToken = tokens.RefreshToken
	}

	if err := o.storage.LinkIdentity(ctx, link, refreshToken); err != nil {
		return nil, err
	}

	event := audit.NewEvent(ctx, audit.EventTypeSSOLink, audit.EventStatusSuccess)
	event.TenantID = tenantID
	event.UserID = userID
	event.Provider = string(profile.Provider)
	event.Message = "identity linked"
	event.Metadata = map[string]interface{}{"subject_id": profile.SubjectID}
	audit.Emit(ctx, o.auditor, event)

	return link, nil
}

// Unlink removes a linked identity and its stored refresh token.
// ErrNotLinked when there is nothing to remove.
func (o *Orchestrator) Unlink(ctx context.Context, tenantID, userID string, providerType ProviderType) error {
	if err := o.storage.UnlinkIdentity(ctx, tenantID, userID, providerType); err != nil {
		return err
	}

	event := audit.NewEvent(ctx, audit.EventTypeSSOUnlink, audit.EventStatusSuccess)
	event.TenantID = tenantID
	event.UserID = userID
	event.Provider = string(providerType)
	event.Message = "identity unlinked"
	audit.Emit(ctx, o.auditor, event)

	return nil
}

// Links lists the identities linked to a user
func (o *Orchestrator) Links(ctx context.Context, tenantID, userID string) ([]*LinkedIdentity, error) {
	return o.storage.ListLinks(ctx, tenantID, userID)
}

// Refresh redeems the stored refresh token of a linked OAuth2 identity
// for a fresh token set, persisting a rotated refresh token.
func (o *Orchestrator) Refresh(ctx context.Context, tenantID, userID string, providerType ProviderType) (*TokenSet, error) {
	config, err := o.storage.GetProvider(ctx, tenantID, providerType)
	if err != nil {
		return nil, err
	}

	entry, err := o.adapterFor(ctx, config)
	if err != nil {
		return nil, err
	}
	if entry.oidc == nil {
		return nil, fmt.Errorf("%w: provider %s does not issue refresh tokens", ErrRefreshTokenInvalid, providerType)
	}

	links, err := o.storage.ListLinks(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	var link *LinkedIdentity
	for _, l := range links {
		if l.Provider == providerType {
			full, err := o.storage.FindLink(ctx, tenantID, providerType, l.SubjectID)
			if err != nil {
				return nil, err
			}
			link = full
			break
		}
	}
	if link == nil {
		return nil, ErrNotLinked
	}

	refreshToken, err := o.storage.RefreshTokenFor(ctx, link)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", ErrRefreshTokenInvalid)
	}

	started := o.now()
	tokens, err := entry.oidc.Refresh(ctx, refreshToken)
	if o.metrics != nil {
		o.metrics.IdPRequestDuration.WithLabelValues(string(providerType), "refresh").Observe(o.now().Sub(started).Seconds())
	}
	if err != nil {
		if o.metrics != nil {
			o.metrics.IdPErrorsTotal.WithLabelValues(string(providerType), errorClass(err)).Inc()
		}
		return nil, err
	}

	if tokens.RefreshToken != refreshToken {
		if err := o.storage.LinkIdentity(ctx, link, tokens.RefreshToken); err != nil {
			observability.FromContext(ctx).WithError(err).Warn("failed to persist rotated refresh token")
		}
	}

	return tokens, nil
}

// Metadata serves the SAML SP metadata for a tenant
func (o *Orchestrator) Metadata(ctx context.Context, tenantID string) ([]byte, error) {
	config, err := o.storage.GetProvider(ctx, tenantID, ProviderSAML)
	if err != nil {
		return nil, err
	}

	entry, err := o.adapterFor(ctx, config)
	if err != nil {
		return nil, err
	}

	return entry.saml.Metadata()
}
