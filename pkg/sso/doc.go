// Package sso implements federated login against external identity
// providers: OAuth2 + PKCE with OpenID Connect for Google and
// Microsoft, and SAML 2.0 for enterprise IdPs.
//
// Provider configurations are tenant-scoped and held in the relational
// store with their secrets encrypted. Adapters normalize whatever the
// IdP returns into a NormalizedProfile; the Orchestrator ties an
// adapter to the pending-state store so every callback consumes its
// state token exactly once, and writes the audit record before the
// outcome is returned.
package sso
