// Package authstate manages the transient state of in-flight SSO logins.
//
// A login initiation records a PendingState keyed by a cryptographically
// random token: the tenant, the provider, and either a PKCE code verifier
// (OAuth) or a relay state (SAML). The callback consumes that record
// exactly once. Consumption is a single atomic operation in every store
// implementation, so two concurrent callbacks presenting the same token
// cannot both succeed, and a token that has been consumed or has expired
// never validates again.
//
// Two stores are provided: PostgresStore (consumed rows are retained
// until the sweep so replays are reported as ErrStateAlreadyConsumed)
// and RedisStore (atomic Lua consume with a short-lived tombstone).
package authstate
