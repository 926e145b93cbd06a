// Package secrets encrypts credentials at rest for the identity core.
//
// All provider client secrets, refresh tokens and TOTP shared secrets are
// stored through a Box: AES-256-GCM with a per-value random nonce, the
// AEAD key derived from a single deployment-supplied master key via
// HKDF-SHA256. The logical context of a value (for example the owning
// user id) is bound as additional authenticated data, so an envelope
// copied between rows fails to decrypt.
//
// There is no default or fallback key. FromEnv returns an error when
// IDENTITY_MASTER_KEY is unset or malformed and callers are expected to
// treat that as a fatal startup condition. Tests construct a Box
// directly with New and a literal 32-byte key.
package secrets
