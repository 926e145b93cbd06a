// Package api exposes the identity service over HTTP.
//
// Handlers translate between the wire and the sso and mfa packages.
// Every error that crosses the boundary is mapped to a stable error
// code; internal causes stay in the server log. Verification failures
// that lock an account answer 429 with a Retry-After header.
package api
