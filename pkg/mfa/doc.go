// Package mfa implements the second authentication factor: TOTP
// verification with a clock-skew window, one-time backup codes, and a
// failure-count lockout.
//
// The TOTP secret is held encrypted at rest and only decrypted for the
// duration of a verification. Replay of a code is prevented by
// recording the time step of the last accepted code; a step is never
// accepted twice. The lockout counter is shared between TOTP and
// backup-code failures, and every counter mutation is a single
// conditional SQL statement so racing verifications cannot both slip
// past the threshold.
package mfa
