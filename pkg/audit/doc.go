// Package audit is the append-only record of authentication decisions.
//
// Every security-relevant outcome (success, failure, blocked) is written
// here before the decision is returned to the caller. Records are never
// mutated or deleted by the identity core.
//
// Audit-write failure must not block an authentication decision that has
// already been made: callers use Emit, which swallows the write error
// after logging it at error level so operators can detect gaps in the
// audit pipeline.
package audit
