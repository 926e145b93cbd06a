// Package observability provides structured logging, Prometheus metrics
// and panic recovery for the identity core.
//
// Logging is structured JSON on top of logrus. Request-scoped values
// (request id, tenant id, user id) travel on the context and are attached
// to every log line emitted through FromContext:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx).WithField("provider", "google").Info("sso callback")
//
// Metrics cover the security-relevant surface: login initiations and
// callbacks by provider and outcome, MFA verifications, lockouts, and
// round-trip latency to external identity providers. All metrics are
// registered against an explicit registry so tests can run in isolation.
package observability
