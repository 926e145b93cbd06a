package audit

import (
	"context"
	"time"

	"github.com/nimbuscrm/identity/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log writes an audit event and returns any write error
	Log(ctx context.Context, event *Event) error

	// Close closes the logger and flushes any buffered events
	Close() error
}

// NopLogger is a logger that discards every event. Used in tests and
// when no sink is configured.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }
func (NopLogger) Close() error                                { return nil }

// NewEvent creates an event with the timestamp and request correlation
// fields populated from context.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
	}

	event.RequestID = observability.GetRequestID(ctx)
	event.TenantID = observability.GetTenantID(ctx)
	event.UserID = observability.GetUserID(ctx)

	return event
}

// Emit writes an event and swallows the write error. An authentication
// decision that has already been made must not fail because the audit
// sink is down, so the error is logged at error level instead.
func Emit(ctx context.Context, logger Logger, event *Event) {
	if logger == nil {
		return
	}

	if err := logger.Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).
			WithField("event_type", string(event.EventType)).
			Error("failed to write audit event")
	}
}
