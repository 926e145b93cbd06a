package audit

import "time"

// EventType represents the category of audit event
type EventType string

const (
	// SSO events
	EventTypeSSOLogin       EventType = "sso.login"
	EventTypeSSOLoginFailed EventType = "sso.login_failed"
	EventTypeSSOLink        EventType = "sso.link"
	EventTypeSSOUnlink      EventType = "sso.unlink"

	// MFA events
	EventTypeMFAEnroll         EventType = "mfa.enroll"
	EventTypeMFAVerify         EventType = "mfa.verify"
	EventTypeMFAVerifyFailed   EventType = "mfa.verify_failed"
	EventTypeMFALocked         EventType = "mfa.locked"
	EventTypeMFABackupCodeUsed EventType = "mfa.backup_code_used"
	EventTypeMFADisable        EventType = "mfa.disable"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusBlocked EventStatus = "blocked"
)

// Event represents a single audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Provider string `json:"provider,omitempty"` // google, microsoft, saml
	Method   string `json:"method,omitempty"`   // totp, backup_code

	IPAddress string `json:"ip_address,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter represents filters for searching audit records
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	TenantID string
	UserID   string
	Provider string

	EventTypes []EventType
	Status     *EventStatus

	Limit  int
	Offset int
}
