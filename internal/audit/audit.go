package audit

import "time"

// EventType identifies a security-relevant outcome.
type EventType string

const (
	EventLoginSucceeded        EventType = "login_succeeded"
	EventLoginFailed           EventType = "login_failed"
	EventRefreshSucceeded      EventType = "refresh_succeeded"
	EventRefreshFailed         EventType = "refresh_failed"
	EventRevokeSucceeded       EventType = "revoke_succeeded"
	EventRevokeFailed          EventType = "revoke_failed"
	EventTokenValidated        EventType = "token_validated"
	EventTokenValidationFailed EventType = "token_validation_failed"
	EventAccountLocked         EventType = "account_locked"
	EventPasswordChanged       EventType = "password_changed"
	EventAccountRegistered     EventType = "account_registered"
	EventTwoFactorEnabled      EventType = "two_factor_enabled"
	EventTwoFactorDisabled     EventType = "two_factor_disabled"
	EventAPIKeyCreated         EventType = "api_key_created"
	EventAPIKeyRevoked         EventType = "api_key_revoked"
)

// Fields carries the subject identifiers attached to an event. All fields
// are optional; Extras holds free-form context such as the precise failure
// reason that the caller-facing error deliberately omits.
type Fields struct {
	AccountID string
	TenantID  string
	Email     string
	IP        string
	Device    string
	Extras    map[string]any
}

// Event is the immutable stored record. It is never mutated after creation.
type Event struct {
	ID         string
	Type       EventType
	AccountID  string
	TenantID   string
	Email      string
	IP         string
	Device     string
	Extras     map[string]any
	OccurredAt time.Time
}

// Sink accepts events fire-and-forget. Implementations must never block the
// caller on the security hot path and must swallow their own failures.
type Sink interface {
	Log(eventType EventType, fields Fields)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Log(EventType, Fields) {}
