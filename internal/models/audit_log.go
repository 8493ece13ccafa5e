package models

import (
	"encoding/json"
	"time"
)

// Routing keys for security events
const (
	EventLoginSucceeded  = "login.succeeded"
	EventLoginFailed     = "login.failed"
	EventMFAEnabled      = "mfa.enabled"
	EventMFADisabled     = "mfa.disabled"
	EventMFACodesRotated = "mfa.codes_rotated"
	EventSessionsRevoked = "sessions.revoked"
	EventPasswordChanged = "password.changed"
	EventEmailChanged    = "email.changed"
	EventAccountDeleted  = "account.deleted"
)

// SecurityEvent is published for downstream consumers (alerting, analytics).
type SecurityEvent struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	UserID     string        `json:"user_id,omitempty"`
	Method     LoginMethod   `json:"method,omitempty"`
	Success    bool          `json:"success"`
	Reason     string        `json:"reason,omitempty"`
	IPAddress  string        `json:"ip_address,omitempty"`
	UserAgent  string        `json:"user_agent,omitempty"`
	Metadata   EventMetadata `json:"metadata,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// EventMetadata holds additional context for an event
type EventMetadata map[string]interface{}

// MarshalJSON implements json.Marshaler
func (em EventMetadata) MarshalJSON() ([]byte, error) {
	if em == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(em))
}

// UnmarshalJSON implements json.Unmarshaler
func (em *EventMetadata) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*em = EventMetadata(m)
	return nil
}
