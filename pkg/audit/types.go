package audit

import (
	"encoding/json"
	"time"
)

// EventType categorizes audit events
type EventType string

const (
	// Login flow
	EventLogin             EventType = "sso.login.succeeded"
	EventLoginFailed       EventType = "sso.login.failed"
	EventAssertionRejected EventType = "sso.assertion_rejected"
	EventLogout            EventType = "sso.logout"
	EventUserProvisioned   EventType = "sso.user.provisioned"

	// Configuration
	EventConfigUpdated  EventType = "sso.config.updated"
	EventConfigDisabled EventType = "sso.config.disabled"

	// Certificates
	EventCertRotated  EventType = "certificate.rotated"
	EventCertPromoted EventType = "certificate.promoted"

	// SCIM directory sync
	EventSCIMUserProvisioned  EventType = "scim.user.provisioned"
	EventSCIMUserUpdated      EventType = "scim.user.updated"
	EventSCIMUserDeactivated  EventType = "scim.user.deactivated"
	EventSCIMGroupProvisioned EventType = "scim.group.provisioned"
	EventSCIMGroupUpdated     EventType = "scim.group.updated"
	EventSCIMGroupDeleted     EventType = "scim.group.deleted"

	// Sessions
	EventSessionEvicted EventType = "session.evicted"
	EventSessionRevoked EventType = "session.revoked"
)

// Event is a single audit log entry
type Event struct {
	ID        int64          `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	OrgID     string         `json:"org_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToJSON serializes the event
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
