package models

import "time"

// Event types persisted to the provisioning log.
const (
	EventStatusChange = "STATUS_CHANGE"
	EventError        = "ERROR"
	EventWarning      = "WARNING"
)

// ProvisioningEvent is a single audit log entry.
type ProvisioningEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	DeviceID    string    `json:"device_id"`
	Type        string    `json:"type"`        // STATUS_CHANGE | ERROR | WARNING
	Description string    `json:"description"` // human-readable
	Operator    string    `json:"operator,omitempty"`
	Metadata    any       `json:"metadata,omitempty"`
}
