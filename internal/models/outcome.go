package models

import (
	"time"

	"device_provisioner/internal/device"
)

// Outcome is the terminal result of one pipeline run.
type Outcome struct {
	ID          string              `json:"id"`
	DeviceID    string              `json:"device_id"`
	Port        string              `json:"port"`
	MACAddress  string              `json:"mac_address"`
	Status      device.Status       `json:"status"`
	Success     bool                `json:"success"`
	CompletedAt time.Time           `json:"completed_at"`
	Operator    string              `json:"operator,omitempty"`
	Timing      device.TimingReport `json:"timing_statistics"`
}
