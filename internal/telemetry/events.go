// Package telemetry fans provisioning events out to live consumers: the
// websocket hub, an MQTT broker and InfluxDB.
package telemetry

import (
	"time"

	"device_provisioner/internal/device"
)

// Event types carried by Envelope.
const (
	TypeStatus     = "status"
	TypeProgress   = "progress"
	TypeLog        = "log"
	TypeOutcome    = "outcome"
	TypeStatistics = "statistics"
)

// Envelope is the message pushed to websocket clients.
type Envelope struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// StatusEvent describes a status transition.
type StatusEvent struct {
	Device    device.Snapshot `json:"device"`
	Old       device.Status   `json:"old_status"`
	New       device.Status   `json:"new_status"`
	Timestamp time.Time       `json:"timestamp"`
}

type ProgressEvent struct {
	DeviceID  string    `json:"device_id"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type LogEvent struct {
	DeviceID  string    `json:"device_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceState is the retained per-device document published over MQTT.
type DeviceState struct {
	DeviceID    string        `json:"device_id"`
	Port        string        `json:"port"`
	MACAddress  string        `json:"mac_address,omitempty"`
	ClientID    string        `json:"client_id,omitempty"`
	Status      device.Status `json:"status"`
	Progress    int           `json:"progress"`
	Message     string        `json:"message"`
	Error       string        `json:"error,omitempty"`
	FailedPhase device.Phase  `json:"failed_phase"`
	RetryCount  int           `json:"retry_count"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func newDeviceState(s device.Snapshot, at time.Time) DeviceState {
	return DeviceState{
		DeviceID:    s.DeviceID,
		Port:        s.Port,
		MACAddress:  s.MACAddress,
		ClientID:    s.ClientID,
		Status:      s.Status,
		Progress:    s.Progress,
		Message:     s.ProgressMessage,
		Error:       s.ErrorMessage,
		FailedPhase: s.FailedPhase,
		RetryCount:  s.RetryCount,
		UpdatedAt:   at,
	}
}
