package models

import (
	"time"

	"device_provisioner/internal/device"
)

// DeviceSnapshot is the document saved as <workspace>/device_status.json.
type DeviceSnapshot struct {
	DeviceID        string              `json:"device_id"`
	Port            string              `json:"port"`
	MACAddress      string              `json:"mac_address"`
	ClientID        string              `json:"client_id"`
	BindKey         string              `json:"bind_key"`
	ClientType      string              `json:"client_type"`
	DeviceName      string              `json:"device_name"`
	DeviceVersion   string              `json:"device_version"`
	Status          string              `json:"status"`
	Progress        int                 `json:"progress"`
	ProgressMessage string              `json:"progress_message"`
	ErrorMessage    string              `json:"error_message"`
	FailedPhase     *string             `json:"failed_phase"`
	RetryCount      int                 `json:"retry_count"`
	CreatedAt       string              `json:"created_at"`
	StartedAt       *string             `json:"started_at"`
	CompletedAt     *string             `json:"completed_at"`
	WorkspacePath   string              `json:"workspace_path"`
	Timing          device.TimingReport `json:"timing_statistics"`
}

// NewDeviceSnapshot converts a device snapshot into the workspace document.
func NewDeviceSnapshot(s device.Snapshot) DeviceSnapshot {
	out := DeviceSnapshot{
		DeviceID:        s.DeviceID,
		Port:            s.Port,
		MACAddress:      s.MACAddress,
		ClientID:        s.ClientID,
		BindKey:         s.BindKey,
		ClientType:      s.Config.ClientType,
		DeviceName:      s.Config.DeviceName,
		DeviceVersion:   s.Config.DeviceVersion,
		Status:          string(s.Status),
		Progress:        s.Progress,
		ProgressMessage: s.ProgressMessage,
		ErrorMessage:    s.ErrorMessage,
		RetryCount:      s.RetryCount,
		CreatedAt:       isoTime(s.CreatedAt),
		StartedAt:       isoTimePtr(s.StartedAt),
		CompletedAt:     isoTimePtr(s.CompletedAt),
		WorkspacePath:   s.WorkspacePath,
		Timing:          s.Timing,
	}
	if s.FailedPhase != device.PhaseNone {
		name := s.FailedPhase.String()
		out.FailedPhase = &name
	}
	return out
}

func isoTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func isoTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := isoTime(*t)
	return &s
}
