package service

import (
	"context"

	"device_provisioner/internal/models"
)

// ProgressFunc receives tool output one line at a time.
type ProgressFunc = func(line string)

// Toolchain runs the phase functions against real hardware and services.
// Every call blocks until the underlying tool finishes.
type Toolchain interface {
	DetectPorts(ctx context.Context) ([]string, error)
	GetDeviceMAC(ctx context.Context, port string) (string, error)
	RegisterDevice(ctx context.Context, req models.Registration) (clientID, bindKey string, err error)
	UpdateConfig(ctx context.Context, workspace, clientID string) error
	BuildFirmware(ctx context.Context, workspace string, skipClean bool, progress ProgressFunc) error
	FlashFirmware(ctx context.Context, workspace, port string, progress ProgressFunc) error
}

// Workspaces provisions the per-device build directories.
type Workspaces interface {
	Create(deviceID, port string) (string, error)
	Cleanup(path string) error
	SaveSnapshot(path string, snap models.DeviceSnapshot) error
}
