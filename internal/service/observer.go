package service

import (
	"device_provisioner/internal/device"

	"go.uber.org/zap/zapcore"
)

// Observer receives device events from the manager. Calls happen with the
// device lock held: implementations must return quickly and must not call
// back into the manager or the device.
type Observer interface {
	OnDeviceStatusChanged(d device.Snapshot, old, new device.Status)
	OnDeviceProgress(d device.Snapshot, progress int, message string)
	OnDeviceLog(d device.Snapshot, message string, level zapcore.Level)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnDeviceStatusChanged(device.Snapshot, device.Status, device.Status) {}
func (NopObserver) OnDeviceProgress(device.Snapshot, int, string)                       {}
func (NopObserver) OnDeviceLog(device.Snapshot, string, zapcore.Level)                  {}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StatusChanged func(d device.Snapshot, old, new device.Status)
	Progress      func(d device.Snapshot, progress int, message string)
	Log           func(d device.Snapshot, message string, level zapcore.Level)
}

func (f ObserverFuncs) OnDeviceStatusChanged(d device.Snapshot, old, new device.Status) {
	if f.StatusChanged != nil {
		f.StatusChanged(d, old, new)
	}
}

func (f ObserverFuncs) OnDeviceProgress(d device.Snapshot, progress int, message string) {
	if f.Progress != nil {
		f.Progress(d, progress, message)
	}
}

func (f ObserverFuncs) OnDeviceLog(d device.Snapshot, message string, level zapcore.Level) {
	if f.Log != nil {
		f.Log(d, message, level)
	}
}
