package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"device_provisioner/internal/device"
	"device_provisioner/internal/logger"
	"device_provisioner/internal/models"

	"go.uber.org/zap/zapcore"
)

var (
	errEmptyMAC       = errors.New("device returned an empty MAC address")
	errMissingMAC     = errors.New("MAC address not available")
	errEmptyClientID  = errors.New("registration returned an empty client id")
	errMissingClient  = errors.New("client id not available")
	errMissingWorkdir = errors.New("workspace not available")
)

// pipeline runs the five provisioning phases for one device.
type pipeline struct {
	toolchain  Toolchain
	workspaces Workspaces
	stats      *StatisticsCollector
	skipClean  bool
	log        *logger.Logger
}

var phaseMessages = map[device.Phase]string{
	device.PhaseMACAcquisition:     "reading MAC address",
	device.PhaseDeviceRegistration: "registering device",
	device.PhaseConfigUpdate:       "updating firmware configuration",
	device.PhaseFirmwareBuild:      "building firmware",
	device.PhaseFirmwareFlash:      "flashing firmware",
}

// Run processes d from its resume phase to a terminal status. The outcome
// is always reported to the statistics collector, also when a phase panics.
func (p *pipeline) Run(ctx context.Context, d *device.Instance, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("pipeline panicked", "device_id", d.ID(), "panic", r)
			d.SetError(fmt.Sprintf("unexpected error: %v", r), device.PhaseNone)
		}
		p.finish(d)
	}()

	start := d.TakeResumePhase()
	if !d.Advance(device.StatusDetecting, 0, "starting from "+start.String()) {
		return
	}

	if d.Snapshot().WorkspacePath == "" {
		path, err := p.workspaces.Create(d.ID(), d.Port())
		if err != nil {
			d.SetError("create workspace: "+err.Error(), device.PhaseNone)
			return
		}
		d.SetWorkspace(path)
	}

	for _, ph := range device.Phases() {
		if ph < start {
			continue
		}
		if p.interrupted(d, stop) {
			return
		}

		if !d.BeginPhase(ph, phaseMessages[ph]) {
			return
		}
		err := p.runPhase(ctx, d, ph)
		d.EndPhase(ph)

		if err != nil {
			if d.CancelRequested() {
				d.Cancel()
				return
			}
			d.SetError((&PhaseError{Phase: ph, Err: err}).Error(), ph)
			return
		}
	}

	d.MarkCompleted("provisioning completed")
}

// interrupted cancels d when a stop was requested and reports whether the
// run must end. A cancel requested from outside also ends the run.
func (p *pipeline) interrupted(d *device.Instance, stop <-chan struct{}) bool {
	if d.CancelRequested() {
		d.Cancel()
		return true
	}
	select {
	case <-stop:
		d.Cancel()
		return true
	default:
		return false
	}
}

func (p *pipeline) runPhase(ctx context.Context, d *device.Instance, ph device.Phase) error {
	snap := d.Snapshot()
	switch ph {
	case device.PhaseMACAcquisition:
		mac, err := p.toolchain.GetDeviceMAC(ctx, snap.Port)
		if err != nil {
			return err
		}
		if mac = strings.TrimSpace(mac); mac == "" {
			return errEmptyMAC
		}
		d.SetMACAddress(mac)
		return nil

	case device.PhaseDeviceRegistration:
		if snap.MACAddress == "" {
			return errMissingMAC
		}
		clientID, bindKey, err := p.toolchain.RegisterDevice(ctx, models.Registration{
			MACAddress:    snap.MACAddress,
			ClientType:    snap.Config.ClientType,
			DeviceName:    snap.Config.DeviceName,
			DeviceVersion: snap.Config.DeviceVersion,
		})
		if err != nil {
			return err
		}
		if clientID == "" {
			return errEmptyClientID
		}
		d.SetClientInfo(clientID, bindKey)
		return nil

	case device.PhaseConfigUpdate:
		if snap.ClientID == "" {
			return errMissingClient
		}
		if snap.WorkspacePath == "" {
			return errMissingWorkdir
		}
		return p.toolchain.UpdateConfig(ctx, snap.WorkspacePath, snap.ClientID)

	case device.PhaseFirmwareBuild:
		if snap.WorkspacePath == "" {
			return errMissingWorkdir
		}
		return p.toolchain.BuildFirmware(ctx, snap.WorkspacePath, p.skipClean, toolOutput(d))

	case device.PhaseFirmwareFlash:
		if snap.WorkspacePath == "" {
			return errMissingWorkdir
		}
		return p.toolchain.FlashFirmware(ctx, snap.WorkspacePath, snap.Port, toolOutput(d))
	}
	return fmt.Errorf("unknown phase %d", ph)
}

// finish closes the timing ledger, saves the snapshot next to the build
// and records the outcome.
func (p *pipeline) finish(d *device.Instance) {
	if d.Status().IsTerminal() {
		d.CompleteTiming()
	}
	snap := d.Snapshot()

	if snap.WorkspacePath != "" {
		if err := p.workspaces.SaveSnapshot(snap.WorkspacePath, models.NewDeviceSnapshot(snap)); err != nil {
			p.log.Warnw("save device snapshot failed", "device_id", snap.DeviceID, "error", err)
		}
	}
	p.stats.RecordDeviceCompletion(snap)
}

func toolOutput(d *device.Instance) ProgressFunc {
	return func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			d.Log(line, zapcore.DebugLevel)
		}
	}
}
