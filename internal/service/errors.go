package service

import (
	"errors"
	"fmt"

	"device_provisioner/internal/device"
)

// ErrNoPortsFound is returned when port discovery finds nothing.
var ErrNoPortsFound = errors.New("no serial ports found")

// ErrPrecondition marks requests rejected because the device is not in a
// state that allows them. Specific causes wrap it.
var ErrPrecondition = errors.New("precondition failed")

var (
	ErrDeviceNotFound    = fmt.Errorf("%w: device not found", ErrPrecondition)
	ErrInvalidDeviceID   = fmt.Errorf("%w: device id is required", ErrPrecondition)
	ErrCannotStart       = fmt.Errorf("%w: device cannot start", ErrPrecondition)
	ErrAlreadyQueued     = fmt.Errorf("%w: device already queued", ErrPrecondition)
	ErrDeviceBusy        = fmt.Errorf("%w: device is being processed", ErrPrecondition)
	ErrNotFailed         = fmt.Errorf("%w: device is not in failed state", ErrPrecondition)
	ErrInvalidPhase      = fmt.Errorf("%w: invalid phase", ErrPrecondition)
	ErrPhaseNotAllowed   = fmt.Errorf("%w: retry from this phase is not allowed", ErrPrecondition)
	ErrLastPhase         = fmt.Errorf("%w: cannot skip the last phase", ErrPrecondition)
	ErrProcessorStopping = errors.New("queue processor is stopping")
)

// PhaseError reports a failure inside one pipeline phase.
type PhaseError struct {
	Phase device.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
