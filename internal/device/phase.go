package device

import (
	"fmt"
	"strings"
)

// Phase is one step of the provisioning pipeline. Ordinal order is the
// execution order and is relied on by retry validation.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseMACAcquisition
	PhaseDeviceRegistration
	PhaseConfigUpdate
	PhaseFirmwareBuild
	PhaseFirmwareFlash
)

var phaseNames = map[Phase]string{
	PhaseMACAcquisition:     "mac_acquisition",
	PhaseDeviceRegistration: "device_registration",
	PhaseConfigUpdate:       "config_update",
	PhaseFirmwareBuild:      "firmware_build",
	PhaseFirmwareFlash:      "firmware_flash",
}

// Phases returns the pipeline phases in canonical order.
func Phases() []Phase {
	return []Phase{
		PhaseMACAcquisition,
		PhaseDeviceRegistration,
		PhaseConfigUpdate,
		PhaseFirmwareBuild,
		PhaseFirmwareFlash,
	}
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return ""
}

// Valid reports whether p is one of the five pipeline phases.
func (p Phase) Valid() bool {
	return p >= PhaseMACAcquisition && p <= PhaseFirmwareFlash
}

// Next returns the phase after p. ok is false for the last phase.
func (p Phase) Next() (Phase, bool) {
	if !p.Valid() || p == PhaseFirmwareFlash {
		return PhaseNone, false
	}
	return p + 1, true
}

// Prev returns the phase before p. ok is false for the first phase.
func (p Phase) Prev() (Phase, bool) {
	if !p.Valid() || p == PhaseMACAcquisition {
		return PhaseNone, false
	}
	return p - 1, true
}

// WorkingStatus is the device status shown while p runs.
func (p Phase) WorkingStatus() Status {
	switch p {
	case PhaseMACAcquisition:
		return StatusMACGetting
	case PhaseDeviceRegistration:
		return StatusRegistering
	case PhaseConfigUpdate:
		return StatusConfigUpdating
	case PhaseFirmwareBuild:
		return StatusBuilding
	case PhaseFirmwareFlash:
		return StatusFlashing
	default:
		return StatusDetecting
	}
}

// Progress is the progress point reported when p starts.
func (p Phase) Progress() int {
	switch p {
	case PhaseMACAcquisition:
		return 10
	case PhaseDeviceRegistration:
		return 30
	case PhaseConfigUpdate:
		return 50
	case PhaseFirmwareBuild:
		return 70
	case PhaseFirmwareFlash:
		return 90
	default:
		return 0
	}
}

// ParsePhase accepts the snake_case phase names. An empty string yields PhaseNone.
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PhaseNone, nil
	}
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return PhaseNone, fmt.Errorf("unknown phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
