package device

// Status is the lifecycle state of a device.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusDetecting      Status = "detecting"
	StatusMACGetting     Status = "mac_getting"
	StatusRegistering    Status = "registering"
	StatusConfigUpdating Status = "config_updating"
	StatusBuilding       Status = "building"
	StatusFlashing       Status = "flashing"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

var allStatuses = []Status{
	StatusIdle,
	StatusDetecting,
	StatusMACGetting,
	StatusRegistering,
	StatusConfigUpdating,
	StatusBuilding,
	StatusFlashing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Statuses lists every defined status.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsActive reports whether the device is somewhere inside the pipeline.
func (s Status) IsActive() bool {
	switch s {
	case StatusIdle, StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return true
	}
}

// IsTerminal reports whether s ends a pipeline run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
