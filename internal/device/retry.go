package device

// RetryAction names a recovery choice offered for a failed device.
type RetryAction string

const (
	ActionRetryCurrent RetryAction = "retry_current"
	ActionRetryFrom    RetryAction = "retry_from"
	ActionRetryFull    RetryAction = "retry_full"
	ActionSkipContinue RetryAction = "skip_continue"
	ActionReset        RetryAction = "reset"
)

// RetryOption is one entry of the recovery menu. Phase is PhaseNone for reset.
type RetryOption struct {
	Action RetryAction `json:"action"`
	Phase  Phase       `json:"phase"`
	Label  string      `json:"label"`
}

func retryCurrent(p Phase) RetryOption {
	return RetryOption{Action: ActionRetryCurrent, Phase: p, Label: "retry " + p.String()}
}

func retryFrom(p Phase) RetryOption {
	return RetryOption{Action: ActionRetryFrom, Phase: p, Label: "retry from " + p.String()}
}

func retryFull() RetryOption {
	return RetryOption{Action: ActionRetryFull, Phase: PhaseMACAcquisition, Label: "restart full pipeline"}
}

func skipContinue(next Phase) RetryOption {
	return RetryOption{Action: ActionSkipContinue, Phase: next, Label: "skip and continue with " + next.String()}
}

// retryOptionsFor returns the ordered menu for a failure in p, without the
// trailing reset entry.
func retryOptionsFor(p Phase) []RetryOption {
	switch p {
	case PhaseMACAcquisition:
		return []RetryOption{retryCurrent(p), retryFull()}
	case PhaseDeviceRegistration:
		return []RetryOption{retryCurrent(p), retryFrom(PhaseMACAcquisition), retryFull()}
	case PhaseConfigUpdate:
		return []RetryOption{retryCurrent(p), retryFrom(PhaseDeviceRegistration), retryFull(), skipContinue(PhaseFirmwareBuild)}
	case PhaseFirmwareBuild:
		return []RetryOption{retryCurrent(p), retryFrom(PhaseConfigUpdate), retryFull()}
	case PhaseFirmwareFlash:
		return []RetryOption{retryCurrent(p), retryFrom(PhaseFirmwareBuild), retryFull()}
	default:
		return []RetryOption{retryFull()}
	}
}
