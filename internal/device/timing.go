package device

import "time"

// PhaseReport is the exported view of one phase's timing.
type PhaseReport struct {
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end"`
	Duration float64    `json:"duration"` // seconds; live when End is nil
}

// TimingReport is the exported view of a device's timing ledger.
type TimingReport struct {
	TotalStart    *time.Time             `json:"total_start"`
	TotalEnd      *time.Time             `json:"total_end"`
	TotalDuration *float64               `json:"total_duration"`
	Phases        map[string]PhaseReport `json:"phases"`
}

// PhaseSeconds returns the recorded duration of the named phase.
func (r TimingReport) PhaseSeconds(p Phase) (float64, bool) {
	pr, ok := r.Phases[p.String()]
	if !ok {
		return 0, false
	}
	return pr.Duration, true
}

type span struct {
	start time.Time
	end   time.Time
}

// Timing records per-phase start/end stamps for one device.
// It is not safe for concurrent use; Instance guards it with its own lock.
type Timing struct {
	clock      func() time.Time
	phases     map[Phase]*span
	totalStart time.Time
	totalEnd   time.Time
}

// NewTiming returns an empty ledger. A nil clock means time.Now.
func NewTiming(clock func() time.Time) *Timing {
	if clock == nil {
		clock = time.Now
	}
	return &Timing{clock: clock, phases: make(map[Phase]*span)}
}

// StartPhase (re)initializes the phase and stamps its start. The first phase
// ever started also stamps the total start.
func (t *Timing) StartPhase(p Phase) {
	now := t.clock()
	t.phases[p] = &span{start: now}
	if t.totalStart.IsZero() {
		t.totalStart = now
	}
}

// EndPhase stamps the end of p if it was started.
func (t *Timing) EndPhase(p Phase) {
	if s, ok := t.phases[p]; ok {
		s.end = t.clock()
	}
}

// PhaseDuration returns how long p ran, using now for an open phase.
func (t *Timing) PhaseDuration(p Phase) (time.Duration, bool) {
	s, ok := t.phases[p]
	if !ok {
		return 0, false
	}
	return t.between(s.start, s.end), true
}

// TotalDuration returns the time since the first phase started, up to the
// completion stamp if present.
func (t *Timing) TotalDuration() (time.Duration, bool) {
	if t.totalStart.IsZero() {
		return 0, false
	}
	return t.between(t.totalStart, t.totalEnd), true
}

// CurrentPhase is the first phase, in pipeline order, that has started but not ended.
func (t *Timing) CurrentPhase() Phase {
	for _, p := range Phases() {
		if s, ok := t.phases[p]; ok && s.end.IsZero() {
			return p
		}
	}
	return PhaseNone
}

// Complete stamps the total end and closes any phase still open.
func (t *Timing) Complete() {
	now := t.clock()
	t.totalEnd = now
	for _, s := range t.phases {
		if s.end.IsZero() {
			s.end = now
		}
	}
}

// reopen clears the completion stamp so a retried run keeps a live total.
func (t *Timing) reopen() {
	t.totalEnd = time.Time{}
}

func (t *Timing) reset() {
	t.phases = make(map[Phase]*span)
	t.totalStart = time.Time{}
	t.totalEnd = time.Time{}
}

// Report exports the ledger with durations in seconds.
func (t *Timing) Report() TimingReport {
	r := TimingReport{Phases: make(map[string]PhaseReport, len(t.phases))}
	if !t.totalStart.IsZero() {
		start := t.totalStart
		r.TotalStart = &start
		d := t.between(t.totalStart, t.totalEnd).Seconds()
		r.TotalDuration = &d
	}
	if !t.totalEnd.IsZero() {
		end := t.totalEnd
		r.TotalEnd = &end
	}
	for p, s := range t.phases {
		pr := PhaseReport{Start: s.start, Duration: t.between(s.start, s.end).Seconds()}
		if !s.end.IsZero() {
			end := s.end
			pr.End = &end
		}
		r.Phases[p.String()] = pr
	}
	return r
}

func (t *Timing) between(start, end time.Time) time.Duration {
	if end.IsZero() {
		end = t.clock()
	}
	return end.Sub(start)
}
