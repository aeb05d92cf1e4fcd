package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"device_provisioner/internal/logger"

	"go.uber.org/zap/zapcore"
)

// Defaults applied to new devices.
const (
	DefaultClientType    = "esp32"
	DefaultDeviceVersion = "1.0.0"
	defaultNamePrefix    = "device"

	messageReady = "ready"
)

// Config is the registration triple sent to the device backend.
type Config struct {
	ClientType    string `json:"client_type"`
	DeviceName    string `json:"device_name"`
	DeviceVersion string `json:"device_version"`
}

// ErrorDetails is captured every time a device records an error.
type ErrorDetails struct {
	Message     string       `json:"error_message"`
	FailedPhase Phase        `json:"failed_phase"`
	RetryCount  int          `json:"retry_count"`
	Status      Status       `json:"status"`
	OccurredAt  time.Time    `json:"occurred_at"`
	Timing      TimingReport `json:"timing_statistics"`
}

// Snapshot is an immutable copy of a device's record.
type Snapshot struct {
	DeviceID        string        `json:"device_id"`
	Port            string        `json:"port"`
	MACAddress      string        `json:"mac_address"`
	ClientID        string        `json:"client_id"`
	BindKey         string        `json:"bind_key"`
	WorkspacePath   string        `json:"workspace_path"`
	Config          Config        `json:"config"`
	Status          Status        `json:"status"`
	Progress        int           `json:"progress"`
	ProgressMessage string        `json:"progress_message"`
	ErrorMessage    string        `json:"error_message"`
	FailedPhase     Phase         `json:"failed_phase"`
	RetryCount      int           `json:"retry_count"`
	LastError       *ErrorDetails `json:"last_error_details,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at"`
	Timing          TimingReport  `json:"timing_statistics"`
	Operator        string        `json:"operator,omitempty"`
}

// Callbacks are invoked with the device lock held. They receive a snapshot
// and must not call back into the same Instance.
type Callbacks struct {
	StatusChanged func(d Snapshot, old, new Status)
	Progress      func(d Snapshot, progress int, message string)
	Log           func(d Snapshot, message string, level zapcore.Level)
}

// Option customizes a new Instance.
type Option func(*Instance)

func WithLogger(log *logger.Logger) Option {
	return func(d *Instance) {
		if log != nil {
			d.log = log
		}
	}
}

func WithCallbacks(cb Callbacks) Option {
	return func(d *Instance) { d.callbacks = cb }
}

func WithClock(clock func() time.Time) Option {
	return func(d *Instance) {
		if clock != nil {
			d.clock = clock
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(d *Instance) { d.applyConfig(cfg) }
}

// WithNamePrefix sets the prefix of the device name derived from the MAC.
func WithNamePrefix(prefix string) Option {
	return func(d *Instance) {
		if prefix != "" {
			d.namePrefix = prefix
		}
	}
}

// Instance owns one device record and its state machine. All field access
// goes through mu.
type Instance struct {
	id string

	mu              sync.Mutex
	port            string
	macAddress      string
	clientID        string
	bindKey         string
	workspacePath   string
	config          Config
	status          Status
	progress        int
	progressMessage string
	errorMessage    string
	failedPhase     Phase
	retryCount      int
	lastError       *ErrorDetails
	createdAt       time.Time
	startedAt       time.Time
	completedAt     time.Time
	resumeFrom      Phase
	cancelRequested bool
	operator        string
	timing          *Timing

	namePrefix string
	callbacks  Callbacks
	log        *logger.Logger
	clock      func() time.Time
}

// New creates an idle device bound to port.
func New(id, port string, opts ...Option) *Instance {
	d := &Instance{
		id:              id,
		port:            port,
		status:          StatusIdle,
		progressMessage: messageReady,
		config:          Config{ClientType: DefaultClientType, DeviceVersion: DefaultDeviceVersion},
		namePrefix:      defaultNamePrefix,
		log:             logger.Nop(),
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.createdAt = d.clock()
	d.timing = NewTiming(d.clock)
	d.log.Debugw("device created", "device_id", id, "port", port)
	return d
}

func (d *Instance) ID() string { return d.id }

func (d *Instance) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("Device(%s, %s, %s)", d.id, d.port, d.status)
}

// SetCallbacks replaces the callback set.
func (d *Instance) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = cb
}

func (d *Instance) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Instance) Port() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

func (d *Instance) SetPort(port string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.port = port
}

// Operator is who started the current or last run; empty for runs not
// started through the API.
func (d *Instance) Operator() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.operator
}

func (d *Instance) SetOperator(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.operator = name
}

func (d *Instance) FailedPhase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failedPhase
}

func (d *Instance) RetryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retryCount
}

func (d *Instance) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// SetConfig overrides the non-empty fields of cfg.
func (d *Instance) SetConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyConfig(cfg)
}

func (d *Instance) applyConfig(cfg Config) {
	if cfg.ClientType != "" {
		d.config.ClientType = cfg.ClientType
	}
	if cfg.DeviceName != "" {
		d.config.DeviceName = cfg.DeviceName
	}
	if cfg.DeviceVersion != "" {
		d.config.DeviceVersion = cfg.DeviceVersion
	}
}

// LastError returns a copy of the most recent error details, if any.
func (d *Instance) LastError() *ErrorDetails {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastError == nil {
		return nil
	}
	cp := *d.lastError
	return &cp
}

// Snapshot copies the whole record.
func (d *Instance) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Instance) snapshotLocked() Snapshot {
	s := Snapshot{
		DeviceID:        d.id,
		Port:            d.port,
		MACAddress:      d.macAddress,
		ClientID:        d.clientID,
		BindKey:         d.bindKey,
		WorkspacePath:   d.workspacePath,
		Config:          d.config,
		Status:          d.status,
		Progress:        d.progress,
		ProgressMessage: d.progressMessage,
		ErrorMessage:    d.errorMessage,
		FailedPhase:     d.failedPhase,
		RetryCount:      d.retryCount,
		CreatedAt:       d.createdAt,
		StartedAt:       timePtr(d.startedAt),
		CompletedAt:     timePtr(d.completedAt),
		Timing:          d.timing.Report(),
		Operator:        d.operator,
	}
	if d.lastError != nil {
		cp := *d.lastError
		s.LastError = &cp
	}
	return s
}

// UpdateStatus moves the device to status with the given progress (clamped
// to [0,100]) and message, then notifies the status callback.
func (d *Instance) UpdateStatus(status Status, progress int, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = clampProgress(progress)
	d.progressMessage = message
	d.transitionLocked(status)
}

// SetStatus changes only the status.
func (d *Instance) SetStatus(status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitionLocked(status)
}

func (d *Instance) transitionLocked(status Status) {
	old := d.status
	d.status = status
	if status != old {
		now := d.clock()
		if old == StatusIdle && status.IsActive() && d.startedAt.IsZero() {
			d.startedAt = now
		}
		if status.IsTerminal() {
			d.completedAt = now
		}
	}
	d.log.Debugw("device status updated", "device_id", d.id, "from", old, "to", status)

	if cb := d.callbacks.StatusChanged; cb != nil {
		snap := d.snapshotLocked()
		d.guard("status", func() { cb(snap, old, status) })
	}
}

// UpdateProgress sets progress and, when non-empty, the progress message.
func (d *Instance) UpdateProgress(progress int, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = clampProgress(progress)
	if message != "" {
		d.progressMessage = message
	}
	if cb := d.callbacks.Progress; cb != nil {
		snap := d.snapshotLocked()
		p, m := d.progress, d.progressMessage
		d.guard("progress", func() { cb(snap, p, m) })
	}
}

// Log writes a device-scoped message and forwards it to the log callback.
func (d *Instance) Log(message string, level zapcore.Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logLocked(message, level)
}

func (d *Instance) logLocked(message string, level zapcore.Level) {
	prefixed := "[" + d.id + "] " + message
	switch {
	case level >= zapcore.ErrorLevel:
		d.log.Errorw(prefixed, "device_id", d.id)
	case level == zapcore.WarnLevel:
		d.log.Warnw(prefixed, "device_id", d.id)
	case level == zapcore.InfoLevel:
		d.log.Infow(prefixed, "device_id", d.id)
	default:
		d.log.Debugw(prefixed, "device_id", d.id)
	}
	if cb := d.callbacks.Log; cb != nil {
		snap := d.snapshotLocked()
		d.guard("log", func() { cb(snap, prefixed, level) })
	}
}

// SetError records a failure and moves the device to FAILED. A PhaseNone
// failed phase defaults to the phase currently open in the timing ledger.
func (d *Instance) SetError(message string, failed Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if failed == PhaseNone {
		failed = d.timing.CurrentPhase()
	}
	d.errorMessage = message
	d.failedPhase = failed
	d.lastError = &ErrorDetails{
		Message:     message,
		FailedPhase: failed,
		RetryCount:  d.retryCount,
		Status:      d.status,
		OccurredAt:  d.clock(),
		Timing:      d.timing.Report(),
	}
	d.progressMessage = "error: " + message
	d.transitionLocked(StatusFailed)
	d.logLocked("error: "+message, zapcore.ErrorLevel)
}

// SetMACAddress stores the MAC and derives a device name if none is set.
func (d *Instance) SetMACAddress(mac string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.macAddress = mac
	if d.config.DeviceName == "" {
		d.config.DeviceName = deriveName(d.namePrefix, mac)
	}
	d.logLocked("mac address acquired: "+mac, zapcore.InfoLevel)
}

// SetClientInfo stores the registration result. An empty bind key keeps the old one.
func (d *Instance) SetClientInfo(clientID, bindKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clientID = clientID
	if bindKey != "" {
		d.bindKey = bindKey
	}
	d.logLocked("registered with client id "+clientID, zapcore.InfoLevel)
}

func (d *Instance) SetWorkspace(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workspacePath = path
	d.logLocked("workspace set: "+path, zapcore.DebugLevel)
}

func (d *Instance) StartPhase(p Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timing.StartPhase(p)
}

func (d *Instance) EndPhase(p Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timing.EndPhase(p)
}

// CompleteTiming closes the timing ledger.
func (d *Instance) CompleteTiming() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timing.Complete()
}

func (d *Instance) CurrentPhase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timing.CurrentPhase()
}

func (d *Instance) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.IsActive()
}

func (d *Instance) IsCompleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status == StatusCompleted
}

func (d *Instance) IsFailed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status == StatusFailed
}

// CanStart reports whether the device may enter the queue.
func (d *Instance) CanStart() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return (d.status == StatusIdle || d.status == StatusFailed) && d.port != ""
}

// CanRetryFromPhase reports whether a failed device may restart at p.
// When the failed phase is unknown every phase is allowed.
func (d *Instance) CanRetryFromPhase(p Phase) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != StatusFailed {
		return false
	}
	if d.failedPhase == PhaseNone {
		return true
	}
	return p <= d.failedPhase
}

// ResetFromPhase prepares a failed device to run again starting at p.
// Data produced by p and later phases is cleared.
func (d *Instance) ResetFromPhase(p Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !p.Valid() {
		p = PhaseMACAcquisition
	}
	d.errorMessage = ""
	d.failedPhase = PhaseNone
	d.retryCount++
	d.progress = 0
	d.progressMessage = "preparing retry from phase " + p.String()
	d.completedAt = time.Time{}
	d.resumeFrom = p
	d.cancelRequested = false
	d.timing.reopen()

	switch p {
	case PhaseMACAcquisition:
		d.macAddress = ""
		d.clientID = ""
		d.bindKey = ""
		d.config.DeviceName = ""
	case PhaseDeviceRegistration:
		d.clientID = ""
		d.bindKey = ""
	}

	d.transitionLocked(StatusIdle)
	d.logLocked(fmt.Sprintf("reset for retry from %s (retry #%d)", p, d.retryCount), zapcore.InfoLevel)
}

// ResumePhase is the phase the next run starts from.
func (d *Instance) ResumePhase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resumeFrom == PhaseNone {
		return PhaseMACAcquisition
	}
	return d.resumeFrom
}

// TakeResumePhase returns the resume phase and clears it so the following
// run starts from the beginning again.
func (d *Instance) TakeResumePhase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.resumeFrom
	d.resumeFrom = PhaseNone
	if p == PhaseNone {
		return PhaseMACAcquisition
	}
	return p
}

// RetryOptions lists the recovery choices for a failed device, reset last.
func (d *Instance) RetryOptions() []RetryOption {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != StatusFailed {
		return []RetryOption{}
	}
	opts := retryOptionsFor(d.failedPhase)
	return append(opts, RetryOption{Action: ActionReset, Phase: PhaseNone, Label: "reset device"})
}

// Cancel records a cancel request and moves an active device to CANCELLED.
// The request also holds for a device that was pulled for processing but
// has not left IDLE yet; the next Advance or BeginPhase honours it. It
// reports whether anything changed.
func (d *Instance) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := !d.cancelRequested
	d.cancelRequested = true
	if d.status.IsActive() {
		d.cancelLocked()
		return true
	}
	return changed
}

func (d *Instance) cancelLocked() {
	d.progressMessage = "operation cancelled"
	d.transitionLocked(StatusCancelled)
	d.logLocked("operation cancelled", zapcore.InfoLevel)
}

// CancelRequested reports whether Cancel was called since the device was
// last queued.
func (d *Instance) CancelRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelRequested || d.status == StatusCancelled
}

// ClearCancelRequest drops a pending cancel request. It is called when the
// device is queued for a new run.
func (d *Instance) ClearCancelRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelRequested = false
}

// Advance moves the device to status unless a cancel was requested, in
// which case the device ends up CANCELLED and Advance returns false.
func (d *Instance) Advance(status Status, progress int, message string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advanceLocked(status, progress, message)
}

func (d *Instance) advanceLocked(status Status, progress int, message string) bool {
	if d.cancelRequested || d.status == StatusCancelled {
		if d.status != StatusCancelled {
			d.cancelLocked()
		}
		return false
	}
	d.progress = clampProgress(progress)
	d.progressMessage = message
	d.transitionLocked(status)
	return true
}

// BeginPhase moves the device to the working status of p and starts its
// timer in one step. It returns false, without starting p, when a cancel
// was requested.
func (d *Instance) BeginPhase(p Phase, message string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.advanceLocked(p.WorkingStatus(), p.Progress(), message) {
		return false
	}
	d.timing.StartPhase(p)
	return true
}

// MarkCompleted closes the timing ledger and moves the device to COMPLETED
// unless a cancel was requested.
func (d *Instance) MarkCompleted(message string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelRequested || d.status == StatusCancelled {
		return false
	}
	d.timing.Complete()
	return d.advanceLocked(StatusCompleted, 100, message)
}

// Reset returns the device to a fresh idle state. Registration data and
// retry count are kept.
func (d *Instance) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = 0
	d.progressMessage = messageReady
	d.errorMessage = ""
	d.failedPhase = PhaseNone
	d.startedAt = time.Time{}
	d.completedAt = time.Time{}
	d.resumeFrom = PhaseNone
	d.cancelRequested = false
	d.timing.reset()
	d.transitionLocked(StatusIdle)
	d.logLocked("device state reset", zapcore.InfoLevel)
}

func (d *Instance) guard(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("device callback panicked", "device_id", d.id, "callback", kind, "panic", r)
		}
	}()
	fn()
}

func deriveName(prefix, mac string) string {
	hex := strings.ReplaceAll(mac, ":", "")
	if len(hex) > 4 {
		hex = hex[len(hex)-4:]
	}
	return prefix + "-" + hex
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
