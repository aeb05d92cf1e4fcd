package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/logger"

	"go.uber.org/zap/zapcore"
)

const (
	defaultPollInterval = time.Second
	defaultStopTimeout  = 10 * time.Second
	defaultWaitInterval = 500 * time.Millisecond

	messageQueued    = "queued for processing"
	messageCancelled = "processing cancelled"
)

// ManagerConfig tunes the manager and its queue worker.
type ManagerConfig struct {
	PollInterval    time.Duration
	StopTimeout     time.Duration
	WaitInterval    time.Duration
	SkipClean       bool
	CleanupOnRemove bool
	DeviceDefaults  device.Config
	NamePrefix      string
}

func (c *ManagerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = defaultWaitInterval
	}
}

// Statistics counts registered devices by state. The counts always add up
// to Total: queued devices are those waiting in the queue, pending devices
// are idle or cancelled ones that are not queued.
type Statistics struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Active    int `json:"active"`
	Queued    int `json:"queued"`
	Pending   int `json:"pending"`
}

// ErrorReport describes why a device failed and how it can recover.
type ErrorReport struct {
	DeviceID     string               `json:"device_id"`
	Status       device.Status        `json:"status"`
	ErrorMessage string               `json:"error_message"`
	FailedPhase  device.Phase         `json:"failed_phase"`
	RetryCount   int                  `json:"retry_count"`
	LastError    *device.ErrorDetails `json:"last_error_details"`
	RetryOptions []device.RetryOption `json:"retry_options"`
}

// MultiDeviceManager owns the device registry and the processing queue.
type MultiDeviceManager struct {
	cfg        ManagerConfig
	log        *logger.Logger
	toolchain  Toolchain
	workspaces Workspaces
	stats      *StatisticsCollector
	processor  *QueueProcessor
	pipeline   *pipeline

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	devices map[string]*device.Instance
	order   []string

	obsMu     sync.RWMutex
	observers []Observer
}

func NewMultiDeviceManager(cfg ManagerConfig, tc Toolchain, ws Workspaces, stats *StatisticsCollector, log *logger.Logger) *MultiDeviceManager {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	if stats == nil {
		stats = NewStatisticsCollector(0, nil, log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &MultiDeviceManager{
		cfg:        cfg,
		log:        log,
		toolchain:  tc,
		workspaces: ws,
		stats:      stats,
		ctx:        ctx,
		cancel:     cancel,
		devices:    make(map[string]*device.Instance),
	}
	m.pipeline = &pipeline{toolchain: tc, workspaces: ws, stats: stats, skipClean: cfg.SkipClean, log: log}
	m.processor = NewQueueProcessor(cfg.PollInterval, m.processDevice, log.Named("queue"))
	return m
}

// AddObserver subscribes o to events of every device.
func (m *MultiDeviceManager) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *MultiDeviceManager) Statistics() *StatisticsCollector { return m.stats }

// AddDevice registers a device. Adding an existing id returns the existing
// instance unchanged.
// AddDevice registers id on port. Adding an id that is already registered
// moves it to port and returns the existing instance.
func (m *MultiDeviceManager) AddDevice(id, port string) (*device.Instance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidDeviceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		m.log.Warnw("device already registered; updating port", "device_id", id, "port", port)
		d.SetPort(port)
		return d, nil
	}
	d := device.New(id, port,
		device.WithLogger(m.log.Named("device")),
		device.WithConfig(m.cfg.DeviceDefaults),
		device.WithNamePrefix(m.cfg.NamePrefix),
		device.WithCallbacks(m.callbacks()),
	)
	m.devices[id] = d
	m.order = append(m.order, id)
	m.log.Infow("device added", "device_id", id, "port", port)
	return d, nil
}

// RemoveDevice unregisters id. An in-flight device is cancelled and its
// current phase finishes in the background.
func (m *MultiDeviceManager) RemoveDevice(id string) bool {
	m.mu.Lock()
	d, ok := m.devices[id]
	if ok {
		delete(m.devices, id)
		m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.processor.Remove(id)
	if m.processor.Current() == id {
		d.Cancel()
		m.log.Infow("removed device is in flight; its current phase will finish", "device_id", id)
	} else if m.cfg.CleanupOnRemove {
		m.cleanupWorkspace(d)
	}
	m.log.Infow("device removed", "device_id", id)
	return true
}

func (m *MultiDeviceManager) GetDevice(id string) (*device.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// GetAllDevices returns the registered devices in insertion order.
func (m *MultiDeviceManager) GetAllDevices() []*device.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*device.Instance, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id])
	}
	return out
}

func (m *MultiDeviceManager) GetActiveDevices() []*device.Instance {
	var out []*device.Instance
	for _, d := range m.GetAllDevices() {
		if d.IsActive() {
			out = append(out, d)
		}
	}
	return out
}

// DeviceSnapshot returns a copy of the device record.
func (m *MultiDeviceManager) DeviceSnapshot(id string) (device.Snapshot, error) {
	d, err := m.lookup(id)
	if err != nil {
		return device.Snapshot{}, err
	}
	return d.Snapshot(), nil
}

// ListDevices returns snapshots of all devices in insertion order.
func (m *MultiDeviceManager) ListDevices() []device.Snapshot {
	all := m.GetAllDevices()
	out := make([]device.Snapshot, 0, len(all))
	for _, d := range all {
		out = append(out, d.Snapshot())
	}
	return out
}

// SetDeviceConfig overrides the registration config of an idle device.
func (m *MultiDeviceManager) SetDeviceConfig(id string, cfg device.Config) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if d.IsActive() {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, id)
	}
	d.SetConfig(cfg)
	return nil
}

// SetDeviceOperator attributes the next run of id to operator. The name is
// carried on the run's events and on its outcome. Only idle or failed
// devices that are neither queued nor in flight accept a new operator.
func (m *MultiDeviceManager) SetDeviceOperator(id, operator string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	// queue before current: pull moves the id from one to the other
	if m.processor.Contains(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}
	if d.IsActive() || m.processor.Current() == id {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, id)
	}
	if st := d.Status(); st != device.StatusIdle && st != device.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrCannotStart, id, st)
	}
	d.SetOperator(operator)
	return nil
}

// AutoDetectDevices lists the serial ports that look like attached boards.
func (m *MultiDeviceManager) AutoDetectDevices(ctx context.Context) ([]string, error) {
	ports, err := m.toolchain.DetectPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, ErrNoPortsFound
	}
	m.log.Infow("serial ports detected", "count", len(ports), "ports", ports)
	return ports, nil
}

// DetectAndRegister adds a device for every detected port that no
// registered device uses yet, and returns the new devices.
func (m *MultiDeviceManager) DetectAndRegister(ctx context.Context) ([]device.Snapshot, error) {
	ports, err := m.AutoDetectDevices(ctx)
	if err != nil {
		return nil, err
	}

	used := make(map[string]bool)
	for _, d := range m.GetAllDevices() {
		used[d.Port()] = true
	}

	added := []device.Snapshot{}
	for _, port := range ports {
		if used[port] {
			continue
		}
		id := DeviceIDForPort(port)
		if _, exists := m.GetDevice(id); exists {
			continue
		}
		d, err := m.AddDevice(id, port)
		if err != nil {
			return added, err
		}
		added = append(added, d.Snapshot())
	}
	return added, nil
}

// DeviceIDForPort derives a stable device id from a port name.
func DeviceIDForPort(port string) string {
	var b strings.Builder
	for _, r := range port {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return "device_" + strings.Trim(b.String(), "_")
}

// AddDeviceToQueue marks a startable device as queued and appends it to the
// queue. It does not start the worker.
func (m *MultiDeviceManager) AddDeviceToQueue(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !d.CanStart() {
		m.log.Warnw("device cannot be queued", "device_id", id, "status", d.Status())
		return fmt.Errorf("%w: %s is %s", ErrCannotStart, id, d.Status())
	}
	if m.processor.Contains(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}
	// status first: the worker may pull the id as soon as it is queued
	d.ClearCancelRequest()
	d.UpdateStatus(device.StatusIdle, 0, messageQueued)
	if !m.processor.Enqueue(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}
	m.log.Infow("device queued", "device_id", id, "queue_length", m.processor.Len())
	return nil
}

// StartDeviceProcessing queues id and makes sure the worker runs. While a
// stopping worker is still finishing its device the id stays queued for the
// next start.
func (m *MultiDeviceManager) StartDeviceProcessing(id string) error {
	if err := m.AddDeviceToQueue(id); err != nil {
		return err
	}
	m.ensureWorker()
	return nil
}

// StartAllDevicesProcessing queues every startable device in insertion
// order and returns how many were queued.
func (m *MultiDeviceManager) StartAllDevicesProcessing() int {
	n := 0
	for _, d := range m.GetAllDevices() {
		if !d.CanStart() || m.processor.Contains(d.ID()) {
			continue
		}
		if err := m.AddDeviceToQueue(d.ID()); err == nil {
			n++
		}
	}
	if n == 0 {
		m.log.Infow("no devices ready to start")
		return 0
	}
	m.ensureWorker()
	return n
}

func (m *MultiDeviceManager) ensureWorker() {
	started, err := m.processor.Start(m.ctx)
	if err != nil {
		m.log.Warnw("queue worker not started", "error", err, "queue_length", m.processor.Len())
		return
	}
	if started {
		m.log.Infow("queue worker started")
	}
}

// StopDeviceProcessing takes id out of the queue, or cancels it when it is
// in flight. The in-flight phase itself runs to completion.
func (m *MultiDeviceManager) StopDeviceProcessing(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.processor.Remove(id) {
		d.UpdateStatus(device.StatusIdle, 0, messageCancelled)
		m.log.Infow("device removed from queue", "device_id", id)
		return nil
	}
	// a pulled device may still be IDLE; Cancel records the request either way
	if (d.IsActive() || m.processor.Current() == id) && d.Cancel() {
		m.log.Infow("device cancelled; current phase will finish", "device_id", id)
	}
	return nil
}

// StopAllProcessing stops the worker, waiting up to the stop timeout, then
// returns every still-queued device to idle. It returns the number of
// devices taken out of the queue.
func (m *MultiDeviceManager) StopAllProcessing() int {
	if !m.processor.Stop(m.cfg.StopTimeout) {
		m.log.Warnw("queue worker still finishing its device", "device_id", m.processor.Current())
	}
	ids := m.processor.Drain()
	for _, id := range ids {
		if d, ok := m.GetDevice(id); ok {
			d.UpdateStatus(device.StatusIdle, 0, messageCancelled)
		}
	}
	m.log.Infow("processing stopped", "dequeued", len(ids))
	return len(ids)
}

// WaitForCompletion blocks until the queue is empty and nothing is in
// flight, or until timeout. A non-positive timeout waits indefinitely.
func (m *MultiDeviceManager) WaitForCompletion(timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	guard := time.NewTicker(m.cfg.WaitInterval)
	defer guard.Stop()

	for {
		if m.processor.Idle() {
			return true
		}
		select {
		case <-m.processor.Settled():
		case <-guard.C:
		case <-deadline:
			return m.processor.Idle()
		}
	}
}

// GetStatistics classifies every registered device exactly once.
func (m *MultiDeviceManager) GetStatistics() Statistics {
	queued := make(map[string]bool)
	for _, id := range m.processor.Queued() {
		queued[id] = true
	}

	var s Statistics
	for _, d := range m.GetAllDevices() {
		s.Total++
		switch st := d.Status(); {
		case st == device.StatusCompleted:
			s.Completed++
		case st == device.StatusFailed:
			s.Failed++
		case st.IsActive():
			s.Active++
		case queued[d.ID()]:
			s.Queued++
		default:
			s.Pending++
		}
	}
	return s
}

// QueueLength is the number of devices waiting for the worker.
func (m *MultiDeviceManager) QueueLength() int { return m.processor.Len() }

func (m *MultiDeviceManager) ProcessorState() ProcessorState { return m.processor.State() }

// GetRetryOptions lists recovery actions for a failed device.
func (m *MultiDeviceManager) GetRetryOptions(id string) ([]device.RetryOption, error) {
	d, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return d.RetryOptions(), nil
}

func (m *MultiDeviceManager) GetDeviceErrorDetails(id string) (ErrorReport, error) {
	d, err := m.lookup(id)
	if err != nil {
		return ErrorReport{}, err
	}
	s := d.Snapshot()
	return ErrorReport{
		DeviceID:     s.DeviceID,
		Status:       s.Status,
		ErrorMessage: s.ErrorMessage,
		FailedPhase:  s.FailedPhase,
		RetryCount:   s.RetryCount,
		LastError:    s.LastError,
		RetryOptions: d.RetryOptions(),
	}, nil
}

// RetryDeviceFromPhase restarts a failed device at phase.
func (m *MultiDeviceManager) RetryDeviceFromPhase(id string, phase device.Phase) error {
	d, err := m.retryable(id, phase)
	if err != nil {
		return err
	}
	d.ResetFromPhase(phase)
	return m.StartDeviceProcessing(id)
}

// RetryDeviceFull restarts a failed device from the first phase.
func (m *MultiDeviceManager) RetryDeviceFull(id string) error {
	return m.RetryDeviceFromPhase(id, device.PhaseMACAcquisition)
}

// RetryDeviceCurrentPhase restarts a failed device at the phase that failed,
// or from the beginning when that phase is unknown.
func (m *MultiDeviceManager) RetryDeviceCurrentPhase(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	p := d.FailedPhase()
	if p == device.PhaseNone {
		p = device.PhaseMACAcquisition
	}
	return m.RetryDeviceFromPhase(id, p)
}

// SkipPhaseAndContinue resumes a failed device at the phase after phase.
func (m *MultiDeviceManager) SkipPhaseAndContinue(id string, phase device.Phase) error {
	d, err := m.retryable(id, phase)
	if err != nil {
		return err
	}
	next, ok := phase.Next()
	if !ok {
		return fmt.Errorf("%w: %s", ErrLastPhase, phase)
	}
	d.ResetFromPhase(next)
	m.log.Infow("phase skipped", "device_id", id, "skipped", phase, "next", next)
	return m.StartDeviceProcessing(id)
}

// ResetDevice returns a device that is not being processed to idle.
func (m *MultiDeviceManager) ResetDevice(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if d.IsActive() || m.processor.Current() == id {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, id)
	}
	m.processor.Remove(id)
	d.Reset()
	return nil
}

// Close stops processing, cancels running tool invocations and, when
// configured, removes every device workspace.
func (m *MultiDeviceManager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.StopAllProcessing()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	m.cancel()

	if m.cfg.CleanupOnRemove {
		for _, d := range m.GetAllDevices() {
			m.cleanupWorkspace(d)
		}
	}
	return ctx.Err()
}

func (m *MultiDeviceManager) retryable(id string, phase device.Phase) (*device.Instance, error) {
	d, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !phase.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPhase, phase)
	}
	if !d.IsFailed() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, d.Status())
	}
	if !d.CanRetryFromPhase(phase) {
		return nil, fmt.Errorf("%w: %s failed at %s", ErrPhaseNotAllowed, id, d.FailedPhase())
	}
	return d, nil
}

func (m *MultiDeviceManager) lookup(id string) (*device.Instance, error) {
	d, ok := m.GetDevice(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

func (m *MultiDeviceManager) cleanupWorkspace(d *device.Instance) {
	path := d.Snapshot().WorkspacePath
	if path == "" || m.workspaces == nil {
		return
	}
	if err := m.workspaces.Cleanup(path); err != nil {
		m.log.Warnw("workspace cleanup failed", "device_id", d.ID(), "path", path, "error", err)
		return
	}
	d.SetWorkspace("")
}

// processDevice is the queue worker's handler for one pulled id.
func (m *MultiDeviceManager) processDevice(ctx context.Context, id string, stop <-chan struct{}) {
	d, ok := m.GetDevice(id)
	if !ok {
		m.log.Warnw("queued device no longer registered", "device_id", id)
		return
	}
	if !d.CanStart() {
		m.log.Warnw("skipping device that cannot start", "device_id", id, "status", d.Status())
		return
	}
	m.log.Infow("processing device", "device_id", id, "port", d.Port())
	m.pipeline.Run(ctx, d, stop)
	m.log.Infow("device processing finished", "device_id", id, "status", d.Status())
}

func (m *MultiDeviceManager) callbacks() device.Callbacks {
	return device.Callbacks{
		StatusChanged: func(s device.Snapshot, old, new device.Status) {
			m.each(func(o Observer) { o.OnDeviceStatusChanged(s, old, new) })
		},
		Progress: func(s device.Snapshot, progress int, message string) {
			m.each(func(o Observer) { o.OnDeviceProgress(s, progress, message) })
		},
		Log: func(s device.Snapshot, message string, level zapcore.Level) {
			m.each(func(o Observer) { o.OnDeviceLog(s, message, level) })
		},
	}
}

func (m *MultiDeviceManager) each(fn func(Observer)) {
	m.obsMu.RLock()
	obs := m.observers
	m.obsMu.RUnlock()
	for _, o := range obs {
		m.safely(o, fn)
	}
}

func (m *MultiDeviceManager) safely(o Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("observer panicked", "observer", fmt.Sprintf("%T", o), "panic", r)
		}
	}()
	fn(o)
}
