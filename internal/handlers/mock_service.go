package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/models"
	"device_provisioner/internal/service"
	"device_provisioner/internal/telemetry"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseOperator models.Operator
	parseErr      error

	lastSignUpUsername string
	lastSignUpPassword string
	lastGenUsername    string
	lastGenPassword    string
	lastParseToken     string
}

func (m *mockAuth) SignUp(_ context.Context, username, password string) (int, error) {
	m.lastSignUpUsername = username
	m.lastSignUpPassword = password
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(_ context.Context, username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (models.Operator, error) {
	m.lastParseToken = token
	return m.parseOperator, m.parseErr
}

// mockProvisioning keeps snapshots by id. err, when set, is returned by
// every call that can fail.
type mockProvisioning struct {
	devices map[string]device.Snapshot
	order   []string
	err     error

	detected   []device.Snapshot
	options    []device.RetryOption
	stats      service.Statistics
	waitResult bool
	queueLen   int
	started    int
	dequeued   int

	calls       []string
	operators   map[string]string
	lastPhase   device.Phase
	lastConfig  device.Config
	lastTimeout time.Duration
}

func newMockProvisioning(snaps ...device.Snapshot) *mockProvisioning {
	m := &mockProvisioning{devices: map[string]device.Snapshot{}, operators: map[string]string{}}
	for _, s := range snaps {
		m.devices[s.DeviceID] = s
		m.order = append(m.order, s.DeviceID)
	}
	return m
}

func (m *mockProvisioning) record(call string) { m.calls = append(m.calls, call) }

func (m *mockProvisioning) lookup(id string) (device.Snapshot, error) {
	if m.err != nil {
		return device.Snapshot{}, m.err
	}
	s, ok := m.devices[id]
	if !ok {
		return device.Snapshot{}, service.ErrDeviceNotFound
	}
	return s, nil
}

func (m *mockProvisioning) AddDevice(id, port string) (*device.Instance, error) {
	m.record("add:" + id)
	if m.err != nil {
		return nil, m.err
	}
	if id == "" {
		return nil, service.ErrInvalidDeviceID
	}
	d := device.New(id, port)
	m.devices[id] = d.Snapshot()
	m.order = append(m.order, id)
	return d, nil
}

func (m *mockProvisioning) RemoveDevice(id string) bool {
	m.record("remove:" + id)
	if _, ok := m.devices[id]; !ok {
		return false
	}
	delete(m.devices, id)
	return true
}

func (m *mockProvisioning) DeviceSnapshot(id string) (device.Snapshot, error) { return m.lookup(id) }

func (m *mockProvisioning) ListDevices() []device.Snapshot {
	out := []device.Snapshot{}
	for _, id := range m.order {
		if s, ok := m.devices[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (m *mockProvisioning) SetDeviceConfig(id string, cfg device.Config) error {
	m.record("config:" + id)
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.lastConfig = cfg
	s.Config = cfg
	m.devices[id] = s
	return nil
}

// SetDeviceOperator is kept out of calls so call sequences stay about the
// provisioning actions themselves.
func (m *mockProvisioning) SetDeviceOperator(id, operator string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.operators[id] = operator
	s.Operator = operator
	m.devices[id] = s
	return nil
}

func (m *mockProvisioning) DetectAndRegister(context.Context) ([]device.Snapshot, error) {
	m.record("detect")
	return m.detected, m.err
}

func (m *mockProvisioning) StartDeviceProcessing(id string) error {
	m.record("start:" + id)
	_, err := m.lookup(id)
	return err
}

func (m *mockProvisioning) StartAllDevicesProcessing() int { m.record("start-all"); return m.started }

func (m *mockProvisioning) StopDeviceProcessing(id string) error {
	m.record("stop:" + id)
	_, err := m.lookup(id)
	return err
}

func (m *mockProvisioning) StopAllProcessing() int { m.record("stop-all"); return m.dequeued }

func (m *mockProvisioning) WaitForCompletion(timeout time.Duration) bool {
	m.lastTimeout = timeout
	return m.waitResult
}

func (m *mockProvisioning) QueueLength() int                       { return m.queueLen }
func (m *mockProvisioning) ProcessorState() service.ProcessorState { return service.ProcessorStopped }
func (m *mockProvisioning) GetStatistics() service.Statistics      { return m.stats }

func (m *mockProvisioning) GetDeviceErrorDetails(id string) (service.ErrorReport, error) {
	s, err := m.lookup(id)
	if err != nil {
		return service.ErrorReport{}, err
	}
	return service.ErrorReport{DeviceID: id, Status: s.Status, ErrorMessage: s.ErrorMessage, FailedPhase: s.FailedPhase, RetryOptions: m.options}, nil
}

func (m *mockProvisioning) GetRetryOptions(id string) ([]device.RetryOption, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	return m.options, nil
}

func (m *mockProvisioning) RetryDeviceFromPhase(id string, phase device.Phase) error {
	m.record("retry_from:" + id)
	m.lastPhase = phase
	_, err := m.lookup(id)
	return err
}

func (m *mockProvisioning) RetryDeviceFull(id string) error {
	m.record("retry_full:" + id)
	_, err := m.lookup(id)
	return err
}

func (m *mockProvisioning) RetryDeviceCurrentPhase(id string) error {
	m.record("retry_current:" + id)
	_, err := m.lookup(id)
	return err
}

func (m *mockProvisioning) SkipPhaseAndContinue(id string, phase device.Phase) error {
	m.record("skip:" + id)
	m.lastPhase = phase
	_, err := m.lookup(id)
	return err
}

func (m *mockProvisioning) ResetDevice(id string) error {
	m.record("reset:" + id)
	_, err := m.lookup(id)
	return err
}

type mockHistory struct {
	rate     float64
	averages map[string]float64
	summary  service.PerformanceSummary
	recent   []service.HistoryEntry
	lastN    int
	cleared  bool
}

func (m *mockHistory) AverageTimes() map[string]float64               { return m.averages }
func (m *mockHistory) SuccessRate() float64                           { return m.rate }
func (m *mockHistory) PerformanceSummary() service.PerformanceSummary { return m.summary }
func (m *mockHistory) Clear()                                         { m.cleared = true }
func (m *mockHistory) RecentCompletions(n int) []service.HistoryEntry {
	m.lastN = n
	if n < len(m.recent) {
		return m.recent[len(m.recent)-n:]
	}
	return m.recent
}

type mockEventLog struct {
	resp         []models.ProvisioningEvent
	err          error
	lastFrom     time.Time
	lastTo       time.Time
	lastType     string
	lastDeviceID string
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]models.ProvisioningEvent, error) {
	m.lastFrom = f.From
	m.lastTo = f.To
	m.lastType = f.Type
	m.lastDeviceID = f.DeviceID
	return m.resp, m.err
}

type mockOutcomes struct {
	resp         []models.Outcome
	err          error
	lastDeviceID string
	lastLimit    int
}

func (m *mockOutcomes) ListOutcomes(ctx context.Context, deviceID string, limit int) ([]models.Outcome, error) {
	m.lastDeviceID = deviceID
	m.lastLimit = limit
	return m.resp, m.err
}

// fakeStream hands out one channel per subscriber and counts cancellations.
type fakeStream struct {
	mu        sync.Mutex
	ch        chan telemetry.Envelope
	cancelled int
}

func (f *fakeStream) Subscribe() (<-chan telemetry.Envelope, func()) {
	return f.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled++
	}
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
