package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/models"
)

// stubToolchain records every call and can fail or block chosen phases.
type stubToolchain struct {
	mu       sync.Mutex
	ports    []string
	portsErr error
	calls    []string
	failures map[string]error // "<phase>:<port>" or "<phase>", consumed on use

	// blockBuild, when set, makes BuildFirmware announce itself on
	// buildStarted and wait until release is closed.
	blockBuild   bool
	buildStarted chan string
	release      chan struct{}

	inFlight    int
	maxInFlight int
}

func newStubToolchain() *stubToolchain {
	return &stubToolchain{
		failures:     make(map[string]error),
		buildStarted: make(chan string, 16),
		release:      make(chan struct{}),
	}
}

func (s *stubToolchain) failOnce(phase device.Phase, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[phase.String()] = err
}

func (s *stubToolchain) enter(phase device.Phase, port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.calls = append(s.calls, phase.String()+":"+port)
	if err, ok := s.failures[phase.String()]; ok {
		delete(s.failures, phase.String())
		return err
	}
	return nil
}

func (s *stubToolchain) leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
}

func (s *stubToolchain) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubToolchain) concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func (s *stubToolchain) DetectPorts(ctx context.Context) ([]string, error) {
	return s.ports, s.portsErr
}

func (s *stubToolchain) GetDeviceMAC(ctx context.Context, port string) (string, error) {
	defer s.leave()
	if err := s.enter(device.PhaseMACAcquisition, port); err != nil {
		return "", err
	}
	return macFor(port), nil
}

func (s *stubToolchain) RegisterDevice(ctx context.Context, req models.Registration) (string, string, error) {
	defer s.leave()
	if err := s.enter(device.PhaseDeviceRegistration, req.MACAddress); err != nil {
		return "", "", err
	}
	return "client-" + strings.ReplaceAll(req.MACAddress, ":", ""), "bind-key", nil
}

func (s *stubToolchain) UpdateConfig(ctx context.Context, workspace, clientID string) error {
	defer s.leave()
	return s.enter(device.PhaseConfigUpdate, filepath.Base(workspace))
}

func (s *stubToolchain) BuildFirmware(ctx context.Context, workspace string, skipClean bool, progress ProgressFunc) error {
	defer s.leave()
	if err := s.enter(device.PhaseFirmwareBuild, filepath.Base(workspace)); err != nil {
		return err
	}
	progress("Building firmware...")
	if s.blockBuild {
		s.buildStarted <- filepath.Base(workspace)
		<-s.release
	}
	return nil
}

func (s *stubToolchain) FlashFirmware(ctx context.Context, workspace, port string, progress ProgressFunc) error {
	defer s.leave()
	if err := s.enter(device.PhaseFirmwareFlash, port); err != nil {
		return err
	}
	progress("Hash of data verified.")
	return nil
}

func macFor(port string) string {
	n := 0
	for _, r := range port {
		n += int(r)
	}
	return fmt.Sprintf("24:0A:C4:00:%02X:%02X", (n>>8)&0xff, n&0xff)
}

// stubWorkspaces keeps workspaces in memory; the path base is the device id.
type stubWorkspaces struct {
	mu        sync.Mutex
	createErr error
	created   []string
	cleaned   []string
	snapshots map[string]models.DeviceSnapshot
}

func newStubWorkspaces() *stubWorkspaces {
	return &stubWorkspaces{snapshots: make(map[string]models.DeviceSnapshot)}
}

func (w *stubWorkspaces) Create(deviceID, port string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return "", w.createErr
	}
	path := filepath.Join("instances", deviceID)
	w.created = append(w.created, path)
	return path, nil
}

func (w *stubWorkspaces) Cleanup(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleaned = append(w.cleaned, path)
	return nil
}

func (w *stubWorkspaces) SaveSnapshot(path string, snap models.DeviceSnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshots[path] = snap
	return nil
}

func (w *stubWorkspaces) snapshot(path string) (models.DeviceSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.snapshots[path]
	return s, ok
}

// stubRecorder captures persisted outcomes.
type stubRecorder struct {
	mu       sync.Mutex
	outcomes []models.Outcome
	err      error
}

func (r *stubRecorder) Append(ctx context.Context, o models.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return r.err
}

func (r *stubRecorder) all() []models.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Outcome(nil), r.outcomes...)
}

var errBoom = errors.New("boom")

type testRig struct {
	m     *MultiDeviceManager
	tc    *stubToolchain
	ws    *stubWorkspaces
	rec   *stubRecorder
	stats *StatisticsCollector
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		tc:  newStubToolchain(),
		ws:  newStubWorkspaces(),
		rec: &stubRecorder{},
	}
	rig.stats = NewStatisticsCollector(100, rig.rec, nil)
	rig.m = NewMultiDeviceManager(ManagerConfig{
		PollInterval: 10 * time.Millisecond,
		StopTimeout:  5 * time.Second,
		WaitInterval: 10 * time.Millisecond,
		SkipClean:    true,
	}, rig.tc, rig.ws, rig.stats, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rig.m.Close(ctx)
	})
	return rig
}

func (r *testRig) add(t *testing.T, id, port string) *device.Instance {
	t.Helper()
	d, err := r.m.AddDevice(id, port)
	if err != nil {
		t.Fatalf("AddDevice(%s): %v", id, err)
	}
	return d
}

func (r *testRig) waitIdle(t *testing.T) {
	t.Helper()
	if !r.m.WaitForCompletion(5 * time.Second) {
		t.Fatalf("processing did not finish; queue=%d current=%q", r.m.QueueLength(), r.m.processor.Current())
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
