package device

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func newTestDevice(t *testing.T, opts ...Option) (*Instance, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New("dev-1", "/dev/ttyUSB0", opts...), clk
}

// failAt drives a device into FAILED inside phase p.
func failAt(d *Instance, p Phase) {
	d.UpdateStatus(StatusDetecting, 0, "start")
	for _, ph := range Phases() {
		d.StartPhase(ph)
		d.UpdateStatus(ph.WorkingStatus(), ph.Progress(), "run "+ph.String())
		if ph == p {
			d.SetError("boom in "+p.String(), PhaseNone)
			return
		}
		d.EndPhase(ph)
	}
}

func TestNew_Defaults(t *testing.T) {
	d, _ := newTestDevice(t)
	s := d.Snapshot()
	if s.Status != StatusIdle || s.Progress != 0 || s.RetryCount != 0 {
		t.Fatalf("unexpected initial state: %+v", s)
	}
	if s.Config.ClientType != DefaultClientType || s.Config.DeviceVersion != DefaultDeviceVersion {
		t.Fatalf("unexpected default config: %+v", s.Config)
	}
	if s.StartedAt != nil || s.CompletedAt != nil {
		t.Fatalf("timestamps should be unset")
	}
}

func TestUpdateStatus_ClampsProgressAndStamps(t *testing.T) {
	d, clk := newTestDevice(t)

	d.UpdateStatus(StatusDetecting, 150, "go")
	s := d.Snapshot()
	if s.Progress != 100 {
		t.Fatalf("progress = %d, want clamp to 100", s.Progress)
	}
	if s.StartedAt == nil || !s.StartedAt.Equal(clk.Now()) {
		t.Fatalf("started_at not stamped on leaving idle")
	}

	d.UpdateStatus(StatusMACGetting, -20, "mac")
	if got := d.Snapshot().Progress; got != 0 {
		t.Fatalf("progress = %d, want clamp to 0", got)
	}

	clk.Advance(time.Minute)
	d.UpdateStatus(StatusCompleted, 100, "done")
	s = d.Snapshot()
	if s.CompletedAt == nil || !s.CompletedAt.Equal(clk.Now()) {
		t.Fatalf("completed_at not stamped on terminal status")
	}
	if s.StartedAt.Equal(*s.CompletedAt) {
		t.Fatalf("started_at must not move on later transitions")
	}
}

func TestUpdateStatus_CallbackPanicIsContained(t *testing.T) {
	calls := 0
	d, _ := newTestDevice(t, WithCallbacks(Callbacks{
		StatusChanged: func(Snapshot, Status, Status) {
			calls++
			panic("observer bug")
		},
	}))

	d.UpdateStatus(StatusDetecting, 5, "x")
	d.UpdateStatus(StatusMACGetting, 10, "y")

	if calls != 2 {
		t.Fatalf("callback calls = %d, want 2", calls)
	}
	if s := d.Snapshot(); s.Status != StatusMACGetting || s.Progress != 10 {
		t.Fatalf("state corrupted after callback panic: %+v", s)
	}
}

func TestCallbacks_ReceiveOldAndNewStatus(t *testing.T) {
	var got [][2]Status
	var progress []int
	var logs []string
	d, _ := newTestDevice(t, WithCallbacks(Callbacks{
		StatusChanged: func(s Snapshot, old, new Status) {
			if s.Status != new {
				t.Errorf("snapshot status %q != new %q", s.Status, new)
			}
			got = append(got, [2]Status{old, new})
		},
		Progress: func(_ Snapshot, p int, _ string) { progress = append(progress, p) },
		Log:      func(_ Snapshot, msg string, _ zapcore.Level) { logs = append(logs, msg) },
	}))

	d.UpdateStatus(StatusDetecting, 0, "")
	d.UpdateProgress(42, "halfway")
	d.Log("hello", zapcore.InfoLevel)

	want := [][2]Status{{StatusIdle, StatusDetecting}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("status transitions = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(progress, []int{42}) {
		t.Fatalf("progress calls = %v", progress)
	}
	if len(logs) != 1 || logs[0] != "[dev-1] hello" {
		t.Fatalf("log calls = %v", logs)
	}
}

func TestSetError_DefaultsFailedPhaseToCurrent(t *testing.T) {
	d, _ := newTestDevice(t)
	failAt(d, PhaseFirmwareBuild)

	s := d.Snapshot()
	if s.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", s.Status)
	}
	if s.FailedPhase != PhaseFirmwareBuild {
		t.Fatalf("failed phase = %v, want firmware_build", s.FailedPhase)
	}
	if s.ErrorMessage != "boom in firmware_build" {
		t.Fatalf("error message = %q", s.ErrorMessage)
	}
	if s.LastError == nil || s.LastError.Status != StatusBuilding || s.LastError.RetryCount != 0 {
		t.Fatalf("unexpected error details: %+v", s.LastError)
	}
}

func TestSetError_ExplicitPhaseWins(t *testing.T) {
	d, _ := newTestDevice(t)
	d.StartPhase(PhaseFirmwareFlash)
	d.SetError("explicit", PhaseConfigUpdate)
	if got := d.FailedPhase(); got != PhaseConfigUpdate {
		t.Fatalf("failed phase = %v, want config_update", got)
	}
}

func TestCanStart(t *testing.T) {
	d, _ := newTestDevice(t)
	if !d.CanStart() {
		t.Fatalf("idle device with port should start")
	}
	d.UpdateStatus(StatusBuilding, 70, "")
	if d.CanStart() {
		t.Fatalf("active device must not start")
	}
	d.SetError("x", PhaseFirmwareBuild)
	if !d.CanStart() {
		t.Fatalf("failed device should be startable")
	}

	noPort := New("dev-2", "")
	if noPort.CanStart() {
		t.Fatalf("device without port must not start")
	}
}

func TestStatusPredicates(t *testing.T) {
	d, _ := newTestDevice(t)
	d.UpdateStatus(StatusFlashing, 90, "")
	if !d.IsActive() || d.IsCompleted() || d.IsFailed() {
		t.Fatalf("flashing should be active only")
	}
	d.UpdateStatus(StatusCompleted, 100, "")
	if d.IsActive() || !d.IsCompleted() {
		t.Fatalf("completed predicates wrong")
	}
}

func TestCanRetryFromPhase(t *testing.T) {
	d, _ := newTestDevice(t)
	for _, p := range Phases() {
		if d.CanRetryFromPhase(p) {
			t.Fatalf("idle device must not allow retry from %v", p)
		}
	}

	failAt(d, PhaseConfigUpdate)
	cases := map[Phase]bool{
		PhaseMACAcquisition:     true,
		PhaseDeviceRegistration: true,
		PhaseConfigUpdate:       true,
		PhaseFirmwareBuild:      false,
		PhaseFirmwareFlash:      false,
	}
	for p, want := range cases {
		if got := d.CanRetryFromPhase(p); got != want {
			t.Errorf("CanRetryFromPhase(%v) = %v, want %v", p, got, want)
		}
	}
}

// Unknown failed phase is permissive; this pins the existing behaviour.
func TestCanRetryFromPhase_UnknownFailedPhaseAllowsEverything(t *testing.T) {
	d, _ := newTestDevice(t)
	d.SetError("no phase open", PhaseNone)
	if d.FailedPhase() != PhaseNone {
		t.Fatalf("expected unknown failed phase")
	}
	for _, p := range Phases() {
		if !d.CanRetryFromPhase(p) {
			t.Errorf("expected permissive retry from %v", p)
		}
	}
}

func TestResetFromPhase_ClearsDownstreamData(t *testing.T) {
	tests := []struct {
		phase        Phase
		wantMAC      string
		wantClientID string
		wantBindKey  string
		wantName     string
	}{
		{PhaseMACAcquisition, "", "", "", ""},
		{PhaseDeviceRegistration, "aa:bb:cc:dd:ee:ff", "", "", "device-eeff"},
		{PhaseConfigUpdate, "aa:bb:cc:dd:ee:ff", "cid", "bk", "device-eeff"},
		{PhaseFirmwareBuild, "aa:bb:cc:dd:ee:ff", "cid", "bk", "device-eeff"},
		{PhaseFirmwareFlash, "aa:bb:cc:dd:ee:ff", "cid", "bk", "device-eeff"},
	}
	for _, tc := range tests {
		t.Run(tc.phase.String(), func(t *testing.T) {
			d, _ := newTestDevice(t)
			d.SetMACAddress("aa:bb:cc:dd:ee:ff")
			d.SetClientInfo("cid", "bk")
			failAt(d, PhaseFirmwareFlash)

			d.ResetFromPhase(tc.phase)
			s := d.Snapshot()
			if s.Status != StatusIdle || s.ErrorMessage != "" || s.FailedPhase != PhaseNone {
				t.Fatalf("error state not cleared: %+v", s)
			}
			if s.Progress != 0 || s.ProgressMessage != "preparing retry from phase "+tc.phase.String() {
				t.Fatalf("unexpected progress: %d %q", s.Progress, s.ProgressMessage)
			}
			if s.MACAddress != tc.wantMAC || s.ClientID != tc.wantClientID || s.BindKey != tc.wantBindKey {
				t.Fatalf("unexpected data: mac=%q cid=%q bk=%q", s.MACAddress, s.ClientID, s.BindKey)
			}
			if s.Config.DeviceName != tc.wantName {
				t.Fatalf("device name = %q, want %q", s.Config.DeviceName, tc.wantName)
			}
			if s.CompletedAt != nil {
				t.Fatalf("completed_at should be cleared")
			}
			if got := d.ResumePhase(); got != tc.phase {
				t.Fatalf("resume phase = %v, want %v", got, tc.phase)
			}
		})
	}
}

func TestResetFromPhase_RetryCountMonotonic(t *testing.T) {
	d, _ := newTestDevice(t)
	for i := 1; i <= 3; i++ {
		failAt(d, PhaseFirmwareFlash)
		d.ResetFromPhase(PhaseFirmwareFlash)
		if got := d.RetryCount(); got != i {
			t.Fatalf("retry count = %d, want %d", got, i)
		}
	}
}

func TestTakeResumePhase_ConsumesOnce(t *testing.T) {
	d, _ := newTestDevice(t)
	if got := d.TakeResumePhase(); got != PhaseMACAcquisition {
		t.Fatalf("default resume = %v", got)
	}
	failAt(d, PhaseFirmwareBuild)
	d.ResetFromPhase(PhaseFirmwareBuild)
	if got := d.TakeResumePhase(); got != PhaseFirmwareBuild {
		t.Fatalf("resume = %v, want firmware_build", got)
	}
	if got := d.TakeResumePhase(); got != PhaseMACAcquisition {
		t.Fatalf("second take = %v, want mac_acquisition", got)
	}
}

func TestRetryOptions_Table(t *testing.T) {
	type opt struct {
		action RetryAction
		phase  Phase
	}
	tests := []struct {
		failed Phase
		want   []opt
	}{
		{PhaseMACAcquisition, []opt{
			{ActionRetryCurrent, PhaseMACAcquisition},
			{ActionRetryFull, PhaseMACAcquisition},
			{ActionReset, PhaseNone},
		}},
		{PhaseDeviceRegistration, []opt{
			{ActionRetryCurrent, PhaseDeviceRegistration},
			{ActionRetryFrom, PhaseMACAcquisition},
			{ActionRetryFull, PhaseMACAcquisition},
			{ActionReset, PhaseNone},
		}},
		{PhaseConfigUpdate, []opt{
			{ActionRetryCurrent, PhaseConfigUpdate},
			{ActionRetryFrom, PhaseDeviceRegistration},
			{ActionRetryFull, PhaseMACAcquisition},
			{ActionSkipContinue, PhaseFirmwareBuild},
			{ActionReset, PhaseNone},
		}},
		{PhaseFirmwareBuild, []opt{
			{ActionRetryCurrent, PhaseFirmwareBuild},
			{ActionRetryFrom, PhaseConfigUpdate},
			{ActionRetryFull, PhaseMACAcquisition},
			{ActionReset, PhaseNone},
		}},
		{PhaseFirmwareFlash, []opt{
			{ActionRetryCurrent, PhaseFirmwareFlash},
			{ActionRetryFrom, PhaseFirmwareBuild},
			{ActionRetryFull, PhaseMACAcquisition},
			{ActionReset, PhaseNone},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.failed.String(), func(t *testing.T) {
			d, _ := newTestDevice(t)
			failAt(d, tc.failed)
			var got []opt
			for _, o := range d.RetryOptions() {
				got = append(got, opt{o.Action, o.Phase})
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("options = %v, want %v", got, tc.want)
			}
		})
	}

	t.Run("unknown phase", func(t *testing.T) {
		d, _ := newTestDevice(t)
		d.SetError("x", PhaseNone)
		opts := d.RetryOptions()
		if len(opts) != 2 || opts[0].Action != ActionRetryFull || opts[1].Action != ActionReset {
			t.Fatalf("unexpected options: %+v", opts)
		}
	})

	t.Run("not failed", func(t *testing.T) {
		d, _ := newTestDevice(t)
		if opts := d.RetryOptions(); opts == nil || len(opts) != 0 {
			t.Fatalf("expected empty non-nil list, got %#v", opts)
		}
	})
}

func TestCancelAndReset(t *testing.T) {
	d, _ := newTestDevice(t)
	if !d.Cancel() || d.Status() != StatusIdle || !d.CancelRequested() {
		t.Fatalf("idle device should record the request and stay idle")
	}
	if d.Cancel() {
		t.Fatalf("second cancel of an idle device should change nothing")
	}
	d.ClearCancelRequest()
	d.StartPhase(PhaseMACAcquisition)
	d.UpdateStatus(StatusMACGetting, 10, "")
	if !d.Cancel() || d.Status() != StatusCancelled {
		t.Fatalf("active device should be cancelled")
	}
	if d.CanStart() {
		t.Fatalf("cancelled device must not start before reset")
	}

	d.Reset()
	s := d.Snapshot()
	if s.Status != StatusIdle || s.StartedAt != nil || s.CompletedAt != nil || len(s.Timing.Phases) != 0 {
		t.Fatalf("reset incomplete: %+v", s)
	}
	if !d.CanStart() || d.CancelRequested() {
		t.Fatalf("reset device should start")
	}
}

func TestSetMACAddress_DerivesNameOnlyWhenEmpty(t *testing.T) {
	d, _ := newTestDevice(t, WithNamePrefix("kit"))
	d.SetMACAddress("11:22:33:44:55:66")
	if got := d.Config().DeviceName; got != "kit-5566" {
		t.Fatalf("device name = %q", got)
	}

	named, _ := newTestDevice(t, WithConfig(Config{DeviceName: "lab-bench"}))
	named.SetMACAddress("11:22:33:44:55:66")
	if got := named.Config().DeviceName; got != "lab-bench" {
		t.Fatalf("device name overwritten: %q", got)
	}
}

func TestSnapshot_JSONUsesPhaseNames(t *testing.T) {
	d, _ := newTestDevice(t)
	failAt(d, PhaseFirmwareBuild)
	b, err := json.Marshal(d.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["failed_phase"] != "firmware_build" || m["status"] != "failed" {
		t.Fatalf("unexpected json: %s", b)
	}
}

func TestCancelRequestedWhileIdleStopsTheRun(t *testing.T) {
	d, _ := newTestDevice(t)
	d.Cancel()

	if d.Advance(StatusDetecting, 0, "starting") {
		t.Fatalf("Advance must refuse after a cancel request")
	}
	if d.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", d.Status())
	}
	if d.BeginPhase(PhaseMACAcquisition, "reading") {
		t.Fatalf("BeginPhase must refuse on a cancelled device")
	}
	if got := d.Snapshot().Timing.Phases; len(got) != 0 {
		t.Fatalf("no phase should have started: %+v", got)
	}
}

func TestBeginPhaseDoesNotOverwriteCancel(t *testing.T) {
	d, _ := newTestDevice(t)
	if !d.BeginPhase(PhaseMACAcquisition, "reading") {
		t.Fatalf("BeginPhase refused on a fresh device")
	}
	d.EndPhase(PhaseMACAcquisition)

	// cancel lands after the between-phase check but before the next phase
	d.Cancel()
	if d.BeginPhase(PhaseDeviceRegistration, "registering") {
		t.Fatalf("BeginPhase must refuse after cancel")
	}
	if d.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", d.Status())
	}
	if d.MarkCompleted("done") || d.Status() != StatusCancelled {
		t.Fatalf("MarkCompleted must not overwrite cancelled")
	}
	if _, ok := d.Snapshot().Timing.Phases[PhaseDeviceRegistration.String()]; ok {
		t.Fatalf("registration must not have started")
	}
}

func TestBeginPhaseAndMarkCompleted(t *testing.T) {
	d, _ := newTestDevice(t)
	if !d.BeginPhase(PhaseFirmwareBuild, "building") {
		t.Fatalf("BeginPhase refused")
	}
	s := d.Snapshot()
	if s.Status != StatusBuilding || s.Progress != PhaseFirmwareBuild.Progress() || s.ProgressMessage != "building" {
		t.Fatalf("unexpected state after BeginPhase: %+v", s)
	}
	if d.CurrentPhase() != PhaseFirmwareBuild {
		t.Fatalf("build timer not started")
	}
	d.EndPhase(PhaseFirmwareBuild)
	if !d.MarkCompleted("done") {
		t.Fatalf("MarkCompleted refused")
	}
	s = d.Snapshot()
	if s.Status != StatusCompleted || s.Progress != 100 || s.Timing.TotalEnd == nil {
		t.Fatalf("unexpected state after MarkCompleted: %+v", s)
	}
}
