package service

import (
	"maps"
	"testing"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/models"
)

var t0 = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

// outcomeSnap builds a terminal snapshot with the given per-phase seconds.
// A total is derived from the phase sum.
func outcomeSnap(id string, status device.Status, phases map[device.Phase]float64) device.Snapshot {
	r := device.TimingReport{Phases: make(map[string]device.PhaseReport)}
	var total float64
	for p, secs := range phases {
		end := t0.Add(time.Duration(secs * float64(time.Second)))
		r.Phases[p.String()] = device.PhaseReport{Start: t0, End: &end, Duration: secs}
		total += secs
	}
	if len(phases) > 0 {
		start, end := t0, t0.Add(time.Duration(total*float64(time.Second)))
		r.TotalStart, r.TotalEnd, r.TotalDuration = &start, &end, &total
	}
	done := t0.Add(time.Minute)
	return device.Snapshot{DeviceID: id, Status: status, Timing: r, CompletedAt: &done}
}

func fullRun(secs float64) map[device.Phase]float64 {
	out := make(map[device.Phase]float64)
	for _, p := range device.Phases() {
		out[p] = secs
	}
	return out
}

func TestStatistics_HistoryIsBoundedFIFO(t *testing.T) {
	t.Parallel()

	c := NewStatisticsCollector(3, nil, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		c.RecordDeviceCompletion(outcomeSnap(id, device.StatusCompleted, fullRun(1)))
	}
	if c.Len() != 3 || c.Capacity() != 3 {
		t.Fatalf("len=%d cap=%d", c.Len(), c.Capacity())
	}
	recent := c.RecentCompletions(10)
	if len(recent) != 3 || recent[0].DeviceID != "c" || recent[2].DeviceID != "e" {
		t.Fatalf("unexpected history: %+v", recent)
	}
	if last := c.RecentCompletions(1); len(last) != 1 || last[0].DeviceID != "e" {
		t.Fatalf("RecentCompletions(1) = %+v", last)
	}
	if got := c.RecentCompletions(0); len(got) != 0 {
		t.Fatalf("RecentCompletions(0) should be empty")
	}
}

func TestStatistics_AverageTimesSkipsMissingPhasesOnly(t *testing.T) {
	t.Parallel()

	c := NewStatisticsCollector(10, nil, nil)
	c.RecordDeviceCompletion(outcomeSnap("a", device.StatusCompleted, fullRun(2)))

	partial := fullRun(4)
	delete(partial, device.PhaseFirmwareFlash)
	c.RecordDeviceCompletion(outcomeSnap("b", device.StatusCompleted, partial))

	c.RecordDeviceCompletion(outcomeSnap("c", device.StatusFailed, map[device.Phase]float64{
		device.PhaseMACAcquisition:     6,
		device.PhaseDeviceRegistration: 1,
	}))

	avg := c.AverageTimes()
	if avg["mac_acquisition"] != 4 {
		t.Fatalf("mac avg = %v, want 4 (failed run counts)", avg["mac_acquisition"])
	}
	if avg["firmware_flash"] != 2 {
		t.Fatalf("flash avg = %v, want 2 (only device a has it)", avg["firmware_flash"])
	}
	if avg["firmware_build"] != 3 {
		t.Fatalf("build avg = %v, want 3 (failed run never reached it)", avg["firmware_build"])
	}
	// totals: a=10, b=16, c=7
	if avg[TotalKey] != 11 {
		t.Fatalf("total avg = %v, want 11", avg[TotalKey])
	}

	sum := c.PerformanceSummary()
	if sum.Fastest == nil || sum.Fastest.DeviceID != "a" {
		t.Fatalf("fastest = %+v, want a (failed c is faster but not successful)", sum.Fastest)
	}
	if sum.Slowest == nil || sum.Slowest.DeviceID != "b" {
		t.Fatalf("slowest = %+v, want b", sum.Slowest)
	}
}

func TestStatistics_EmptyCollector(t *testing.T) {
	t.Parallel()

	c := NewStatisticsCollector(0, nil, nil)
	if c.Capacity() != defaultHistoryCapacity {
		t.Fatalf("capacity = %d", c.Capacity())
	}
	if c.SuccessRate() != 0 || len(c.AverageTimes()) != 0 {
		t.Fatalf("empty collector should report zero values")
	}
	sum := c.PerformanceSummary()
	if sum.TotalDevices != 0 || sum.Fastest != nil || sum.Slowest != nil {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestStatistics_PerformanceSummary(t *testing.T) {
	t.Parallel()

	c := NewStatisticsCollector(10, nil, nil)
	c.RecordDeviceCompletion(outcomeSnap("slow", device.StatusCompleted, fullRun(6)))
	c.RecordDeviceCompletion(outcomeSnap("fast", device.StatusCompleted, fullRun(1)))
	c.RecordDeviceCompletion(outcomeSnap("fast-tie", device.StatusCompleted, fullRun(1)))
	c.RecordDeviceCompletion(outcomeSnap("failed", device.StatusFailed, fullRun(0.1)))
	c.RecordDeviceCompletion(outcomeSnap("cancelled", device.StatusCancelled, nil))

	sum := c.PerformanceSummary()
	if sum.TotalDevices != 5 || sum.SuccessfulDevices != 3 || sum.FailedDevices != 2 {
		t.Fatalf("counts: %+v", sum)
	}
	if sum.SuccessRate != 60 {
		t.Fatalf("success rate = %v, want 60", sum.SuccessRate)
	}
	if sum.Fastest == nil || sum.Fastest.DeviceID != "fast" || sum.Fastest.Seconds != 5 {
		t.Fatalf("fastest = %+v", sum.Fastest)
	}
	if sum.Slowest == nil || sum.Slowest.DeviceID != "slow" || sum.Slowest.Seconds != 30 {
		t.Fatalf("slowest = %+v", sum.Slowest)
	}
	if !maps.Equal(sum.AverageTimes, c.AverageTimes()) {
		t.Fatalf("summary averages differ from AverageTimes")
	}
}

func TestStatistics_ClearKeepsPersistedOutcomes(t *testing.T) {
	t.Parallel()

	rec := &stubRecorder{}
	c := NewStatisticsCollector(10, rec, nil)
	c.RecordDeviceCompletion(outcomeSnap("a", device.StatusCompleted, fullRun(1)))
	c.Clear()

	if c.Len() != 0 || c.SuccessRate() != 0 {
		t.Fatalf("history not cleared")
	}
	if len(rec.all()) != 1 {
		t.Fatalf("outcome should have been persisted once")
	}
}

type panickySink struct{ calls int }

func (s *panickySink) OnOutcome(models.Outcome) {
	s.calls++
	panic("sink bug")
}

func TestStatistics_RecorderErrorsAndSinkPanicsAreContained(t *testing.T) {
	t.Parallel()

	rec := &stubRecorder{err: errBoom}
	c := NewStatisticsCollector(10, rec, nil)
	sink := &panickySink{}
	c.AddSink(sink)

	snap := outcomeSnap("a", device.StatusCompleted, fullRun(1))
	snap.Port, snap.MACAddress = "/dev/ttyUSB0", "24:0A:C4:00:00:01"
	c.RecordDeviceCompletion(snap)

	if c.Len() != 1 || sink.calls != 1 {
		t.Fatalf("len=%d sink calls=%d", c.Len(), sink.calls)
	}
	o := rec.all()[0]
	if o.DeviceID != "a" || !o.Success || o.Port != "/dev/ttyUSB0" || !o.CompletedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected outcome: %+v", o)
	}
}
