package service

import (
	"context"
	"sync"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/logger"
	"device_provisioner/internal/models"
)

const (
	defaultHistoryCapacity = 1000
	outcomeWriteTimeout    = 5 * time.Second

	// TotalKey is the AverageTimes key for whole-pipeline durations.
	TotalKey = "total"
)

// OutcomeRecorder persists finished runs. Errors are logged, never returned
// to the pipeline.
type OutcomeRecorder interface {
	Append(ctx context.Context, o models.Outcome) error
}

// OutcomeSink receives every recorded outcome after it enters the history.
type OutcomeSink interface {
	OnOutcome(o models.Outcome)
}

// HistoryEntry is one recorded pipeline outcome.
type HistoryEntry struct {
	DeviceID    string              `json:"device_id"`
	Port        string              `json:"port"`
	MACAddress  string              `json:"mac_address"`
	Status      device.Status       `json:"status"`
	Success     bool                `json:"success"`
	CompletedAt time.Time           `json:"completed_at"`
	Operator    string              `json:"operator,omitempty"`
	Timing      device.TimingReport `json:"timing_statistics"`
}

// DeviceTime pairs a device with its total pipeline duration in seconds.
type DeviceTime struct {
	DeviceID string  `json:"device_id"`
	Seconds  float64 `json:"seconds"`
}

type PerformanceSummary struct {
	TotalDevices      int                `json:"total_devices"`
	SuccessfulDevices int                `json:"successful_devices"`
	FailedDevices     int                `json:"failed_devices"`
	SuccessRate       float64            `json:"success_rate"`
	AverageTimes      map[string]float64 `json:"average_times"`
	Fastest           *DeviceTime        `json:"fastest_device"`
	Slowest           *DeviceTime        `json:"slowest_device"`
}

// StatisticsCollector keeps a bounded FIFO of pipeline outcomes and derives
// aggregates from it.
type StatisticsCollector struct {
	log      *logger.Logger
	recorder OutcomeRecorder
	clock    func() time.Time

	mu       sync.RWMutex
	capacity int
	history  []HistoryEntry
	sinks    []OutcomeSink
}

// NewStatisticsCollector returns a collector holding at most capacity
// entries. recorder may be nil.
func NewStatisticsCollector(capacity int, recorder OutcomeRecorder, log *logger.Logger) *StatisticsCollector {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	if log == nil {
		log = logger.Nop()
	}
	return &StatisticsCollector{
		log:      log,
		recorder: recorder,
		clock:    time.Now,
		capacity: capacity,
		history:  make([]HistoryEntry, 0, min(capacity, 64)),
	}
}

// AddSink registers a consumer of recorded outcomes.
func (c *StatisticsCollector) AddSink(s OutcomeSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// RecordDeviceCompletion appends the outcome of a finished run, evicting the
// oldest entry when full.
func (c *StatisticsCollector) RecordDeviceCompletion(s device.Snapshot) {
	completed := c.clock()
	if s.CompletedAt != nil {
		completed = *s.CompletedAt
	}
	e := HistoryEntry{
		DeviceID:    s.DeviceID,
		Port:        s.Port,
		MACAddress:  s.MACAddress,
		Status:      s.Status,
		Success:     s.Status == device.StatusCompleted,
		CompletedAt: completed,
		Operator:    s.Operator,
		Timing:      s.Timing,
	}

	c.mu.Lock()
	if len(c.history) == c.capacity {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	c.history = append(c.history, e)
	sinks := c.sinks
	c.mu.Unlock()

	c.log.Debugw("device outcome recorded", "device_id", e.DeviceID, "status", e.Status)

	o := e.outcome()
	if c.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), outcomeWriteTimeout)
		if err := c.recorder.Append(ctx, o); err != nil {
			c.log.Warnw("persist outcome failed", "device_id", e.DeviceID, "error", err)
		}
		cancel()
	}
	for _, s := range sinks {
		c.deliver(s, o)
	}
}

func (c *StatisticsCollector) deliver(s OutcomeSink, o models.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("outcome sink panicked", "device_id", o.DeviceID, "panic", r)
		}
	}()
	s.OnOutcome(o)
}

func (e HistoryEntry) outcome() models.Outcome {
	return models.Outcome{
		DeviceID:    e.DeviceID,
		Port:        e.Port,
		MACAddress:  e.MACAddress,
		Status:      e.Status,
		Success:     e.Success,
		CompletedAt: e.CompletedAt,
		Operator:    e.Operator,
		Timing:      e.Timing,
	}
}

// AverageTimes returns the mean duration in seconds per phase name and for
// the whole pipeline. Every recorded run counts, failed ones included;
// entries missing a phase do not count toward that phase.
func (c *StatisticsCollector) AverageTimes() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.averageTimesLocked()
}

func (c *StatisticsCollector) averageTimesLocked() map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, e := range c.history {
		for _, p := range device.Phases() {
			if secs, ok := e.Timing.PhaseSeconds(p); ok {
				sums[p.String()] += secs
				counts[p.String()]++
			}
		}
		if e.Timing.TotalDuration != nil {
			sums[TotalKey] += *e.Timing.TotalDuration
			counts[TotalKey]++
		}
	}

	avg := make(map[string]float64, len(sums))
	for k, sum := range sums {
		avg[k] = sum / float64(counts[k])
	}
	return avg
}

// SuccessRate is the percentage of recorded runs that completed.
func (c *StatisticsCollector) SuccessRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ok, _ := c.countLocked()
	return rate(ok, len(c.history))
}

func (c *StatisticsCollector) countLocked() (successful, failed int) {
	for _, e := range c.history {
		if e.Success {
			successful++
		} else {
			failed++
		}
	}
	return successful, failed
}

func rate(successful, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(successful) / float64(total) * 100
}

// PerformanceSummary aggregates the whole history. Fastest and slowest are
// chosen among successful runs by total duration; ties keep the earlier entry.
func (c *StatisticsCollector) PerformanceSummary() PerformanceSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ok, failed := c.countLocked()
	sum := PerformanceSummary{
		TotalDevices:      len(c.history),
		SuccessfulDevices: ok,
		FailedDevices:     failed,
		SuccessRate:       rate(ok, len(c.history)),
		AverageTimes:      c.averageTimesLocked(),
	}
	for _, e := range c.history {
		if !e.Success || e.Timing.TotalDuration == nil {
			continue
		}
		secs := *e.Timing.TotalDuration
		if sum.Fastest == nil || secs < sum.Fastest.Seconds {
			sum.Fastest = &DeviceTime{DeviceID: e.DeviceID, Seconds: secs}
		}
		if sum.Slowest == nil || secs > sum.Slowest.Seconds {
			sum.Slowest = &DeviceTime{DeviceID: e.DeviceID, Seconds: secs}
		}
	}
	return sum
}

// RecentCompletions returns up to n newest entries, oldest first.
func (c *StatisticsCollector) RecentCompletions(n int) []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 {
		return []HistoryEntry{}
	}
	if n > len(c.history) {
		n = len(c.history)
	}
	out := make([]HistoryEntry, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}

func (c *StatisticsCollector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.history)
}

func (c *StatisticsCollector) Capacity() int { return c.capacity }

// Clear drops the in-memory history. Persisted outcomes are kept.
func (c *StatisticsCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
	c.log.Infow("statistics history cleared")
}
