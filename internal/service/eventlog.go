package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/logger"
	"device_provisioner/internal/models"
	"device_provisioner/internal/repository"

	"go.uber.org/zap/zapcore"
)

const (
	eventWriteTimeout = 2 * time.Second
	eventQueueSize    = 512
)

// LogFilter supports history filtering by time range, type and device.
type LogFilter struct {
	From     time.Time // inclusive; zero means no lower bound
	To       time.Time // inclusive; zero means no upper bound
	Type     string    // "", "STATUS_CHANGE", "ERROR", "WARNING"
	DeviceID string
}

// EventLogService persists device events and serves the audit log. It is
// an Observer of the device manager. Observer callbacks run under the device
// lock, so events are queued and written by a single goroutine; when the
// queue is full the event is dropped and counted.
type EventLogService struct {
	eventRepo repository.EventRepo
	log       *logger.Logger

	queue   chan models.ProvisioningEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped uint64
}

func NewEventLogService(eventRepo repository.EventRepo, log *logger.Logger) *EventLogService {
	if log == nil {
		log = logger.Nop()
	}
	s := &EventLogService{
		eventRepo: eventRepo,
		log:       log,
		queue:     make(chan models.ProvisioningEvent, eventQueueSize),
		done:      make(chan struct{}),
	}
	go s.run(s.queue)
	return s
}

var _ Observer = (*EventLogService)(nil)

var (
	errInvalidTimeRange = errors.New("invalid time range: From must be <= To")
)

// normalizeToUTC returns t in UTC, preserving zero time values.
func normalizeToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// normalizeEventType trims spaces and uppercases the event type filter.
func normalizeEventType(s string) string {
	return strings.TrimSpace(strings.ToUpper(s))
}

// normalizeAndValidateFilter prepares query parameters and validates the time range.
func normalizeAndValidateFilter(f LogFilter) (LogFilter, error) {
	out := LogFilter{
		From:     normalizeToUTC(f.From),
		To:       normalizeToUTC(f.To),
		Type:     normalizeEventType(f.Type),
		DeviceID: strings.TrimSpace(f.DeviceID),
	}
	if !out.From.IsZero() && !out.To.IsZero() && out.From.After(out.To) {
		return LogFilter{}, errInvalidTimeRange
	}
	return out, nil
}

func (s *EventLogService) List(ctx context.Context, f LogFilter) ([]models.ProvisioningEvent, error) {
	f, err := normalizeAndValidateFilter(f)
	if err != nil {
		return nil, err
	}
	return s.eventRepo.List(ctx, f.From, f.To, f.Type, f.DeviceID)
}

func (s *EventLogService) OnDeviceStatusChanged(d device.Snapshot, old, new device.Status) {
	if old == new {
		return
	}
	s.append(models.ProvisioningEvent{
		DeviceID:    d.DeviceID,
		Type:        models.EventStatusChange,
		Description: string(old) + " -> " + string(new),
		Operator:    d.Operator,
		Metadata: map[string]any{
			"from":     old,
			"to":       new,
			"progress": d.Progress,
			"message":  d.ProgressMessage,
		},
	})
}

// OnDeviceProgress is not persisted; progress is carried by status events.
func (s *EventLogService) OnDeviceProgress(device.Snapshot, int, string) {}

// OnDeviceLog persists warnings and errors.
func (s *EventLogService) OnDeviceLog(d device.Snapshot, message string, level zapcore.Level) {
	var typ string
	switch {
	case level >= zapcore.ErrorLevel:
		typ = models.EventError
	case level == zapcore.WarnLevel:
		typ = models.EventWarning
	default:
		return
	}
	meta := map[string]any{"status": d.Status}
	if d.FailedPhase.Valid() {
		meta["failed_phase"] = d.FailedPhase
	}
	s.append(models.ProvisioningEvent{
		DeviceID:    d.DeviceID,
		Type:        typ,
		Description: message,
		Operator:    d.Operator,
		Metadata:    meta,
	})
}

// append stamps e with the time it happened and hands it to the writer.
func (s *EventLogService) append(e models.ProvisioningEvent) {
	e.OccurredAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			s.log.Warnw("event queue full; dropping provisioning events", "device_id", e.DeviceID, "type", e.Type, "dropped", s.dropped)
		}
	}
}

func (s *EventLogService) run(queue <-chan models.ProvisioningEvent) {
	defer close(s.done)
	for e := range queue {
		s.write(e)
	}
}

func (s *EventLogService) write(e models.ProvisioningEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()
	if err := s.eventRepo.Append(ctx, e); err != nil {
		s.log.Warnw("append provisioning event failed", "device_id", e.DeviceID, "type", e.Type, "error", err)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (s *EventLogService) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close writes the queued events and stops the writer. Events reported
// after Close are discarded. Safe to call more than once.
func (s *EventLogService) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.queue)
		s.queue = nil
		s.mu.Unlock()
		<-s.done
	})
}
