package telemetry

import (
	"sync"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/logger"
	"device_provisioner/internal/models"

	"go.uber.org/zap/zapcore"
)

const defaultSubscriberBuffer = 64

// Hub broadcasts device events to websocket subscribers. Delivery never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	log    *logger.Logger
	buffer int
	clock  func() time.Time

	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Envelope
	dropped uint64
}

func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{log: log, buffer: buffer, clock: time.Now, subs: make(map[int]chan Envelope)}
}

// Subscribe registers a consumer. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Envelope, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Envelope, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the number of events discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) Publish(e Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

func (h *Hub) OnDeviceStatusChanged(d device.Snapshot, old, new device.Status) {
	h.Publish(Envelope{Type: TypeStatus, Data: StatusEvent{Device: d, Old: old, New: new, Timestamp: h.clock()}})
}

func (h *Hub) OnDeviceProgress(d device.Snapshot, progress int, message string) {
	h.Publish(Envelope{Type: TypeProgress, Data: ProgressEvent{
		DeviceID: d.DeviceID, Progress: progress, Message: message, Timestamp: h.clock(),
	}})
}

// OnDeviceLog forwards info and above; tool output logged at debug stays
// off the stream.
func (h *Hub) OnDeviceLog(d device.Snapshot, message string, level zapcore.Level) {
	if level < zapcore.InfoLevel {
		return
	}
	h.Publish(Envelope{Type: TypeLog, Data: LogEvent{
		DeviceID: d.DeviceID, Level: level.CapitalString(), Message: message, Timestamp: h.clock(),
	}})
}

func (h *Hub) OnOutcome(o models.Outcome) {
	h.Publish(Envelope{Type: TypeOutcome, Data: o})
}
