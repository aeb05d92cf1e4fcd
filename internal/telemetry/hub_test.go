package telemetry

import (
	"testing"
	"time"

	"device_provisioner/internal/device"

	"go.uber.org/zap/zapcore"
)

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Envelope{}
	}
}

func TestHub_BroadcastsToAllSubscribers(t *testing.T) {
	h := NewHub(4, nil)
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	snap := device.Snapshot{DeviceID: "dev-1", Status: device.StatusBuilding}
	h.OnDeviceStatusChanged(snap, device.StatusConfigUpdating, device.StatusBuilding)

	for _, ch := range []<-chan Envelope{a, b} {
		e := recv(t, ch)
		if e.Type != TypeStatus {
			t.Fatalf("type = %q", e.Type)
		}
		ev, ok := e.Data.(StatusEvent)
		if !ok || ev.Device.DeviceID != "dev-1" || ev.New != device.StatusBuilding {
			t.Fatalf("data = %#v", e.Data)
		}
	}
}

func TestHub_DebugLogsAreFiltered(t *testing.T) {
	h := NewHub(4, nil)
	ch, cancel := h.Subscribe()
	defer cancel()

	snap := device.Snapshot{DeviceID: "dev-1"}
	h.OnDeviceLog(snap, "[ 12%] Building C object", zapcore.DebugLevel)
	h.OnDeviceLog(snap, "registration failed", zapcore.ErrorLevel)

	e := recv(t, ch)
	ev := e.Data.(LogEvent)
	if e.Type != TypeLog || ev.Level != "ERROR" || ev.Message != "registration failed" {
		t.Fatalf("event = %#v", e)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %#v", extra)
	default:
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(1, nil)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.OnDeviceProgress(device.Snapshot{DeviceID: "d"}, i*10, "step")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := h.Dropped(); got != 9 {
		t.Fatalf("dropped = %d, want 9", got)
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	h := NewHub(1, nil)
	ch, cancel := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}
	cancel()
	cancel()
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after cancel", h.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	h.Publish(Envelope{Type: TypeStatistics})
}
