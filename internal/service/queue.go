package service

import (
	"context"
	"slices"
	"sync"
	"time"

	"device_provisioner/internal/logger"
)

// ProcessorState is the lifecycle state of the queue worker.
type ProcessorState string

const (
	ProcessorStopped  ProcessorState = "stopped"
	ProcessorRunning  ProcessorState = "running"
	ProcessorStopping ProcessorState = "stopping"
)

// handleFunc processes one pulled device. stop is closed when the worker is
// asked to stop; ctx is the application context handed to phase functions.
type handleFunc func(ctx context.Context, deviceID string, stop <-chan struct{})

// QueueProcessor holds the FIFO of device ids and the single worker that
// drains it. At most one device is in flight at any time.
type QueueProcessor struct {
	log          *logger.Logger
	pollInterval time.Duration
	handle       handleFunc

	mu       sync.Mutex
	queue    []string
	current  string
	running  bool
	stopping bool
	stop     chan struct{}
	done     chan struct{}

	wake    chan struct{}
	settled chan struct{}
}

func NewQueueProcessor(pollInterval time.Duration, handle handleFunc, log *logger.Logger) *QueueProcessor {
	if log == nil {
		log = logger.Nop()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &QueueProcessor{
		log:          log,
		pollInterval: pollInterval,
		handle:       handle,
		wake:         make(chan struct{}, 1),
		settled:      make(chan struct{}, 1),
	}
}

// Enqueue appends id unless it is already queued or in flight.
func (p *QueueProcessor) Enqueue(id string) bool {
	p.mu.Lock()
	if p.current == id || slices.Contains(p.queue, id) {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, id)
	p.mu.Unlock()
	notify(p.wake)
	return true
}

// Remove drops id from the pending queue. The in-flight device is not affected.
func (p *QueueProcessor) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.Index(p.queue, id)
	if i < 0 {
		return false
	}
	p.queue = slices.Delete(p.queue, i, i+1)
	return true
}

// Drain empties the queue and returns what it held, in order.
func (p *QueueProcessor) Drain() []string {
	p.mu.Lock()
	ids := p.queue
	p.queue = nil
	idle := p.current == ""
	p.mu.Unlock()
	if idle {
		notify(p.settled)
	}
	return ids
}

func (p *QueueProcessor) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.queue, id)
}

// Queued returns a copy of the pending ids in FIFO order.
func (p *QueueProcessor) Queued() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.queue)
}

func (p *QueueProcessor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Current returns the id of the in-flight device, or "".
func (p *QueueProcessor) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Idle reports whether nothing is queued and nothing is in flight.
func (p *QueueProcessor) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) == 0 && p.current == ""
}

// Settled is signalled whenever the processor may have become idle.
func (p *QueueProcessor) Settled() <-chan struct{} { return p.settled }

func (p *QueueProcessor) State() ProcessorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.stopping:
		return ProcessorStopping
	case p.running:
		return ProcessorRunning
	default:
		return ProcessorStopped
	}
}

// Start launches the worker. It returns false when the worker is already
// running, and ErrProcessorStopping while a previous worker is still
// finishing its device.
func (p *QueueProcessor) Start(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return false, ErrProcessorStopping
	}
	if p.running {
		return false, nil
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx, p.stop, p.done)
	return true, nil
}

// Stop asks the worker to exit after its current device and waits up to
// timeout for it. It reports whether the worker has exited.
func (p *QueueProcessor) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return true
	}
	if !p.stopping {
		p.stopping = true
		close(p.stop)
	}
	done := p.done
	p.mu.Unlock()

	if timeout <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		p.log.Warnw("queue worker did not stop in time", "timeout", timeout)
		return false
	}
}

func (p *QueueProcessor) run(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	p.log.Infow("queue processor started")
	defer func() {
		p.mu.Lock()
		p.running = false
		p.stopping = false
		p.current = ""
		p.mu.Unlock()
		close(done)
		notify(p.settled)
		p.log.Infow("queue processor stopped")
	}()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		id, ok := p.pull()
		if !ok {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-p.wake:
			case <-time.After(p.pollInterval):
			}
			continue
		}

		select {
		case <-stop:
			p.pushFront(id)
			return
		default:
		}

		p.handle(ctx, id, stop)
		p.finish()
	}
}

// pull pops the head of the queue and marks it in flight in one step.
func (p *QueueProcessor) pull() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	id := p.queue[0]
	p.queue = p.queue[1:]
	p.current = id
	return id, true
}

func (p *QueueProcessor) pushFront(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append([]string{id}, p.queue...)
	p.current = ""
}

func (p *QueueProcessor) finish() {
	p.mu.Lock()
	p.current = ""
	idle := len(p.queue) == 0
	p.mu.Unlock()
	if idle {
		notify(p.settled)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
