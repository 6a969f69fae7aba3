// Package bus implements the single-producer-multi-consumer-in-name-only
// event bus described in spec §4.3: many producers (vision, serial link
// readers, the scheduler) publish; the control state machine is the sole
// consumer. It is non-blocking for producers up to its bounded capacity:
// DetectionEvents use an oldest-dropped policy since vision is the
// highest-frequency and is lossy by design; every other event kind must
// never be dropped, so a producer suspends (up to a backpressure timeout,
// after which it keeps retrying and logs) rather than lose one.
package bus

import (
	"sync"
	"time"

	"github.com/eggbot/robot-controller/internal/detect"
	"github.com/eggbot/robot-controller/internal/logging"
	"github.com/eggbot/robot-controller/internal/metrics"
)

// DefaultCapacity is the bus's default bounded size.
const DefaultCapacity = 256

// DefaultBackpressureTimeout bounds how long a non-lossy Publish call waits
// before it logs a warning and retries (it never simply drops).
const DefaultBackpressureTimeout = 500 * time.Millisecond

// Event is any message carried on the bus. Every concrete event type
// (detect.Event, detect.ObstacleDistance, scheduler TimerTick and
// CommandTimeout, link Ack/ActorStatus1/ArmStatus2/ControlToggle/
// Disconnected) satisfies it trivially; the bus only special-cases
// detect.Event for its drop policy.
type Event any

// Bus is a bounded, FIFO-per-producer, timestamp-best-effort-across-producers
// event queue.
type Bus struct {
	mu                  sync.Mutex
	queue               []envelope
	capacity            int
	backpressureTimeout time.Duration
	notifyCh            chan struct{}
	seq                 uint64
}

type envelope struct {
	seq   uint64
	event Event
}

// New constructs a Bus with the given capacity and producer backpressure
// timeout. A capacity or timeout of zero uses the package defaults.
func New(capacity int, backpressureTimeout time.Duration) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if backpressureTimeout <= 0 {
		backpressureTimeout = DefaultBackpressureTimeout
	}
	return &Bus{
		capacity:            capacity,
		backpressureTimeout: backpressureTimeout,
		notifyCh:            make(chan struct{}),
	}
}

// signal wakes every goroutine currently waiting on the bus. Callers must
// hold b.mu.
func (b *Bus) signal() {
	close(b.notifyCh)
	b.notifyCh = make(chan struct{})
}

// Publish enqueues ev. DetectionEvents are dropped (oldest buffered
// detection first, else the incoming one) once the bus is at capacity.
// Every other event kind blocks the caller until space frees up; if that
// takes longer than the configured backpressure timeout it logs a warning
// (rate-limited) and keeps waiting rather than drop the event.
func (b *Bus) Publish(ev Event) {
	var warnedAt time.Time
	for {
		b.mu.Lock()
		if len(b.queue) < b.capacity {
			b.seq++
			b.queue = append(b.queue, envelope{seq: b.seq, event: ev})
			metrics.SetBusDepth(len(b.queue))
			b.signal()
			b.mu.Unlock()
			return
		}
		if _, isDetection := ev.(detect.Event); isDetection {
			if idx := indexOfOldestDetection(b.queue); idx >= 0 {
				b.queue = append(b.queue[:idx], b.queue[idx+1:]...)
				b.seq++
				b.queue = append(b.queue, envelope{seq: b.seq, event: ev})
			}
			metrics.IncBusDrop()
			metrics.SetBusDepth(len(b.queue))
			b.signal()
			b.mu.Unlock()
			return
		}
		waitCh := b.notifyCh
		b.mu.Unlock()
		select {
		case <-waitCh:
			continue
		case <-time.After(b.backpressureTimeout):
			if time.Since(warnedAt) > time.Second {
				logging.L().Warn("bus_backpressure", "capacity", b.capacity)
				warnedAt = time.Now()
			}
			continue
		}
	}
}

func indexOfOldestDetection(q []envelope) int {
	for i := range q {
		if _, ok := q[i].event.(detect.Event); ok {
			return i
		}
	}
	return -1
}

// Receive blocks until an event is available or deadline passes, returning
// ok=false on timeout. A zero deadline means wait forever.
func (b *Bus) Receive(deadline time.Time) (Event, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			env := b.queue[0]
			b.queue = b.queue[1:]
			metrics.SetBusDepth(len(b.queue))
			b.mu.Unlock()
			return env.event, true
		}
		waitCh := b.notifyCh
		b.mu.Unlock()

		if deadline.IsZero() {
			<-waitCh
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		select {
		case <-waitCh:
			continue
		case <-time.After(remaining):
			return nil, false
		}
	}
}

// Len reports the number of currently buffered events (diagnostic use).
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
