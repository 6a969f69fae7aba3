// Package scheduler implements the command scheduler described in spec
// §4.4: periodic status pollers, one-shot countdowns, and a pending-ACK
// table with timeout detection. Firing is edge-triggered against an
// abstract Clock so tests can drive ticks deterministically (spec §9
// "Timing") without depending on wall-clock scheduling.
//
// The due-time bookkeeping below is a small, linearly-scanned registry
// rather than a priority queue: this controller manages at most a
// handful of named timers and a couple of in-flight commands at a time,
// so the ordered-by-time / tie-broken-by-sequence shape of a proper
// event heap (as used for the much larger in-flight-session set in a
// liveness scheduler) would be pure overhead here.
package scheduler

import (
	"sync"
	"time"

	"github.com/eggbot/robot-controller/internal/bus"
	"github.com/eggbot/robot-controller/internal/metrics"
)

// Clock abstracts wall-clock time so tests can inject a virtual clock and
// drive ticks manually instead of racing real timers.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// Kind distinguishes a periodic poller from a one-shot countdown.
type Kind int

const (
	Periodic Kind = iota
	Countdown
)

// TimerTick is published to the bus when a named timer fires.
type TimerTick struct {
	Name string
}

// CommandTimeout is published to the bus when a pending command misses its
// ACK deadline.
type CommandTimeout struct {
	CommandID uint64
	Peer      string
}

type timerState struct {
	kind       Kind
	periodMs   int64
	nextFireAt time.Time
	enabled    bool
}

type pendingCommand struct {
	peer      string
	sentAt    time.Time
	timeoutMs int64
}

// Scheduler owns the timer registry and the pending command table. Timer
// periods for periodic pollers are seeded from config at construction;
// countdowns take their duration at StartCountdown time (also sourced
// from config by the caller), satisfying spec §6's "timer periods (for
// test override)".
type Scheduler struct {
	mu       sync.Mutex
	clock    Clock
	bus      *bus.Bus
	periods  map[string]time.Duration // periodic timer name -> configured period
	timers   map[string]*timerState
	pending  map[uint64]*pendingCommand
}

// New constructs a Scheduler. periods maps each periodic timer's name
// (e.g. "actor_status", "arm_status") to its configured poll interval.
func New(clk Clock, b *bus.Bus, periods map[string]time.Duration) *Scheduler {
	if clk == nil {
		clk = RealClock{}
	}
	return &Scheduler{
		clock:   clk,
		bus:     b,
		periods: periods,
		timers:  make(map[string]*timerState),
		pending: make(map[uint64]*pendingCommand),
	}
}

// EnableTimer turns on a periodic poller by name. Idempotent: enabling an
// already-enabled timer leaves its schedule untouched.
func (s *Scheduler) EnableTimer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok && t.enabled {
		return
	}
	period := s.periods[name]
	if period <= 0 {
		period = time.Second
	}
	s.timers[name] = &timerState{
		kind:       Periodic,
		periodMs:   period.Milliseconds(),
		nextFireAt: s.clock.Now().Add(period),
		enabled:    true,
	}
}

// DisableTimer turns off a timer by name, periodic or countdown.
// Idempotent: disabling an already-disabled or unknown timer is a no-op.
func (s *Scheduler) DisableTimer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, name)
}

// StartCountdown schedules a one-shot timer. Calling it again with the
// same name before it fires resets the countdown from now.
func (s *Scheduler) StartCountdown(name string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[name] = &timerState{
		kind:       Countdown,
		periodMs:   duration.Milliseconds(),
		nextFireAt: s.clock.Now().Add(duration),
		enabled:    true,
	}
}

// RegisterPending adds commandID to the pending-ACK table.
func (s *Scheduler) RegisterPending(commandID uint64, peer string, timeoutMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[commandID] = &pendingCommand{peer: peer, sentAt: s.clock.Now(), timeoutMs: timeoutMs}
}

// Ack removes commandID from the pending table. A no-op if it isn't there
// (already timed out, or never registered).
func (s *Scheduler) Ack(commandID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, commandID)
}

// PendingCount reports how many commands are currently awaiting ACK for
// peer, so the "at most one in-flight command per peer" invariant (spec
// §8 property 4) can be checked. The engine itself enforces that
// invariant with its own per-peer awaiting table, not with this count.
func (s *Scheduler) PendingCount(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if p.peer == peer {
			n++
		}
	}
	return n
}

// Tick fires every due timer (publishing TimerTick to the bus, and
// rescheduling periodic timers from their previous fire time, never from
// now, to avoid drift) and surfaces any pending command whose deadline has
// passed as CommandTimeout. Consumed countdowns are removed; the timed-out
// pending entry is removed too — a retry re-registers it with a fresh
// sentAt, which is the engine's job, not the scheduler's.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var ticks []TimerTick
	for name, t := range s.timers {
		if !t.enabled || now.Before(t.nextFireAt) {
			continue
		}
		ticks = append(ticks, TimerTick{Name: name})
		switch t.kind {
		case Periodic:
			t.nextFireAt = t.nextFireAt.Add(time.Duration(t.periodMs) * time.Millisecond)
		case Countdown:
			delete(s.timers, name)
		}
	}
	var timeouts []CommandTimeout
	for id, p := range s.pending {
		deadline := p.sentAt.Add(time.Duration(p.timeoutMs) * time.Millisecond)
		if !now.Before(deadline) {
			timeouts = append(timeouts, CommandTimeout{CommandID: id, Peer: p.peer})
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, tick := range ticks {
		s.bus.Publish(tick)
	}
	for _, to := range timeouts {
		metrics.IncCommandTimeout(to.Peer)
		s.bus.Publish(to)
	}
}
