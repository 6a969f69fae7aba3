package scheduler

import (
	"testing"
	"time"

	"github.com/eggbot/robot-controller/internal/bus"
)

// virtualClock lets tests advance time deterministically instead of racing
// real timers (spec §9 "Timing").
type virtualClock struct{ now time.Time }

func (c *virtualClock) Now() time.Time { return c.now }
func (c *virtualClock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func drainTimerTicks(b *bus.Bus) []TimerTick {
	var out []TimerTick
	for {
		ev, ok := b.Receive(time.Now())
		if !ok {
			return out
		}
		if tt, ok := ev.(TimerTick); ok {
			out = append(out, tt)
		}
	}
}

func TestPeriodicTimerFiresAndReschedulesWithoutDrift(t *testing.T) {
	clk := &virtualClock{now: time.Unix(0, 0)}
	b := bus.New(16, 10*time.Millisecond)
	s := New(clk, b, map[string]time.Duration{"actor_status": time.Second})
	s.EnableTimer("actor_status")

	clk.advance(1100 * time.Millisecond)
	s.Tick(clk.Now())
	ticks := drainTimerTicks(b)
	if len(ticks) != 1 || ticks[0].Name != "actor_status" {
		t.Fatalf("first tick: got %+v", ticks)
	}

	// nextFireAt was advanced from the *previous* fire time, not "now" at
	// fire time, so firing 100ms late should not push the next deadline
	// out by that same 100ms of drift: it should land ~900ms later.
	clk.advance(850 * time.Millisecond)
	s.Tick(clk.Now())
	if ticks := drainTimerTicks(b); len(ticks) != 0 {
		t.Fatalf("expected no tick yet (drift check), got %+v", ticks)
	}
	clk.advance(100 * time.Millisecond)
	s.Tick(clk.Now())
	if ticks := drainTimerTicks(b); len(ticks) != 1 {
		t.Fatalf("expected exactly one tick after drift window closes, got %+v", ticks)
	}
}

func TestEnableTimerIdempotent(t *testing.T) {
	clk := &virtualClock{now: time.Unix(0, 0)}
	b := bus.New(16, 10*time.Millisecond)
	s := New(clk, b, map[string]time.Duration{"arm_status": time.Second})
	s.EnableTimer("arm_status")
	clk.advance(600 * time.Millisecond)
	s.EnableTimer("arm_status") // must not reset the schedule
	clk.advance(500 * time.Millisecond)
	s.Tick(clk.Now())
	if ticks := drainTimerTicks(b); len(ticks) != 1 {
		t.Fatalf("got %+v, want exactly one tick at original 1s deadline", ticks)
	}
}

func TestDisableTimerStopsFiring(t *testing.T) {
	clk := &virtualClock{now: time.Unix(0, 0)}
	b := bus.New(16, 10*time.Millisecond)
	s := New(clk, b, map[string]time.Duration{"actor_status": time.Second})
	s.EnableTimer("actor_status")
	s.DisableTimer("actor_status")
	clk.advance(5 * time.Second)
	s.Tick(clk.Now())
	if ticks := drainTimerTicks(b); len(ticks) != 0 {
		t.Fatalf("got %+v, want none (timer disabled)", ticks)
	}
}

func TestCountdownFiresOnceThenRemoved(t *testing.T) {
	clk := &virtualClock{now: time.Unix(0, 0)}
	b := bus.New(16, 10*time.Millisecond)
	s := New(clk, b, nil)
	s.StartCountdown("move_only_countdown", 5*time.Second)
	clk.advance(6 * time.Second)
	s.Tick(clk.Now())
	if ticks := drainTimerTicks(b); len(ticks) != 1 {
		t.Fatalf("got %+v, want one fire", ticks)
	}
	clk.advance(5 * time.Second)
	s.Tick(clk.Now())
	if ticks := drainTimerTicks(b); len(ticks) != 0 {
		t.Fatalf("got %+v, want none (countdown already consumed)", ticks)
	}
}

func TestStartCountdownResetsExistingTimer(t *testing.T) {
	clk := &virtualClock{now: time.Unix(0, 0)}
	b := bus.New(16, 10*time.Millisecond)
	s := New(clk, b, nil)
	s.StartCountdown("scan_only_timeout", 5*time.Second)
	clk.advance(3 * time.Second)
	s.StartCountdown("scan_only_timeout", 5*time.Second) // reset from now
	clk.advance(3 * time.Second)
	s.Tick(clk.Now())
	if ticks := drainTimerTicks(b); len(ticks) != 0 {
		t.Fatalf("got %+v, want none (reset pushed deadline out)", ticks)
	}
	clk.advance(2 * time.Second)
	s.Tick(clk.Now())
	if ticks := drainTimerTicks(b); len(ticks) != 1 {
		t.Fatalf("got %+v, want one fire after reset deadline", ticks)
	}
}

func TestPendingCommandTimeoutAndAck(t *testing.T) {
	clk := &virtualClock{now: time.Unix(0, 0)}
	b := bus.New(16, 10*time.Millisecond)
	s := New(clk, b, nil)

	s.RegisterPending(1, "actor", 2000)
	s.RegisterPending(2, "arm", 2000)
	if n := s.PendingCount("actor"); n != 1 {
		t.Fatalf("PendingCount(actor) = %d, want 1", n)
	}

	s.Ack(2)
	if n := s.PendingCount("arm"); n != 0 {
		t.Fatalf("PendingCount(arm) after ack = %d, want 0", n)
	}

	clk.advance(2100 * time.Millisecond)
	s.Tick(clk.Now())

	var timeouts []CommandTimeout
	for {
		ev, ok := b.Receive(time.Now())
		if !ok {
			break
		}
		if ct, ok := ev.(CommandTimeout); ok {
			timeouts = append(timeouts, ct)
		}
	}
	if len(timeouts) != 1 || timeouts[0].CommandID != 1 || timeouts[0].Peer != "actor" {
		t.Fatalf("got %+v", timeouts)
	}
	if n := s.PendingCount("actor"); n != 0 {
		t.Fatalf("PendingCount(actor) after timeout = %d, want 0 (removed)", n)
	}
}
