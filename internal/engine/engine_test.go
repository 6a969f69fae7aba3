package engine

import (
	"context"
	"testing"
	"time"

	"github.com/eggbot/robot-controller/internal/bus"
	"github.com/eggbot/robot-controller/internal/detect"
	"github.com/eggbot/robot-controller/internal/frame"
	"github.com/eggbot/robot-controller/internal/link"
	"github.com/eggbot/robot-controller/internal/scheduler"
)

// fakePort is a Port that opens instantly, discards writes, and never
// produces read data (the engine tests drive state purely through bus
// events, not through decoded peer replies).
type fakePort struct{}

func (fakePort) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, nil
}
func (fakePort) Write(p []byte) (int, error) { return len(p), nil }
func (fakePort) Close() error                { return nil }

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestEngine(t *testing.T) (*Engine, *bus.Bus, *scheduler.Scheduler, *testClock, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := bus.New(64, 20*time.Millisecond)
	links := map[link.Peer]*link.Link{
		link.Actor: link.New(ctx, link.Config{
			Peer: link.Actor, Device: "fake-actor", ReadTimeout: 10 * time.Millisecond,
			Open: func(string, int, time.Duration) (link.Port, error) { return fakePort{}, nil },
		}, b),
		link.Arm: link.New(ctx, link.Config{
			Peer: link.Arm, Device: "fake-arm", ReadTimeout: 10 * time.Millisecond,
			Open: func(string, int, time.Duration) (link.Port, error) { return fakePort{}, nil },
		}, b),
	}
	clk := &testClock{now: time.Unix(0, 0)}
	sched := scheduler.New(clk, b, map[string]time.Duration{
		"actor_status": time.Second,
		"arm_status":   time.Second,
	})
	e := New(Config{
		ScanOnlyTimeout:   5 * time.Second,
		MoveOnlyCountdown: 5 * time.Second,
		AckTimeout:        2 * time.Second,
		MaxRetries:        3,
	}, b, sched, links, nil)

	cleanup := func() {
		cancel()
		for _, lk := range links {
			lk.Close()
		}
	}
	return e, b, sched, clk, cleanup
}

func centerDetection(y uint16) detect.Event {
	return detect.Event{
		FrameHeight: 100,
		Detections:  []detect.Detection{{Center: frame.Coordinate{X: 50, Y: y}, Confidence: 0.9}},
	}
}

func ackFor(e *Engine, peer link.Peer) link.Ack {
	pt := e.awaiting[peer]
	if pt == nil {
		return link.Ack{}
	}
	return link.Ack{Peer: peer, CommandID: pt.id}
}

// Cold start: the engine leaves Idle for ScanAndMove on the very first
// tick, with no events required (spec §4.5 bootstrap).
func TestEngineBootstrapEntersScanAndMove(t *testing.T) {
	e, _, _, _, cleanup := newTestEngine(t)
	defer cleanup()
	e.bootstrap()
	if e.State() != ScanAndMove {
		t.Fatalf("state = %v, want ScanAndMove", e.State())
	}
}

// A center-band detection during ScanAndMove stops the Actor and, once
// the Stop is ACKed, transitions to PickUpEgg.
func TestCenterBandDetectionLeadsToPickUpEgg(t *testing.T) {
	e, _, _, _, cleanup := newTestEngine(t)
	defer cleanup()
	e.cfg.CenterBandLow, e.cfg.CenterBandHigh = 0.25, 0.75
	e.bootstrap()
	e.onAck(ackFor(e, link.Actor)) // settle the initial MoveForward

	e.onDetection(centerDetection(50))
	pt := e.awaiting[link.Actor]
	if pt == nil || pt.kind != link.Stop {
		t.Fatalf("expected a pending Stop command to Actor, got %+v", pt)
	}

	e.onAck(ackFor(e, link.Actor))
	if e.State() != PickUpEgg {
		t.Fatalf("state = %v, want PickUpEgg", e.State())
	}
	if len(e.queue) != 0 {
		t.Fatalf("expected the single detection to have been popped and sent, queue=%+v", e.queue)
	}
}

// Completing a pick with an empty queue returns to ScanAndMove (spec §4.5
// PickUpEgg -> ScanAndMove on arm idle with nothing left to pick).
func TestPickCompletionWithEmptyQueueReturnsToScanAndMove(t *testing.T) {
	e, _, _, _, cleanup := newTestEngine(t)
	defer cleanup()
	e.bootstrap()
	e.onAck(ackFor(e, link.Actor)) // settle the initial MoveForward
	e.onDetection(centerDetection(50))
	e.onAck(ackFor(e, link.Actor)) // -> PickUpEgg, pops the only egg to the Arm

	armPT := e.awaiting[link.Arm]
	if armPT == nil || armPT.kind != link.PickControl {
		t.Fatalf("expected pending PickControl to Arm, got %+v", armPT)
	}
	e.sched.Ack(uint64(armPT.id))
	delete(e.awaiting, link.Arm)
	e.onArmStatus(link.ArmStatus2{Motion: link.ArmDone})

	if e.State() != ScanAndMove {
		t.Fatalf("state = %v, want ScanAndMove", e.State())
	}
}

// Detections that refresh an in-progress pick queue must not overwrite it
// while it still has entries (Open Question (a) resolution).
func TestPickQueueOnlyRefreshesWhenEmpty(t *testing.T) {
	e, _, _, _, cleanup := newTestEngine(t)
	defer cleanup()
	e.state = PickUpEgg
	e.acceptDetections = true
	e.queue = []frame.Coordinate{{X: 1, Y: 90}, {X: 2, Y: 80}}

	e.onDetection(detect.Event{
		FrameHeight: 100,
		Detections:  []detect.Detection{{Center: frame.Coordinate{X: 9, Y: 99}}},
	})
	if len(e.queue) != 2 || e.queue[0].X != 1 {
		t.Fatalf("queue was overwritten while non-empty: %+v", e.queue)
	}
}

// An obstacle reading while in ScanAndMove with no egg in frame triggers
// an evasive Rotate90 toward Turn1st.
func TestObstacleTriggersEvasiveTurn(t *testing.T) {
	e, _, _, _, cleanup := newTestEngine(t)
	defer cleanup()
	e.cfg.ObstacleNearCm = 30
	e.bootstrap()
	e.onAck(ackFor(e, link.Actor)) // settle the initial MoveForward

	e.onObstacleReading(detect.ObstacleDistance{Cm: 10})
	pt := e.awaiting[link.Actor]
	if pt == nil || pt.kind != link.Rotate90 {
		t.Fatalf("expected pending Rotate90, got %+v", pt)
	}
	e.onAck(ackFor(e, link.Actor))
	if e.State() != Turn1st {
		t.Fatalf("state = %v, want Turn1st", e.State())
	}

	e.onActorStatus(link.ActorStatus1{Motion: link.ActorIdle})
	if e.State() != ScanOnly {
		t.Fatalf("state = %v, want ScanOnly", e.State())
	}
}

// A ScanOnly period expiring with nothing detected moves to MoveOnly, and
// the MoveOnly countdown expiring turns again into Turn2nd, which returns
// to ScanAndMove once the Actor settles.
func TestScanOnlyTimeoutChainsToMoveOnlyThenTurn2nd(t *testing.T) {
	e, _, _, _, cleanup := newTestEngine(t)
	defer cleanup()
	e.toScanOnly()

	e.onTimerTick(scheduler.TimerTick{Name: timerScanOnlyTimeout})
	pt := e.awaiting[link.Actor]
	if pt == nil || pt.kind != link.MoveForward {
		t.Fatalf("expected pending MoveForward, got %+v", pt)
	}
	e.onAck(ackFor(e, link.Actor))
	if e.State() != MoveOnly {
		t.Fatalf("state = %v, want MoveOnly", e.State())
	}

	e.onTimerTick(scheduler.TimerTick{Name: timerMoveOnlyCountdown})
	pt2 := e.awaiting[link.Actor]
	if pt2 == nil || pt2.kind != link.Rotate90 {
		t.Fatalf("expected pending Rotate90, got %+v", pt2)
	}
	e.onAck(ackFor(e, link.Actor))
	if e.State() != Turn2nd {
		t.Fatalf("state = %v, want Turn2nd", e.State())
	}

	e.onActorStatus(link.ActorStatus1{Motion: link.ActorIdle})
	if e.State() != ScanAndMove {
		t.Fatalf("state = %v, want ScanAndMove", e.State())
	}
}

// A ControlToggle disabling the Actor suspends sends to it until a
// matching enable toggle arrives.
func TestControlToggleSuspendsAndResumesSends(t *testing.T) {
	e, _, _, _, cleanup := newTestEngine(t)
	defer cleanup()
	e.bootstrap() // one pending MoveForward in flight to Actor
	e.onAck(ackFor(e, link.Actor))

	e.onControlToggle(link.ControlToggle{Peer: link.Actor, Enable: false})
	if !e.suspended[link.Actor] {
		t.Fatal("expected Actor to be suspended")
	}
	e.onObstacleReading(detect.ObstacleDistance{Cm: 5})
	if e.awaiting[link.Actor] != nil {
		t.Fatalf("expected no command to be issued while suspended, got %+v", e.awaiting[link.Actor])
	}

	e.onControlToggle(link.ControlToggle{Peer: link.Actor, Enable: true})
	if e.suspended[link.Actor] {
		t.Fatal("expected Actor to no longer be suspended")
	}
	e.onObstacleReading(detect.ObstacleDistance{Cm: 5})
	if e.awaiting[link.Actor] == nil {
		t.Fatal("expected a command to be issued now that Actor is resumed")
	}
}

// A command that never gets ACKed retries up to MaxRetries and then
// enters an indefinite resend loop (spec §8 property: no silent command
// loss).
func TestCommandTimeoutRetriesThenEntersResendLoop(t *testing.T) {
	e, _, _, _, cleanup := newTestEngine(t)
	defer cleanup()
	e.cfg.MaxRetries = 2
	e.bootstrap()

	firstID := e.awaiting[link.Actor].id
	for i := 0; i < e.cfg.MaxRetries; i++ {
		e.onCommandTimeout(scheduler.CommandTimeout{CommandID: uint64(e.awaiting[link.Actor].id), Peer: string(link.Actor)})
	}
	pt := e.awaiting[link.Actor]
	if pt == nil {
		t.Fatal("expected a command still pending after retries")
	}
	if pt.id == firstID {
		t.Error("expected retries to issue a fresh command id each time")
	}
	if pt.retries != e.cfg.MaxRetries {
		t.Errorf("retries = %d, want %d", pt.retries, e.cfg.MaxRetries)
	}

	// One more timeout past MaxRetries enters the resend loop instead of
	// bumping retries further.
	e.onCommandTimeout(scheduler.CommandTimeout{CommandID: uint64(pt.id), Peer: string(link.Actor)})
	if !e.awaiting[link.Actor].resendLoop {
		t.Fatal("expected resend loop to have started")
	}
}
