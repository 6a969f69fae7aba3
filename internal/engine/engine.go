package engine

import (
	"context"
	"sort"
	"time"

	"github.com/eggbot/robot-controller/internal/bus"
	"github.com/eggbot/robot-controller/internal/detect"
	"github.com/eggbot/robot-controller/internal/frame"
	"github.com/eggbot/robot-controller/internal/link"
	"github.com/eggbot/robot-controller/internal/logging"
	"github.com/eggbot/robot-controller/internal/metrics"
	"github.com/eggbot/robot-controller/internal/scheduler"
	"github.com/eggbot/robot-controller/internal/telemetry"
)

// pendingTransition tracks the single in-flight command for one peer. Only
// one of these exists per peer at a time, enforcing the ≤1-in-flight
// invariant: sendCommand refuses a new command for a peer that already
// has one outstanding.
type pendingTransition struct {
	id         uint16
	kind       link.CommandKind
	target     frame.Coordinate
	retries    int
	resendLoop bool
	onAck      func(*Engine) // run once, after the ACK lands; nil for commands that don't gate a transition
}

// Engine is the control state machine's runtime: it owns the bus, the
// timer/pending-ACK scheduler, the two peer links, and the pick queue.
type Engine struct {
	cfg   Config
	bus   *bus.Bus
	sched *scheduler.Scheduler
	links map[link.Peer]*link.Link
	tel   *telemetry.Hub // optional; nil-safe

	state            State
	queue            []frame.Coordinate
	acceptDetections bool
	obstacleNear     bool
	suspended        map[link.Peer]bool
	awaiting         map[link.Peer]*pendingTransition
	nextID           uint16
}

// New constructs an Engine wired to its bus, scheduler and peer links.
// tel may be nil if telemetry broadcasting is disabled.
func New(cfg Config, b *bus.Bus, sched *scheduler.Scheduler, links map[link.Peer]*link.Link, tel *telemetry.Hub) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		bus:       b,
		sched:     sched,
		links:     links,
		tel:       tel,
		state:     Idle,
		suspended: make(map[link.Peer]bool),
		awaiting:  make(map[link.Peer]*pendingTransition),
	}
}

// State returns the current control state; safe to call from other
// goroutines for diagnostics only (the engine itself is single-threaded).
func (e *Engine) State() State { return e.state }

// Run drives the engine's cooperative main loop until ctx is cancelled.
// Every iteration ticks the scheduler (firing due timers and surfacing
// command timeouts as events) and then blocks on the bus for at most one
// tick interval.
func (e *Engine) Run(ctx context.Context) {
	if e.state == Idle {
		e.bootstrap()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		now := time.Now()
		e.sched.Tick(now)
		ev, ok := e.bus.Receive(now.Add(e.cfg.TickInterval))
		if !ok {
			continue
		}
		e.handleEvent(ev)
	}
}

// bootstrap implements the Idle state's sole transition: the spec calls
// for leaving Idle on "any first tick", which in a freshly started engine
// means immediately, before the main loop's first bus wait.
func (e *Engine) bootstrap() {
	e.toScanAndMove()
}

func (e *Engine) handleEvent(ev bus.Event) {
	switch v := ev.(type) {
	case detect.Event:
		e.onDetection(v)
	case detect.ObstacleDistance:
		e.onObstacleReading(v)
	case link.Ack:
		e.onAck(v)
	case link.ActorStatus1:
		e.onActorStatus(v)
	case link.ArmStatus2:
		e.onArmStatus(v)
	case link.ControlToggle:
		e.onControlToggle(v)
	case link.Disconnected:
		logging.L().Debug("engine_link_disconnected", "peer", v.Peer)
	case scheduler.TimerTick:
		e.onTimerTick(v)
	case scheduler.CommandTimeout:
		e.onCommandTimeout(v)
	default:
		logging.L().Debug("engine_unhandled_event")
	}
}

// sendCommand issues a new command to peer if and only if the peer is not
// currently suspended by a ControlToggle and has no command already in
// flight. onAck, if non-nil, runs exactly once when the matching ACK
// arrives (typically a transition commit).
func (e *Engine) sendCommand(peer link.Peer, kind link.CommandKind, target frame.Coordinate, onAck func(*Engine)) {
	if e.suspended[peer] {
		logging.L().Debug("engine_command_suppressed", "peer", peer, "kind", kind)
		return
	}
	if e.awaiting[peer] != nil {
		logging.L().Debug("engine_command_busy", "peer", peer, "kind", kind)
		return
	}
	e.issue(peer, kind, target, onAck)
}

// issue unconditionally transmits a command and registers it pending;
// callers that already hold the serialization invariant (retries, resend
// loop continuations) call this directly instead of sendCommand.
func (e *Engine) issue(peer link.Peer, kind link.CommandKind, target frame.Coordinate, onAck func(*Engine)) {
	id := e.nextID
	e.nextID++
	cmd := link.OutboundCommand{ID: id, Peer: peer, Kind: kind, Target: target}
	if lk, ok := e.links[peer]; ok {
		if err := lk.Send(cmd); err != nil {
			logging.L().Warn("engine_command_enqueue_failed", "peer", peer, "kind", kind, "error", err)
		}
	}
	e.sched.RegisterPending(uint64(id), string(peer), e.cfg.AckTimeout.Milliseconds())
	e.awaiting[peer] = &pendingTransition{id: id, kind: kind, target: target, onAck: onAck}
	e.broadcast("command_issued", map[string]any{"peer": peer, "kind": int(kind), "id": id})
}

func (e *Engine) onAck(a link.Ack) {
	e.sched.Ack(uint64(a.CommandID))
	pt := e.awaiting[a.Peer]
	if pt == nil || pt.id != a.CommandID {
		return
	}
	delete(e.awaiting, a.Peer)
	e.sched.DisableTimer(resendTimerName(a.Peer))
	if pt.onAck != nil {
		pt.onAck(e)
	}
}

func (e *Engine) onCommandTimeout(ct scheduler.CommandTimeout) {
	peer := link.Peer(ct.Peer)
	pt := e.awaiting[peer]
	if pt == nil || uint64(pt.id) != ct.CommandID {
		return
	}
	if pt.retries < e.cfg.MaxRetries {
		pt.retries++
		metrics.IncCommandRetry(string(peer))
		logging.L().Warn("engine_command_retry", "peer", peer, "kind", pt.kind, "attempt", pt.retries)
		delete(e.awaiting, peer)
		e.issue(peer, pt.kind, pt.target, pt.onAck)
		e.awaiting[peer].retries = pt.retries
		return
	}
	if !pt.resendLoop {
		pt.resendLoop = true
		logging.L().Error("engine_command_resend_loop_enter", "peer", peer, "kind", pt.kind)
	}
	e.sched.StartCountdown(resendTimerName(peer), e.cfg.ResendLoopInterval)
}

func (e *Engine) onResendTick(name string) {
	peer := peerFromResendName(name)
	pt := e.awaiting[peer]
	if pt == nil || !pt.resendLoop {
		return
	}
	metrics.IncCommandRetry(string(peer))
	logging.L().Warn("engine_command_resend", "peer", peer, "kind", pt.kind)
	delete(e.awaiting, peer)
	e.issue(peer, pt.kind, pt.target, pt.onAck)
	e.awaiting[peer].resendLoop = true
	e.sched.StartCountdown(resendTimerName(peer), e.cfg.ResendLoopInterval)
}

func (e *Engine) broadcast(kind string, data any) {
	if e.tel == nil {
		return
	}
	payload, err := telemetry.EncodeEvent(kind, data)
	if err != nil {
		logging.L().Debug("engine_telemetry_encode_failed", "kind", kind, "error", err)
		return
	}
	e.tel.Broadcast(payload)
}

// sortedQueueFromEvent orders a detection batch by pick priority: largest
// y first (closest to the Arm), ties broken by largest confidence — the
// same rule used to pick a single best egg, generalized across a queue.
func sortedQueueFromEvent(ev detect.Event) []frame.Coordinate {
	dets := append([]detect.Detection(nil), ev.Detections...)
	sort.SliceStable(dets, func(i, j int) bool {
		if dets[i].Center.Y != dets[j].Center.Y {
			return dets[i].Center.Y > dets[j].Center.Y
		}
		return dets[i].Confidence > dets[j].Confidence
	})
	out := make([]frame.Coordinate, len(dets))
	for i, d := range dets {
		out[i] = d.Center
	}
	return out
}
