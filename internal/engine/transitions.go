package engine

import (
	"github.com/eggbot/robot-controller/internal/frame"
	"github.com/eggbot/robot-controller/internal/link"
	"github.com/eggbot/robot-controller/internal/logging"
	"github.com/eggbot/robot-controller/internal/metrics"
)

// commit records a state change for metrics/telemetry/logging. It does
// not itself decide what timers or subscriptions change — each toXxx
// method does that before calling commit.
func (e *Engine) commit(next State) {
	prev := e.state
	e.state = next
	metrics.RecordTransition(prev.String(), next.String())
	logging.L().Info("engine_state_transition", "from", prev, "to", next)
	e.broadcast("state_transition", map[string]any{"from": prev.String(), "to": next.String()})
}

// toScanAndMove enters ScanAndMove: reached from Idle (bootstrap),
// PickUpEgg (queue exhausted) and Turn2nd (Actor reports idle again). The
// Actor is sent on its way and detections are (re)subscribed.
func (e *Engine) toScanAndMove() {
	e.acceptDetections = true
	e.sched.EnableTimer(timerActorStatus)
	e.sched.DisableTimer(timerArmStatus)
	e.commit(ScanAndMove)
	e.sendCommand(link.Actor, link.MoveForward, frame.Coordinate{}, nil)
}

// toPickUpEgg enters PickUpEgg: reached from ScanAndMove (after a Stop
// ACK) or ScanOnly (a detection arrived during the post-turn scan).
// Detections stay subscribed so a fresh batch can refresh an emptied
// queue; the head of the queue is sent to the Arm immediately.
func (e *Engine) toPickUpEgg() {
	e.acceptDetections = true
	e.sched.EnableTimer(timerArmStatus)
	e.commit(PickUpEgg)
	e.popAndSendNextPick()
}

// toTurn1st enters Turn1st: reached from ScanAndMove after an evasive
// Rotate90 ACK. Detections are not useful mid-turn.
func (e *Engine) toTurn1st() {
	e.acceptDetections = false
	e.sched.EnableTimer(timerActorStatus)
	e.commit(Turn1st)
}

// toScanOnly enters ScanOnly: reached once the Actor reports it has
// finished the first turn. A countdown bounds how long the engine waits
// for a detection before giving up and moving forward blindly.
func (e *Engine) toScanOnly() {
	e.acceptDetections = true
	e.sched.EnableTimer(timerActorStatus)
	e.sched.StartCountdown(timerScanOnlyTimeout, e.cfg.ScanOnlyTimeout)
	e.commit(ScanOnly)
}

// toMoveOnly enters MoveOnly: reached when the ScanOnly countdown expires
// with nothing to pick. A second countdown bounds how long the Actor
// drives forward before turning again to resume scanning.
func (e *Engine) toMoveOnly() {
	e.acceptDetections = false
	e.sched.StartCountdown(timerMoveOnlyCountdown, e.cfg.MoveOnlyCountdown)
	e.commit(MoveOnly)
}

// toTurn2nd enters Turn2nd: reached when the MoveOnly countdown expires.
func (e *Engine) toTurn2nd() {
	e.acceptDetections = false
	e.commit(Turn2nd)
}
