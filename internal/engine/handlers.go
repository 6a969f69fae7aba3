package engine

import (
	"strings"

	"github.com/eggbot/robot-controller/internal/detect"
	"github.com/eggbot/robot-controller/internal/frame"
	"github.com/eggbot/robot-controller/internal/link"
	"github.com/eggbot/robot-controller/internal/scheduler"
)

// onDetection reacts to a vision DetectionEvent. Detections are ignored
// outside the three states that subscribe to them (ScanAndMove, PickUpEgg,
// ScanOnly); acceptDetections tracks that subscription.
func (e *Engine) onDetection(ev detect.Event) {
	if !e.acceptDetections {
		return
	}
	switch e.state {
	case ScanAndMove:
		band := detect.CenterBand{Low: e.cfg.CenterBandLow, High: e.cfg.CenterBandHigh}
		if ev.HasCenterEgg(band) {
			e.queue = sortedQueueFromEvent(ev)
			e.sendCommand(link.Actor, link.Stop, frame.Coordinate{}, func(en *Engine) { en.toPickUpEgg() })
		} else if e.obstacleNear {
			e.sendCommand(link.Actor, link.Rotate90, frame.Coordinate{}, func(en *Engine) { en.toTurn1st() })
		}
	case PickUpEgg:
		// New detections only refresh the pick queue once it has emptied;
		// otherwise the in-progress queue is left alone.
		if len(e.queue) == 0 {
			e.queue = sortedQueueFromEvent(ev)
		}
	case ScanOnly:
		if len(ev.Detections) > 0 {
			e.sched.DisableTimer(timerScanOnlyTimeout)
			e.queue = sortedQueueFromEvent(ev)
			e.toPickUpEgg()
		}
	}
}

// onObstacleReading updates the cached obstacle flag and, in ScanAndMove,
// can itself trigger the evasive turn if no detection event arrives to do
// it first (detections and obstacle readings are independent producers).
func (e *Engine) onObstacleReading(ev detect.ObstacleDistance) {
	e.obstacleNear = ev.Near(e.cfg.ObstacleNearCm)
	if e.state == ScanAndMove && e.obstacleNear {
		e.sendCommand(link.Actor, link.Rotate90, frame.Coordinate{}, func(en *Engine) { en.toTurn1st() })
	}
}

func (e *Engine) onActorStatus(ev link.ActorStatus1) {
	if ev.ObstacleCm != nil {
		e.obstacleNear = detect.ObstacleDistance{Cm: *ev.ObstacleCm}.Near(e.cfg.ObstacleNearCm)
	}
	switch e.state {
	case Turn1st:
		if ev.Motion == link.ActorIdle {
			e.toScanOnly()
		}
	case Turn2nd:
		if ev.Motion == link.ActorIdle {
			e.toScanAndMove()
		}
	}
}

func (e *Engine) onArmStatus(ev link.ArmStatus2) {
	if e.state != PickUpEgg || ev.Motion != link.ArmDone {
		return
	}
	if len(e.queue) > 0 {
		e.popAndSendNextPick()
		return
	}
	e.sendCommand(link.Actor, link.MoveForward, frame.Coordinate{}, nil)
	e.toScanAndMove()
}

// onControlToggle handles the MCU asking the PC to pause or resume
// sending commands to one peer. Disabling flushes anything still queued
// for transmission so stale commands never reach the peer once re-enabled.
func (e *Engine) onControlToggle(ev link.ControlToggle) {
	e.suspended[ev.Peer] = !ev.Enable
	if ev.Enable {
		return
	}
	if lk, ok := e.links[ev.Peer]; ok {
		n := lk.FlushOutbound()
		if n > 0 {
			// nothing to log here beyond the count; the peer itself
			// requested the pause.
			_ = n
		}
	}
}

func (e *Engine) onTimerTick(t scheduler.TimerTick) {
	switch {
	case t.Name == timerActorStatus:
		e.sendCommand(link.Actor, link.ReadStatus1, frame.Coordinate{}, nil)
	case t.Name == timerArmStatus:
		e.sendCommand(link.Arm, link.ReadStatus2, frame.Coordinate{}, nil)
	case t.Name == timerScanOnlyTimeout:
		if e.state == ScanOnly {
			e.sendCommand(link.Actor, link.MoveForward, frame.Coordinate{}, func(en *Engine) { en.toMoveOnly() })
		}
	case t.Name == timerMoveOnlyCountdown:
		if e.state == MoveOnly {
			e.sendCommand(link.Actor, link.Rotate90, frame.Coordinate{}, func(en *Engine) { en.toTurn2nd() })
		}
	case strings.HasPrefix(t.Name, resendPrefix):
		e.onResendTick(t.Name)
	}
}

// popAndSendNextPick pops the queue head and sends it to the Arm. With an
// empty queue it instead sends the Actor forward and returns to
// ScanAndMove; onArmStatus checks the queue first, while toPickUpEgg
// relies on its callers having just filled it.
func (e *Engine) popAndSendNextPick() {
	if len(e.queue) == 0 {
		e.sendCommand(link.Actor, link.MoveForward, frame.Coordinate{}, nil)
		e.toScanAndMove()
		return
	}
	target := e.queue[0]
	e.queue = e.queue[1:]
	e.sendCommand(link.Arm, link.PickControl, target, nil)
}
