package link

import (
	"fmt"

	"github.com/eggbot/robot-controller/internal/frame"
)

// actorCmdCode/armCmdCode map a CommandKind to the single sentinel word
// carried by command frames (spec §6 "single-word commands with a fixed
// sentinel byte").
const (
	actorCmdMove   uint16 = 0
	actorCmdStop   uint16 = 1
	actorCmdRotate uint16 = 2
	actorCmdStatus uint16 = 3

	armCmdStatus uint16 = 0
)

// encode builds the wire frame for an outbound command.
func encode(cmd OutboundCommand) ([]byte, error) {
	switch cmd.Kind {
	case MoveForward, Stop, Rotate90, ReadStatus1:
		if cmd.Peer != Actor {
			return nil, fmt.Errorf("link: command %v is Actor-only, got peer %s", cmd.Kind, cmd.Peer)
		}
		code := map[CommandKind]uint16{
			MoveForward: actorCmdMove,
			Stop:        actorCmdStop,
			Rotate90:    actorCmdRotate,
			ReadStatus1: actorCmdStatus,
		}[cmd.Kind]
		return frame.Encode(frame.TypeActorCommand, []uint16{code, cmd.ID})
	case ReadStatus2:
		if cmd.Peer != Arm {
			return nil, fmt.Errorf("link: ReadStatus2 is Arm-only, got peer %s", cmd.Peer)
		}
		return frame.Encode(frame.TypeArmCommand, []uint16{armCmdStatus, cmd.ID})
	case PickControl:
		if cmd.Peer != Arm {
			return nil, fmt.Errorf("link: PickControl is Arm-only, got peer %s", cmd.Peer)
		}
		return frame.Encode(frame.TypeCoordinate, []uint16{cmd.Target.X, cmd.Target.Y, cmd.ID})
	default:
		return nil, fmt.Errorf("link: unknown command kind %v", cmd.Kind)
	}
}

// decode translates a decoded wire Frame from peer into a PeerReply. ok is
// false for a recognized-but-empty or malformed payload that the caller
// should silently ignore (framing/CRC errors never reach here — the codec
// already resynced past them).
func decode(peer Peer, fr frame.Frame) (reply any, ok bool) {
	switch fr.DataType {
	case frame.TypeAck:
		if len(fr.Payload) < 1 {
			return nil, false
		}
		return Ack{Peer: peer, CommandID: fr.Payload[0]}, true
	case frame.TypeActorStatus:
		if len(fr.Payload) < 1 {
			return nil, false
		}
		motion := ActorMotion(fr.Payload[0])
		var obstacle *uint
		if len(fr.Payload) >= 2 {
			cm := uint(fr.Payload[1])
			obstacle = &cm
		}
		return ActorStatus1{Motion: motion, ObstacleCm: obstacle}, true
	case frame.TypeArmStatus:
		if len(fr.Payload) < 1 {
			return nil, false
		}
		return ArmStatus2{Motion: ArmMotion(fr.Payload[0])}, true
	case frame.TypeControl:
		if len(fr.Payload) < 1 {
			return nil, false
		}
		return ControlToggle{Peer: peer, Enable: fr.Payload[0] != 0}, true
	default:
		return nil, false
	}
}
