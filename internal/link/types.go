// Package link implements the two serial collaborators (Actor, Arm) from
// spec §4.2: typed send/receive over a byte-duplex channel, reconnect
// with backoff, and translation between wire Frames and the domain-level
// OutboundCommand/PeerReply variants from spec §3.
package link

import "github.com/eggbot/robot-controller/internal/frame"

// Peer names one of the two serial collaborators.
type Peer string

const (
	Actor Peer = "actor"
	Arm   Peer = "arm"
)

// CommandKind enumerates the outbound commands a peer can receive.
type CommandKind int

const (
	MoveForward CommandKind = iota
	Stop
	Rotate90
	ReadStatus1  // Actor
	PickControl  // Arm
	ReadStatus2  // Arm
)

// OutboundCommand is a tagged command targeted to a peer, carrying the id
// used to correlate its ACK.
type OutboundCommand struct {
	ID     uint16
	Peer   Peer
	Kind   CommandKind
	Target frame.Coordinate // only meaningful for PickControl
}

// ActorMotion is the Actor's reported locomotion state.
type ActorMotion int

const (
	ActorIdle ActorMotion = iota
	ActorMoving
	ActorTurning
)

// ArmMotion is the Arm's reported manipulator state.
type ArmMotion int

const (
	ArmDone ArmMotion = iota // idle/done
	ArmPicking
)

// Ack is a PeerReply variant: the peer echoed back a command id.
type Ack struct {
	Peer      Peer
	CommandID uint16
}

// ActorStatus1 is a PeerReply variant carrying the Actor's motion state
// and, when piggy-backed, an obstacle distance reading (spec §6).
type ActorStatus1 struct {
	Motion      ActorMotion
	ObstacleCm  *uint
}

// ArmStatus2 is a PeerReply variant carrying the Arm's motion state.
type ArmStatus2 struct {
	Motion ArmMotion
}

// ControlToggle is a PeerReply variant: the MCU asked the PC to
// pause/resume sending it coordinate commands.
type ControlToggle struct {
	Peer   Peer
	Enable bool
}

// Disconnected is published when the link's transport closes or a write
// fails; it carries no retry state of its own — the scheduler's pending
// table and the engine's resend policy handle recovery.
type Disconnected struct {
	Peer Peer
}
