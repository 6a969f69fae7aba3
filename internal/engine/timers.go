package engine

import (
	"strings"

	"github.com/eggbot/robot-controller/internal/link"
)

const (
	timerActorStatus       = "actor_status"
	timerArmStatus         = "arm_status"
	timerScanOnlyTimeout   = "scan_only_timeout"
	timerMoveOnlyCountdown = "move_only_countdown"
	resendPrefix           = "resend:"
)

func resendTimerName(p link.Peer) string { return resendPrefix + string(p) }

func peerFromResendName(name string) link.Peer {
	return link.Peer(strings.TrimPrefix(name, resendPrefix))
}
