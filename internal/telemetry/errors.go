package telemetry

import "errors"

// Sentinel errors for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnWrite = errors.New("conn_write")
)
