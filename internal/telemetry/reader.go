package telemetry

import (
	"log/slog"
	"net"
	"time"
)

// readLoop only watches for the client closing its side of the
// connection; any bytes a client sends are discarded. Telemetry is
// strictly outbound — this guards against a misbehaving client ever
// influencing control flow.
func (s *Server) readLoop(conn net.Conn, cl *Client, logger *slog.Logger) {
	defer s.wg.Done()
	buf := make([]byte, 256)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logger.Debug("telemetry_read_closed", "error", err)
			cl.Close()
			return
		}
	}
}
