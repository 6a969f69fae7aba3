// Package visionfeed is the process boundary for the vision producer that
// spec §1 explicitly puts out of scope (YOLO inference, frame capture,
// overlay drawing): it only accepts the two event kinds the core actually
// consumes — DetectionEvent and ObstacleDistance — over a line-delimited
// JSON TCP connection, and publishes them onto the bus. The vision process
// itself lives outside this module entirely.
package visionfeed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/eggbot/robot-controller/internal/bus"
	"github.com/eggbot/robot-controller/internal/detect"
	"github.com/eggbot/robot-controller/internal/frame"
	"github.com/eggbot/robot-controller/internal/logging"
	"github.com/eggbot/robot-controller/internal/metrics"
)

// wireDetection mirrors detect.Detection for JSON decoding.
type wireDetection struct {
	X          uint16  `json:"x"`
	Y          uint16  `json:"y"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
}

// wireMessage is the line-delimited JSON envelope a vision producer sends.
// Exactly one of Detections (for "detection") or Cm (for "obstacle") is set.
type wireMessage struct {
	Type        string          `json:"type"`
	TimestampMs int64           `json:"timestamp_ms"`
	FrameWidth  int             `json:"frame_width,omitempty"`
	FrameHeight int             `json:"frame_height,omitempty"`
	Detections  []wireDetection `json:"detections,omitempty"`
	Cm          uint            `json:"cm,omitempty"`
}

// Server accepts vision-producer connections and republishes their
// messages onto the bus. Unlike the telemetry server, this one only ever
// expects a single well-behaved internal producer, so it keeps no client
// registry — each connection is handled independently.
type Server struct {
	addr string
	bus  *bus.Bus
}

// NewServer constructs a vision feed server bound to addr (":0" picks an
// ephemeral port).
func NewServer(addr string, b *bus.Bus) *Server {
	return &Server{addr: addr, bus: b}
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("visionfeed: listen: %w", err)
	}
	s.addr = ln.Addr().String()
	logging.L().Info("visionfeed_listen", "addr", s.addr)
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("visionfeed: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.addr }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logging.L().Info("visionfeed_connected", "remote", conn.RemoteAddr().String())
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var msg wireMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			metrics.IncError(metrics.ErrCodec)
			logging.L().Warn("visionfeed_decode_error", "error", err)
			continue
		}
		s.publish(msg)
	}
	logging.L().Info("visionfeed_disconnected", "remote", conn.RemoteAddr().String())
}

func (s *Server) publish(msg wireMessage) {
	switch msg.Type {
	case "detection":
		dets := make([]detect.Detection, len(msg.Detections))
		for i, d := range msg.Detections {
			dets[i] = detect.Detection{
				Center:     frame.Coordinate{X: d.X, Y: d.Y},
				Confidence: d.Confidence,
				ClassID:    d.ClassID,
			}
		}
		s.bus.Publish(detect.Event{
			TimestampMs: timestampOrNow(msg.TimestampMs),
			Detections:  dets,
			FrameHeight: msg.FrameHeight,
			FrameWidth:  msg.FrameWidth,
		})
	case "obstacle":
		s.bus.Publish(detect.ObstacleDistance{
			TimestampMs: timestampOrNow(msg.TimestampMs),
			Cm:          msg.Cm,
		})
	default:
		logging.L().Warn("visionfeed_unknown_type", "type", msg.Type)
	}
}

func timestampOrNow(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return time.Now().UnixMilli()
}
