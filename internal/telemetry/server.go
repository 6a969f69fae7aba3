package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eggbot/robot-controller/internal/logging"
	"github.com/eggbot/robot-controller/internal/metrics"
)

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultMaxClients       = 8
)

// Server accepts read-only monitoring connections and fans the Hub's
// broadcast frames out to each. It never reads application data back from
// a client — only enough to notice the connection closed.
type Server struct {
	mu               sync.Mutex
	addr             string
	Hub              *Hub
	MaxClients       int
	HandshakeTimeout time.Duration

	listener   net.Listener
	readyOnce  sync.Once
	readyCh    chan struct{}
	wg         sync.WaitGroup
	logger     *slog.Logger
	nextConnID uint64

	totalAccepted atomic.Uint64
	totalRejected atomic.Uint64
}

// NewServer constructs a Server bound to addr (":0" picks an ephemeral port).
func NewServer(addr string, hub *Hub) *Server {
	return &Server{
		addr:             addr,
		Hub:              hub,
		MaxClients:       defaultMaxClients,
		HandshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		logger:           logging.L(),
	}
}

func (s *Server) Addr() string { s.mu.Lock(); defer s.mu.Unlock(); return s.addr }

// Ready closes once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("telemetry_listen", "addr", s.Addr())

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
			return fmt.Errorf("%w: %v", ErrAccept, err)
		}
		s.totalAccepted.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := atomic.AddUint64(&s.nextConnID, 1)
	logger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	if err := Handshake(ctx, conn, s.HandshakeTimeout); err != nil {
		s.totalRejected.Add(1)
		logger.Debug("telemetry_handshake_failed", "error", err)
		_ = conn.Close()
		return
	}

	if s.Hub.Count() >= s.MaxClients {
		s.totalRejected.Add(1)
		logger.Debug("telemetry_client_reject_max", "max_clients", s.MaxClients)
		_ = conn.Close()
		return
	}

	cl := &Client{Out: make(chan []byte, s.Hub.bufSizeOrDefault()), Closed: make(chan struct{})}
	s.Hub.Add(cl)
	logger.Info("telemetry_client_connected")

	s.wg.Add(2)
	go s.writeLoop(ctx, conn, cl, logger)
	go s.readLoop(conn, cl, logger)
}

func (h *Hub) bufSizeOrDefault() int {
	if h.OutBufSize > 0 {
		return h.OutBufSize
	}
	return 64
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, cl *Client, logger *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.Hub.Remove(cl)
		logger.Info("telemetry_client_disconnected")
	}()
	for {
		select {
		case payload := <-cl.Out:
			if _, err := conn.Write(payload); err != nil {
				metrics.IncError(metrics.ErrTelemetry)
				logger.Debug("telemetry_write_error", "error", err)
				return
			}
		case <-cl.Closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes the listener and every connected client.
func (s *Server) Shutdown() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, cl := range s.Hub.Snapshot() {
		s.Hub.Remove(cl)
	}
	s.wg.Wait()
}
