package link

import (
	"context"
	"sync"
	"time"

	"github.com/eggbot/robot-controller/internal/bus"
	"github.com/eggbot/robot-controller/internal/frame"
	"github.com/eggbot/robot-controller/internal/logging"
	"github.com/eggbot/robot-controller/internal/metrics"
	"github.com/eggbot/robot-controller/internal/transport"
)

const (
	readBufSize  = 256
	txQueueDepth = 4 // the engine never has more than one in-flight command per peer
)

// OpenFunc opens a physical serial device; overridable in tests.
type OpenFunc func(name string, baud int, readTimeout time.Duration) (Port, error)

// Config holds one Link's construction parameters.
type Config struct {
	Peer            Peer
	Device          string
	Baud            int
	ReadTimeout     time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	Open            OpenFunc // defaults to OpenPort
}

// Link owns one named serial duplex channel and its FrameCodec. Its write
// path is exclusively owned by the internal AsyncTx worker goroutine; its
// read path is exclusively owned by its own reader goroutine. Transport
// failures never panic — they become Disconnected events on the bus and
// the link silently retries with capped exponential backoff.
type Link struct {
	cfg Config
	bus *bus.Bus

	mu        sync.Mutex
	port      Port
	connected bool

	decoder *frame.Decoder
	tx      *transport.AsyncTx[OutboundCommand]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs and starts a Link: it opens the device (retrying with
// backoff in the background if the first attempt fails), and launches its
// reader and writer goroutines.
func New(parent context.Context, cfg Config, b *bus.Bus) *Link {
	if cfg.Open == nil {
		cfg.Open = OpenPort
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 200 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	l := &Link{
		cfg:     cfg,
		bus:     b,
		decoder: frame.NewDecoder(),
		ctx:     ctx,
		cancel:  cancel,
	}
	hooks := transport.Hooks[OutboundCommand]{
		OnError: func(cmd OutboundCommand, err error) {
			logging.L().Warn("link_write_error", "peer", cfg.Peer, "command_id", cmd.ID, "error", err)
			metrics.IncError(metrics.ErrLinkWriteFailed)
			l.mu.Lock()
			p := l.port
			l.mu.Unlock()
			l.markDisconnected()
			if p != nil {
				// Closing the port fails the reader, so connectLoop publishes
				// Disconnected and reopens the device with backoff.
				_ = p.Close()
			}
		},
		OnAfter: func(cmd OutboundCommand) { metrics.IncLinkTx(string(cfg.Peer)) },
	}
	l.tx = transport.NewAsyncTx(ctx, txQueueDepth, l.writeFrame, hooks)

	l.wg.Add(1)
	go l.connectLoop()
	return l
}

// Send queues a command for asynchronous transmission. The command's own ID
// is the one the caller gives to the scheduler's RegisterPending; the
// returned error only reports whether the command could be queued.
func (l *Link) Send(cmd OutboundCommand) error {
	return l.tx.Send(cmd)
}

// FlushOutbound discards any command still sitting in the write queue
// without transmitting it. Used when a ControlToggle disables a peer: the
// MCU asked us to stop sending, so anything already queued is stale.
func (l *Link) FlushOutbound() int {
	return l.tx.Flush()
}

// Close stops all goroutines and closes the underlying transport.
func (l *Link) Close() {
	l.cancel()
	l.tx.Close()
	l.mu.Lock()
	p := l.port
	l.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
	l.wg.Wait()
}

func (l *Link) writeFrame(cmd OutboundCommand) error {
	payload, err := encode(cmd)
	if err != nil {
		return err
	}
	l.mu.Lock()
	p := l.port
	connected := l.connected
	l.mu.Unlock()
	if !connected || p == nil {
		return errNotConnected
	}
	_, err = p.Write(payload)
	return err
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (*notConnectedError) Error() string { return "link: not connected" }

// connectLoop owns the open/reconnect/read lifecycle. It opens the device,
// runs the blocking read loop until the transport fails, then retries with
// exponential backoff capped at ReconnectMax.
func (l *Link) connectLoop() {
	defer l.wg.Done()
	backoff := l.cfg.ReconnectMin
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}
		p, err := l.cfg.Open(l.cfg.Device, l.cfg.Baud, l.cfg.ReadTimeout)
		if err != nil {
			metrics.IncLinkReconnect(string(l.cfg.Peer))
			logging.L().Warn("link_open_failed", "peer", l.cfg.Peer, "device", l.cfg.Device, "backoff", backoff, "error", err)
			if !l.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.cfg.ReconnectMax)
			continue
		}
		l.mu.Lock()
		l.port = p
		l.connected = true
		l.mu.Unlock()
		metrics.SetLinkConnected(string(l.cfg.Peer), true)
		logging.L().Info("link_open", "peer", l.cfg.Peer, "device", l.cfg.Device)
		backoff = l.cfg.ReconnectMin

		l.readUntilFailure(p)

		l.markDisconnected()
		_ = p.Close()
		l.bus.Publish(Disconnected{Peer: l.cfg.Peer})
		select {
		case <-l.ctx.Done():
			return
		default:
		}
	}
}

// readUntilFailure reads from p until it errors or the link is closed,
// feeding complete frames to the decoder and publishing translated
// PeerReply events onto the bus.
func (l *Link) readUntilFailure(p Port) {
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}
		n, err := p.Read(buf)
		if n > 0 {
			for _, fr := range l.decoder.Feed(buf[:n]) {
				if reply, ok := decode(l.cfg.Peer, fr); ok {
					metrics.IncLinkRx(string(l.cfg.Peer))
					l.bus.Publish(reply)
				}
			}
		}
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			logging.L().Warn("link_read_error", "peer", l.cfg.Peer, "error", err)
			metrics.IncError(metrics.ErrLinkDisconnected)
			return
		}
	}
}

func (l *Link) markDisconnected() {
	l.mu.Lock()
	l.connected = false
	l.port = nil
	l.mu.Unlock()
	metrics.SetLinkConnected(string(l.cfg.Peer), false)
}

// sleep waits for d or an early cancellation; returns false if cancelled.
func (l *Link) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
