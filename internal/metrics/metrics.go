// Package metrics exposes Prometheus counters/gauges for the robot
// controller and mirrors them into cheap local atomics for periodic
// slog snapshots on deployments without a scrape target.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eggbot/robot-controller/internal/logging"
)

// Prometheus series.
var (
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_malformed_total",
		Help: "Total frames rejected by the codec (CRC/footer/length mismatch).",
	})
	LinkFramesRx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_frames_rx_total",
		Help: "Total frames decoded per link.",
	}, []string{"peer"})
	LinkFramesTx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_frames_tx_total",
		Help: "Total frames written per link.",
	}, []string{"peer"})
	LinkReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_reconnects_total",
		Help: "Total reconnect attempts per link.",
	}, []string{"peer"})
	LinkConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "link_connected",
		Help: "1 if the link's transport is currently open, else 0.",
	}, []string{"peer"})
	CommandTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "command_timeouts_total",
		Help: "Total pending commands that exceeded their ACK deadline.",
	}, []string{"peer"})
	CommandRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "command_retries_total",
		Help: "Total command re-sends after a timeout.",
	}, []string{"peer"})
	BusDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_detection_drops_total",
		Help: "Total DetectionEvents dropped by the bus under backpressure.",
	})
	BusDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bus_queue_depth",
		Help: "Current number of buffered events on the bus.",
	})
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "state_transitions_total",
		Help: "Total control state machine transitions.",
	}, []string{"from", "to"})
	CurrentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "state_current",
		Help: "1 for the currently active control state, 0 for all others.",
	}, []string{"state"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable values to bound cardinality).
const (
	ErrCodec            = "codec"
	ErrLinkDisconnected = "link_disconnected"
	ErrLinkWriteFailed  = "link_write_failed"
	ErrCommandTimeout   = "command_timeout"
	ErrBusOverflow      = "bus_overflow"
	ErrFatalConfig      = "fatal_config"
	ErrTelemetry        = "telemetry"
)

// StartHTTP serves Prometheus metrics and a readiness probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging without scraping.
var (
	localMalformed   uint64
	localBusDrops    uint64
	localErrors      uint64
	localCmdTimeouts uint64
)

// Snapshot is a cheap copy of local counters for a log line.
type Snapshot struct {
	Malformed       uint64
	BusDrops        uint64
	Errors          uint64
	CommandTimeouts uint64
}

func Snap() Snapshot {
	return Snapshot{
		Malformed:       atomic.LoadUint64(&localMalformed),
		BusDrops:        atomic.LoadUint64(&localBusDrops),
		Errors:          atomic.LoadUint64(&localErrors),
		CommandTimeouts: atomic.LoadUint64(&localCmdTimeouts),
	}
}

// IncMalformed records a frame rejected by the codec.
func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// IncLinkRx records a successfully decoded frame for peer.
func IncLinkRx(peer string) { LinkFramesRx.WithLabelValues(peer).Inc() }

// IncLinkTx records a frame written to peer.
func IncLinkTx(peer string) { LinkFramesTx.WithLabelValues(peer).Inc() }

// IncLinkReconnect records a reconnect attempt for peer.
func IncLinkReconnect(peer string) { LinkReconnects.WithLabelValues(peer).Inc() }

// SetLinkConnected records the current transport state for peer.
func SetLinkConnected(peer string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	LinkConnected.WithLabelValues(peer).Set(v)
}

// IncCommandTimeout records a pending command that missed its ACK deadline.
func IncCommandTimeout(peer string) {
	CommandTimeouts.WithLabelValues(peer).Inc()
	atomic.AddUint64(&localCmdTimeouts, 1)
}

// IncCommandRetry records a command re-send after timeout.
func IncCommandRetry(peer string) { CommandRetries.WithLabelValues(peer).Inc() }

// IncBusDrop records a DetectionEvent dropped under backpressure.
func IncBusDrop() {
	BusDrops.Inc()
	atomic.AddUint64(&localBusDrops, 1)
}

// SetBusDepth records the current buffered event count.
func SetBusDepth(n int) { BusDepth.Set(float64(n)) }

// RecordTransition records a state machine transition and updates the
// current-state gauge set.
func RecordTransition(from, to string) {
	StateTransitions.WithLabelValues(from, to).Inc()
	CurrentState.WithLabelValues(from).Set(0)
	CurrentState.WithLabelValues(to).Set(1)
}

// IncError increments the error counter for a subsystem label.
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error doesn't pay first-touch registration cost.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrCodec, ErrLinkDisconnected, ErrLinkWriteFailed,
		ErrCommandTimeout, ErrBusOverflow, ErrFatalConfig, ErrTelemetry,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
