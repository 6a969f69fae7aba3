package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eggbot/robot-controller/internal/metrics"
)

// startMetricsLogger periodically logs a metrics snapshot plus the delta
// since the previous tick, so a field technician tailing logs over a slow
// link can see whether malformed-frame or timeout counts are still
// climbing without needing to scrape /metrics.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		var prev metrics.Snapshot
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"malformed", snap.Malformed,
					"bus_drops", snap.BusDrops,
					"command_timeouts", snap.CommandTimeouts,
					"errors", snap.Errors,
					"malformed_delta", snap.Malformed-prev.Malformed,
					"command_timeouts_delta", snap.CommandTimeouts-prev.CommandTimeouts,
				)
				prev = snap
			case <-ctx.Done():
				return
			}
		}
	}()
}
