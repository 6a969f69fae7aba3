package main

import (
	"log/slog"

	"github.com/eggbot/robot-controller/internal/telemetry"
)

func initTelemetryHub(l *slog.Logger) *telemetry.Hub {
	h := telemetry.NewHub()
	h.OutBufSize = 64
	h.Policy = telemetry.PolicyDrop
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	return h
}
