package main

import (
	"log/slog"
	"os"

	"github.com/eggbot/robot-controller/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "robot-controller")
	logging.Set(l)
	return l
}
