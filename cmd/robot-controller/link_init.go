package main

import (
	"context"
	"log/slog"

	"github.com/eggbot/robot-controller/internal/bus"
	"github.com/eggbot/robot-controller/internal/link"
)

// initLinks opens the Actor and Arm serial links. Each Link manages its own
// reconnect-with-backoff loop in the background, so this never blocks on a
// device actually being present.
func initLinks(ctx context.Context, cfg *appConfig, b *bus.Bus, l *slog.Logger) map[link.Peer]*link.Link {
	links := make(map[link.Peer]*link.Link, 2)
	links[link.Actor] = link.New(ctx, link.Config{
		Peer:        link.Actor,
		Device:      cfg.actorDev,
		Baud:        cfg.baud,
		ReadTimeout: cfg.readTO,
	}, b)
	links[link.Arm] = link.New(ctx, link.Config{
		Peer:        link.Arm,
		Device:      cfg.armDev,
		Baud:        cfg.baud,
		ReadTimeout: cfg.readTO,
	}, b)
	l.Info("links_initialized", "actor_device", cfg.actorDev, "arm_device", cfg.armDev, "baud", cfg.baud)
	return links
}
