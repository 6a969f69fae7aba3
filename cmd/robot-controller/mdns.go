package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises the telemetry service so a field technician's
// laptop can find the controller on the shop floor without knowing its IP.
const mdnsServiceType = "_robot-telemetry._tcp"

// mdnsMeta builds the TXT record advertised alongside the service. Beyond
// build identity it surfaces the fields a technician's discovery tool would
// actually want to filter on before connecting: which serial devices this
// controller is driving and where its obstacle threshold is set.
func mdnsMeta(cfg *appConfig) []string {
	return []string{
		"version=" + version,
		"commit=" + commit,
		"actor_device=" + cfg.actorDev,
		"arm_device=" + cfg.armDev,
		fmt.Sprintf("obstacle_near_cm=%d", cfg.obstacleNearCm),
	}
}

// startMDNS registers the telemetry service via mDNS and returns a cleanup
// function. Safe to call even when disabled (no-op). Registration is
// retried a few times with a short backoff: on some embedded Linux images
// avahi/systemd-resolved isn't listening yet in the first moments after
// boot, and the controller shouldn't fail to start over a transient mDNS
// socket error.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("robot-controller-%s", host)
	}
	meta := mdnsMeta(cfg)

	var svc *zeroconf.Server
	var err error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		svc, err = zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("mdns register: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, fmt.Errorf("mdns register after retries: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
