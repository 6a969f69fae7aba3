package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/eggbot/robot-controller/internal/bus"
	"github.com/eggbot/robot-controller/internal/engine"
	"github.com/eggbot/robot-controller/internal/link"
	"github.com/eggbot/robot-controller/internal/metrics"
	"github.com/eggbot/robot-controller/internal/scheduler"
	"github.com/eggbot/robot-controller/internal/telemetry"
	"github.com/eggbot/robot-controller/internal/visionfeed"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("robot-controller %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	b := bus.New(cfg.busCapacity, cfg.busBackpressure)
	links := initLinks(ctx, cfg, b, l)
	defer func() {
		for _, lk := range links {
			lk.Close()
		}
	}()

	sched := scheduler.New(scheduler.RealClock{}, b, map[string]time.Duration{
		"actor_status": cfg.actorStatusPeriod,
		"arm_status":   cfg.armStatusPeriod,
	})

	telHub := initTelemetryHub(l)
	var telSrv *telemetry.Server
	if cfg.telemetryEnable {
		telSrv = telemetry.NewServer(cfg.telemetryAddr, telHub)
		telSrv.MaxClients = cfg.telemetryMax
		telSrv.HandshakeTimeout = cfg.handshakeTO
		go func() {
			if err := telSrv.Serve(ctx); err != nil {
				l.Error("telemetry_server_error", "error", err)
			}
		}()
	}

	eng := engine.New(engine.Config{
		CenterBandLow:      cfg.centerBandLow,
		CenterBandHigh:     cfg.centerBandHigh,
		ObstacleNearCm:     uint(cfg.obstacleNearCm),
		AckTimeout:         cfg.ackTimeout,
		MaxRetries:         cfg.maxRetries,
		ResendLoopInterval: cfg.resendLoopInterval,
		ActorStatusPeriod:  cfg.actorStatusPeriod,
		ArmStatusPeriod:    cfg.armStatusPeriod,
		ScanOnlyTimeout:    cfg.scanOnlyTimeout,
		MoveOnlyCountdown:  cfg.moveOnlyCountdown,
		TickInterval:       cfg.tickInterval,
	}, b, sched, links, telHub)

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	visionSrv := visionfeed.NewServer(":20200", b)
	go func() {
		if err := visionSrv.Serve(ctx); err != nil {
			l.Error("visionfeed_server_error", "error", err)
		}
	}()

	// Start mDNS advertisement once the telemetry listener is ready.
	if telSrv != nil {
		go func() {
			if !cfg.mdnsEnable {
				return
			}
			select {
			case <-telSrv.Ready():
			case <-ctx.Done():
				return
			}
			addr := telSrv.Addr()
			var portNum int
			if _, p, err := net.SplitHostPort(addr); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					portNum = pn
				}
			}
			if portNum == 0 {
				lastColon := strings.LastIndex(addr, ":")
				if lastColon >= 0 {
					if pn, perr := strconv.Atoi(addr[lastColon+1:]); perr == nil {
						portNum = pn
					}
				}
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if telSrv != nil {
		telSrv.Shutdown()
	}
	wg.Wait()
}
