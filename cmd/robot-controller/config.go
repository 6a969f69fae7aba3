package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	actorDev string
	armDev   string
	baud     int
	readTO   time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	busCapacity      int
	busBackpressure  time.Duration

	centerBandLow      float64
	centerBandHigh     float64
	obstacleNearCm     int
	ackTimeout         time.Duration
	maxRetries         int
	resendLoopInterval time.Duration
	actorStatusPeriod  time.Duration
	armStatusPeriod    time.Duration
	scanOnlyTimeout    time.Duration
	moveOnlyCountdown  time.Duration
	tickInterval       time.Duration

	telemetryEnable bool
	telemetryAddr   string
	telemetryMax    int
	handshakeTO     time.Duration

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	actorDev := flag.String("actor-device", "/dev/ttyUSB0", "Actor serial device path")
	armDev := flag.String("arm-device", "/dev/ttyUSB1", "Arm serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate (both links)")
	readTO := flag.Duration("read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	busCapacity := flag.Int("bus-capacity", 256, "Event bus queue capacity")
	busBackpressure := flag.Duration("bus-backpressure-timeout", 500*time.Millisecond, "Bus publish retry interval under backpressure")
	centerBandLow := flag.Float64("center-band-low", 0.25, "Lower bound of the center band (fraction of frame height)")
	centerBandHigh := flag.Float64("center-band-high", 0.75, "Upper bound of the center band (fraction of frame height)")
	obstacleNearCm := flag.Int("obstacle-near-cm", 30, "Obstacle distance threshold in centimeters")
	ackTimeout := flag.Duration("ack-timeout", 2*time.Second, "Deadline for a peer to ACK an outbound command")
	maxRetries := flag.Int("max-retries", 3, "Retries before entering the indefinite resend loop")
	resendLoopInterval := flag.Duration("resend-loop-interval", time.Second, "Resend interval once max-retries is exhausted")
	actorStatusPeriod := flag.Duration("actor-status-period", time.Second, "Actor status poll period")
	armStatusPeriod := flag.Duration("arm-status-period", time.Second, "Arm status poll period")
	scanOnlyTimeout := flag.Duration("scan-only-timeout", 5*time.Second, "ScanOnly countdown before giving up and moving forward")
	moveOnlyCountdown := flag.Duration("move-only-countdown", 5*time.Second, "MoveOnly countdown before turning again")
	tickInterval := flag.Duration("tick-interval", 50*time.Millisecond, "Main loop poll resolution")
	telemetryEnable := flag.Bool("telemetry-enable", true, "Enable the read-only telemetry TCP service")
	telemetryAddr := flag.String("telemetry-addr", ":20100", "Telemetry TCP listen address")
	telemetryMax := flag.Int("telemetry-max-clients", 8, "Maximum simultaneous telemetry clients")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Telemetry client handshake timeout")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the telemetry service")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default robot-controller-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.actorDev = *actorDev
	cfg.armDev = *armDev
	cfg.baud = *baud
	cfg.readTO = *readTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.busCapacity = *busCapacity
	cfg.busBackpressure = *busBackpressure
	cfg.centerBandLow = *centerBandLow
	cfg.centerBandHigh = *centerBandHigh
	cfg.obstacleNearCm = *obstacleNearCm
	cfg.ackTimeout = *ackTimeout
	cfg.maxRetries = *maxRetries
	cfg.resendLoopInterval = *resendLoopInterval
	cfg.actorStatusPeriod = *actorStatusPeriod
	cfg.armStatusPeriod = *armStatusPeriod
	cfg.scanOnlyTimeout = *scanOnlyTimeout
	cfg.moveOnlyCountdown = *moveOnlyCountdown
	cfg.tickInterval = *tickInterval
	cfg.telemetryEnable = *telemetryEnable
	cfg.telemetryAddr = *telemetryAddr
	cfg.telemetryMax = *telemetryMax
	cfg.handshakeTO = *handshakeTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.readTO <= 0 {
		return errors.New("read-timeout must be > 0")
	}
	if c.busCapacity <= 0 {
		return fmt.Errorf("bus-capacity must be > 0 (got %d)", c.busCapacity)
	}
	if c.centerBandLow < 0 || c.centerBandHigh > 1 || c.centerBandLow >= c.centerBandHigh {
		return fmt.Errorf("center-band-low/high must satisfy 0 <= low < high <= 1 (got %v, %v)", c.centerBandLow, c.centerBandHigh)
	}
	if c.obstacleNearCm <= 0 {
		return fmt.Errorf("obstacle-near-cm must be > 0 (got %d)", c.obstacleNearCm)
	}
	if c.ackTimeout <= 0 {
		return errors.New("ack-timeout must be > 0")
	}
	if c.maxRetries < 0 {
		return errors.New("max-retries must be >= 0")
	}
	if c.telemetryMax <= 0 {
		return fmt.Errorf("telemetry-max-clients must be > 0 (got %d)", c.telemetryMax)
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps ROBOT_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing
// is lax: empty values are ignored. Duration accepts time.ParseDuration.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	intv := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	fl := func(flagName, env string, dst *float64) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("actor-device", "ROBOT_ACTOR_DEVICE", &c.actorDev)
	str("arm-device", "ROBOT_ARM_DEVICE", &c.armDev)
	intv("baud", "ROBOT_BAUD", &c.baud)
	dur("read-timeout", "ROBOT_READ_TIMEOUT", &c.readTO)
	str("log-format", "ROBOT_LOG_FORMAT", &c.logFormat)
	str("log-level", "ROBOT_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "ROBOT_METRICS_ADDR", &c.metricsAddr)
	dur("log-metrics-interval", "ROBOT_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	intv("bus-capacity", "ROBOT_BUS_CAPACITY", &c.busCapacity)
	dur("bus-backpressure-timeout", "ROBOT_BUS_BACKPRESSURE_TIMEOUT", &c.busBackpressure)
	fl("center-band-low", "ROBOT_CENTER_BAND_LOW", &c.centerBandLow)
	fl("center-band-high", "ROBOT_CENTER_BAND_HIGH", &c.centerBandHigh)
	intv("obstacle-near-cm", "ROBOT_OBSTACLE_NEAR_CM", &c.obstacleNearCm)
	dur("ack-timeout", "ROBOT_ACK_TIMEOUT", &c.ackTimeout)
	intv("max-retries", "ROBOT_MAX_RETRIES", &c.maxRetries)
	dur("resend-loop-interval", "ROBOT_RESEND_LOOP_INTERVAL", &c.resendLoopInterval)
	dur("actor-status-period", "ROBOT_ACTOR_STATUS_PERIOD", &c.actorStatusPeriod)
	dur("arm-status-period", "ROBOT_ARM_STATUS_PERIOD", &c.armStatusPeriod)
	dur("scan-only-timeout", "ROBOT_SCAN_ONLY_TIMEOUT", &c.scanOnlyTimeout)
	dur("move-only-countdown", "ROBOT_MOVE_ONLY_COUNTDOWN", &c.moveOnlyCountdown)
	dur("tick-interval", "ROBOT_TICK_INTERVAL", &c.tickInterval)
	boolean("telemetry-enable", "ROBOT_TELEMETRY_ENABLE", &c.telemetryEnable)
	str("telemetry-addr", "ROBOT_TELEMETRY_ADDR", &c.telemetryAddr)
	intv("telemetry-max-clients", "ROBOT_TELEMETRY_MAX_CLIENTS", &c.telemetryMax)
	dur("handshake-timeout", "ROBOT_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	boolean("mdns-enable", "ROBOT_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "ROBOT_MDNS_NAME", &c.mdnsName)

	return firstErr
}
