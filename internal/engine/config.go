package engine

import "time"

// Config tunes the engine's timing. All fields have sane defaults applied
// by New when left zero.
type Config struct {
	CenterBandLow  float64
	CenterBandHigh float64
	ObstacleNearCm uint

	AckTimeout         time.Duration
	MaxRetries         int
	ResendLoopInterval time.Duration

	ActorStatusPeriod time.Duration
	ArmStatusPeriod   time.Duration
	ScanOnlyTimeout    time.Duration
	MoveOnlyCountdown  time.Duration

	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CenterBandLow == 0 && c.CenterBandHigh == 0 {
		c.CenterBandLow, c.CenterBandHigh = 0.25, 0.75
	}
	if c.ObstacleNearCm == 0 {
		c.ObstacleNearCm = 30
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ResendLoopInterval <= 0 {
		c.ResendLoopInterval = 1 * time.Second
	}
	if c.ActorStatusPeriod <= 0 {
		c.ActorStatusPeriod = 1 * time.Second
	}
	if c.ArmStatusPeriod <= 0 {
		c.ArmStatusPeriod = 1 * time.Second
	}
	if c.ScanOnlyTimeout <= 0 {
		c.ScanOnlyTimeout = 5 * time.Second
	}
	if c.MoveOnlyCountdown <= 0 {
		c.MoveOnlyCountdown = 5 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	return c
}
