package usecase

import (
	"scrapeq/internal/ratelimit"
	"time"
)

// Config tunes one scheduler run. Zero values for timing knobs that must be
// positive are replaced by the defaults of DefaultConfig.
type Config struct {
	NumWorkers int

	BaseDelay                time.Duration
	MinDelay                 time.Duration
	ThrottleStep             time.Duration
	ThrottleSuccessThreshold int
	CooldownBase             time.Duration
	MaxCooldown              time.Duration

	MaxRetries         int
	MaxTotal429Retries int
	RateLimitBackoff   time.Duration
	ServerErrorBackoff time.Duration
	MaxBackoff         time.Duration

	QueueTimeout time.Duration
	TaskTimeout  time.Duration
	StaggerDelay time.Duration
	// MinInterval between any two dispatches; 0 derives it from the delay.
	MinInterval        time.Duration
	BucketTimeoutFloor time.Duration
	BucketPenalty      time.Duration
	DispatchJitter     time.Duration

	ProgressCheckInterval time.Duration
	MaxNoProgressChecks   int
	ShutdownGrace         time.Duration

	StarvationWarnAfter    int
	AuthWallAlertThreshold int

	Circuit ratelimit.BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		NumWorkers:               4,
		BaseDelay:                8 * time.Second,
		MinDelay:                 4 * time.Second,
		ThrottleStep:             100 * time.Millisecond,
		ThrottleSuccessThreshold: 25,
		CooldownBase:             5 * time.Second,
		MaxCooldown:              60 * time.Second,
		MaxRetries:               3,
		MaxTotal429Retries:       50,
		RateLimitBackoff:         30 * time.Second,
		ServerErrorBackoff:       10 * time.Second,
		MaxBackoff:               300 * time.Second,
		QueueTimeout:             10 * time.Second,
		TaskTimeout:              35 * time.Second,
		StaggerDelay:             2 * time.Second,
		BucketTimeoutFloor:       5 * time.Second,
		BucketPenalty:            10 * time.Second,
		DispatchJitter:           500 * time.Millisecond,
		ProgressCheckInterval:    10 * time.Second,
		MaxNoProgressChecks:      12,
		ShutdownGrace:            30 * time.Second,
		StarvationWarnAfter:      5,
		AuthWallAlertThreshold:   50,
		Circuit: ratelimit.BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 3,
		},
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.NumWorkers < 1 {
		c.NumWorkers = 1
	}
	if c.MinDelay > c.BaseDelay {
		c.MinDelay = c.BaseDelay
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.ProgressCheckInterval <= 0 {
		c.ProgressCheckInterval = d.ProgressCheckInterval
	}
	if c.MaxNoProgressChecks <= 0 {
		c.MaxNoProgressChecks = d.MaxNoProgressChecks
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.StarvationWarnAfter <= 0 {
		c.StarvationWarnAfter = d.StarvationWarnAfter
	}
	if c.AuthWallAlertThreshold <= 0 {
		c.AuthWallAlertThreshold = d.AuthWallAlertThreshold
	}
	return c
}

// EffectiveDelay is the base delay stretched for the worker count.
func (c Config) EffectiveDelay() time.Duration {
	return ratelimit.ScaledDelay(c.BaseDelay, c.NumWorkers)
}

func (c Config) PacerInterval() time.Duration {
	if c.MinInterval > 0 {
		return c.MinInterval
	}
	return c.EffectiveDelay() / time.Duration(max(c.NumWorkers, 1))
}
