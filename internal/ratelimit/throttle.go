package ratelimit

import (
	"math"
	"sync"
	"time"
)

type ThrottleConfig struct {
	NumWorkers       int
	BaseDelay        time.Duration
	MinDelay         time.Duration
	Step             time.Duration
	SuccessThreshold int
	CooldownBase     time.Duration
	MaxCooldown      time.Duration
	// MinRate floors the bucket rate handed out while 429s are outstanding.
	MinRate float64
}

// AdaptiveThrottle tunes the per-dispatch delay from the recent outcome
// history: it loosens slowly on success streaks and snaps back on 429s.
type AdaptiveThrottle struct {
	mu             sync.Mutex
	cfg            ThrottleConfig
	scaledBase     time.Duration
	current        time.Duration
	successStreak  int
	consecutive429 int
	pauseUntil     time.Time
	now            func() time.Time
}

func NewAdaptiveThrottle(cfg ThrottleConfig) *AdaptiveThrottle {
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 25
	}
	if cfg.Step <= 0 {
		cfg.Step = 100 * time.Millisecond
	}
	scaled := ScaledDelay(cfg.BaseDelay, cfg.NumWorkers)
	return &AdaptiveThrottle{
		cfg:        cfg,
		scaledBase: scaled,
		current:    scaled,
		now:        time.Now,
	}
}

// ScaledDelay stretches the base delay with the worker count so that the
// aggregate request rate stays roughly constant.
func ScaledDelay(base time.Duration, workers int) time.Duration {
	if workers < 1 {
		workers = 1
	}
	return time.Duration(float64(base) * (1 + 0.1*float64(workers-1)))
}

// RecordSuccess returns true when the success streak lowered the delay.
func (t *AdaptiveThrottle) RecordSuccess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consecutive429 > 0 {
		t.consecutive429--
	}
	t.successStreak++
	if t.successStreak < t.cfg.SuccessThreshold {
		return false
	}
	t.successStreak = 0
	next := max(t.current-t.cfg.Step, t.cfg.MinDelay)
	if next < t.current {
		t.current = next
		return true
	}
	return false
}

// RecordRateLimited resets the delay to the scaled base and starts a global
// cooldown that grows with the number of consecutive 429s.
func (t *AdaptiveThrottle) RecordRateLimited() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = t.scaledBase
	t.successStreak = 0
	t.consecutive429++

	cool := time.Duration(float64(t.cfg.CooldownBase) * math.Pow(2, float64(t.consecutive429-1)))
	if t.cfg.MaxCooldown > 0 && cool > t.cfg.MaxCooldown {
		cool = t.cfg.MaxCooldown
	}
	if until := t.now().Add(cool); until.After(t.pauseUntil) {
		t.pauseUntil = until
	}
	return cool
}

// RecordFailure breaks the success streak without touching the delay.
func (t *AdaptiveThrottle) RecordFailure() {
	t.mu.Lock()
	t.successStreak = 0
	t.mu.Unlock()
}

func (t *AdaptiveThrottle) CurrentDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *AdaptiveThrottle) ScaledBase() time.Duration { return t.scaledBase }

func (t *AdaptiveThrottle) Consecutive429() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive429
}

func (t *AdaptiveThrottle) PauseRemaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.pauseUntil.Sub(t.now())
	if d < 0 {
		return 0
	}
	return d
}

// Rate is the token refill rate matching the current delay, slowed by 1.5x
// per outstanding 429.
func (t *AdaptiveThrottle) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current <= 0 {
		return math.Inf(1)
	}
	rate := float64(t.cfg.NumWorkers) / t.current.Seconds()
	if t.consecutive429 > 0 {
		rate /= math.Pow(1.5, float64(t.consecutive429))
		rate = math.Max(rate, t.cfg.MinRate)
	}
	return rate
}
