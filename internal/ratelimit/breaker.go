package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitBreaker pauses all dispatch after repeated failures. State only
// changes through Check, RecordSuccess and RecordFailure.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       CircuitState
	failures    int
	probes      int
	lastFailure time.Time
	now         func() time.Time

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(from, to CircuitState)
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Check returns ErrCircuitOpen while the breaker is open. Once the recovery
// timeout has passed it moves to half-open and lets the caller through.
func (b *CircuitBreaker) Check() error {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.lastFailure) <= b.cfg.RecoveryTimeout {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.probes = 0
	from := b.transition(StateHalfOpen)
	b.mu.Unlock()
	b.notify(from, StateHalfOpen)
	return nil
}

// RetryAfter is the time left before an open breaker will admit a probe.
func (b *CircuitBreaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	d := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailure)
	if d < 0 {
		return 0
	}
	return d
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	from, changed := b.state, false
	switch b.state {
	case StateHalfOpen:
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.transition(StateClosed)
			changed = true
		}
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, StateClosed)
	}
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	from, changed := b.state, false
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
		changed = true
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			changed = true
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, StateOpen)
	}
}

func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *CircuitBreaker) transition(to CircuitState) CircuitState {
	from := b.state
	b.state = to
	return from
}

func (b *CircuitBreaker) notify(from, to CircuitState) {
	if b.OnStateChange != nil && from != to {
		b.OnStateChange(from, to)
	}
}
