package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenWait(t *testing.T) {
	const capacity, rate = 5, 20.0 // one token every 50ms
	b := NewTokenBucket(capacity, rate, capacity)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < capacity; i++ {
		require.NoError(t, b.Acquire(ctx, time.Second))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond, "burst should not block")

	start = time.Now()
	require.NoError(t, b.Acquire(ctx, time.Second))
	waited := time.Since(start)
	assert.GreaterOrEqual(t, waited, 40*time.Millisecond)
	assert.Less(t, waited, 250*time.Millisecond)
}

func TestTokenBucket_Timeout(t *testing.T) {
	b := NewTokenBucket(1, 0.5, 0)
	err := b.Acquire(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrBucketTimeout)
}

func TestTokenBucket_ContextCancel(t *testing.T) {
	b := NewTokenBucket(1, 0.1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucket_PenalizeBoostSetRate(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(10, 2, 6)
	b.now = clock.Now
	b.last = clock.Now()

	b.Penalize(2 * time.Second)
	assert.InDelta(t, 2.0, b.Available(), 1e-9)

	b.Penalize(time.Minute)
	assert.InDelta(t, 0.0, b.Available(), 1e-9)

	b.Boost(100)
	assert.InDelta(t, 10.0, b.Available(), 1e-9)

	b.Penalize(time.Hour)
	clock.Advance(time.Second) // 2 tokens owed at the old rate
	b.SetRate(10)
	assert.InDelta(t, 2.0, b.Available(), 1e-9)
	clock.Advance(500 * time.Millisecond)
	assert.InDelta(t, 7.0, b.Available(), 1e-9)
	assert.Equal(t, 10.0, b.Rate())
}

func TestTokenBucket_ConcurrentWaitersDoNotSerialize(t *testing.T) {
	b := NewTokenBucket(4, 40, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Acquire(ctx, 2*time.Second))
		}()
	}
	wg.Wait()
	// 4 tokens at 40/s is ~100ms; a lock held across sleeps would be far slower.
	assert.Less(t, time.Since(start), 600*time.Millisecond)
}

func TestCircuitBreaker_StateMachine(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2})
	b.now = clock.Now

	var transitions []string
	b.OnStateChange = func(from, to CircuitState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Check())
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Check(), ErrCircuitOpen)
	assert.Equal(t, 10*time.Second, b.RetryAfter())

	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, b.Check(), ErrCircuitOpen)

	clock.Advance(6 * time.Second)
	require.NoError(t, b.Check())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Second, SuccessThreshold: 3})
	b.now = clock.Now

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Check())
	b.RecordSuccess()
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Check(), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessesDecrementFailures(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second, SuccessThreshold: 1})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "2 - 1 + 1 failures stays below threshold")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestAdaptiveThrottle_DecreasesToFloor(t *testing.T) {
	th := NewAdaptiveThrottle(ThrottleConfig{
		NumWorkers:       1,
		BaseDelay:        time.Second,
		MinDelay:         800 * time.Millisecond,
		Step:             150 * time.Millisecond,
		SuccessThreshold: 3,
	})
	require.Equal(t, time.Second, th.CurrentDelay())

	assert.False(t, th.RecordSuccess())
	assert.False(t, th.RecordSuccess())
	assert.True(t, th.RecordSuccess())
	assert.Equal(t, 850*time.Millisecond, th.CurrentDelay())

	for i := 0; i < 30; i++ {
		th.RecordSuccess()
	}
	assert.Equal(t, 800*time.Millisecond, th.CurrentDelay())
}

func TestAdaptiveThrottle_ScaledBaseAndReset(t *testing.T) {
	clock := newFakeClock()
	th := NewAdaptiveThrottle(ThrottleConfig{
		NumWorkers:       4,
		BaseDelay:        10 * time.Second,
		MinDelay:         time.Second,
		Step:             time.Second,
		SuccessThreshold: 1,
		CooldownBase:     5 * time.Second,
		MaxCooldown:      12 * time.Second,
	})
	th.now = clock.Now

	assert.Equal(t, 13*time.Second, th.ScaledBase())
	th.RecordSuccess()
	th.RecordSuccess()
	require.Equal(t, 11*time.Second, th.CurrentDelay())

	assert.Equal(t, 5*time.Second, th.RecordRateLimited())
	assert.Equal(t, 13*time.Second, th.CurrentDelay())
	assert.Equal(t, 5*time.Second, th.PauseRemaining())

	assert.Equal(t, 10*time.Second, th.RecordRateLimited())
	assert.Equal(t, 12*time.Second, th.RecordRateLimited(), "capped")
	assert.Equal(t, 3, th.Consecutive429())

	clock.Advance(20 * time.Second)
	assert.Zero(t, th.PauseRemaining())

	th.RecordSuccess()
	assert.Equal(t, 2, th.Consecutive429())
}

func TestAdaptiveThrottle_RatePenalty(t *testing.T) {
	th := NewAdaptiveThrottle(ThrottleConfig{NumWorkers: 2, BaseDelay: time.Second, MinRate: 0.5})
	base := th.Rate()
	assert.InDelta(t, 2/1.1, base, 1e-9)

	th.RecordRateLimited()
	assert.InDelta(t, base/1.5, th.Rate(), 1e-9)

	for i := 0; i < 10; i++ {
		th.RecordRateLimited()
	}
	assert.Equal(t, 0.5, th.Rate())
}

func TestPacer_SpacingAcrossWorkers(t *testing.T) {
	const interval = 15 * time.Millisecond
	p := NewPacer(interval)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		reserved []time.Time
		woke     []time.Time
		wg       sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				at, err := p.Wait(ctx)
				assert.NoError(t, err)
				now := time.Now()
				mu.Lock()
				reserved = append(reserved, at)
				woke = append(woke, now)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(reserved, func(i, j int) bool { return reserved[i].Before(reserved[j]) })
	for i := 1; i < len(reserved); i++ {
		assert.GreaterOrEqual(t, reserved[i].Sub(reserved[i-1]), interval)
	}
	sort.Slice(woke, func(i, j int) bool { return woke[i].Before(woke[j]) })
	assert.GreaterOrEqual(t, woke[len(woke)-1].Sub(woke[0]), interval*time.Duration(len(woke)-2))
}

func TestPacer_NoWaitWhenIdle(t *testing.T) {
	clock := newFakeClock()
	p := NewPacer(time.Second)
	p.now = clock.Now

	_, wait := p.Reserve()
	assert.Zero(t, wait)
	_, wait = p.Reserve()
	assert.Equal(t, time.Second, wait)

	clock.Advance(5 * time.Second)
	_, wait = p.Reserve()
	assert.Zero(t, wait)
}
