package ratelimit

import (
	"context"
	"errors"
	"math"
	"scrapeq/pkg/backoff"
	"sync"
	"time"
)

var ErrBucketTimeout = errors.New("token bucket: timed out waiting for a token")

// maxBucketSleep bounds a single wait so that rate changes made by other
// workers are picked up quickly.
const maxBucketSleep = 500 * time.Millisecond

// TokenBucket allows bursts up to capacity while holding a long-run average
// of rate tokens per second. The mutex is never held while sleeping.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

func NewTokenBucket(capacity, rate, initial float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if rate <= 0 {
		rate = 1
	}
	b := &TokenBucket{
		capacity: capacity,
		rate:     rate,
		tokens:   math.Min(math.Max(initial, 0), capacity),
		now:      time.Now,
	}
	b.last = b.now()
	return b
}

// refill must be called with mu held.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.last = now
}

// Acquire takes one token, waiting up to timeout for it to become available.
func (b *TokenBucket) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrBucketTimeout
		}
		wait = min(wait, maxBucketSleep, remaining)
		if err := backoff.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAcquire takes a token only if one is available right now.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Penalize removes the tokens that would be earned over d.
func (b *TokenBucket) Penalize(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.tokens = math.Max(0, b.tokens-d.Seconds()*b.rate)
}

func (b *TokenBucket) Boost(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.tokens = math.Min(b.capacity, b.tokens+amount)
}

// SetRate settles the refill owed at the old rate before switching.
func (b *TokenBucket) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.rate = rate
}

func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *TokenBucket) Capacity() float64 { return b.capacity }
