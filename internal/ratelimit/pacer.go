package ratelimit

import (
	"context"
	"scrapeq/pkg/backoff"
	"sync"
	"time"
)

// Pacer enforces a minimum interval between any two dispatches across all
// workers. Slots are reserved under the lock and slept on outside it.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval, now: time.Now}
}

// Reserve claims the next dispatch slot and returns it together with how
// long the caller has to wait for it.
func (p *Pacer) Reserve() (at time.Time, wait time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.last.IsZero() {
		p.last = now
		return now, 0
	}
	wait = p.interval - now.Sub(p.last)
	if wait > 0 {
		p.last = p.last.Add(p.interval)
		return p.last, wait
	}
	p.last = now
	return now, 0
}

// Wait reserves a slot and sleeps until it arrives.
func (p *Pacer) Wait(ctx context.Context) (time.Time, error) {
	at, wait := p.Reserve()
	if err := backoff.Sleep(ctx, wait); err != nil {
		return at, err
	}
	return at, nil
}

func (p *Pacer) Interval() time.Duration { return p.interval }
