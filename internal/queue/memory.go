package queue

import (
	"context"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"sync"
	"time"
)

type item struct {
	task domain.Task
	pill bool
}

// Memory is an in-process FIFO TaskQueue. Delayed pushes are held on timers
// and appended when they fire.
type Memory struct {
	mu      sync.Mutex
	items   []item
	delayed map[*time.Timer]domain.Task
	sealed  bool
	// wake holds at most one token; a consumer that takes it and leaves work
	// behind passes it on.
	wake chan struct{}
}

var _ ports.TaskQueue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		delayed: make(map[*time.Timer]domain.Task),
		wake:    make(chan struct{}, 1),
	}
}

func (q *Memory) Push(_ context.Context, t domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		return ports.ErrQueueSealed
	}
	q.appendLocked(item{task: t})
	return nil
}

func (q *Memory) PushAfter(ctx context.Context, t domain.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Push(ctx, t)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sealed {
		return ports.ErrQueueSealed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.delayed[timer]; !ok {
			return
		}
		delete(q.delayed, timer)
		q.appendLocked(item{task: t})
	})
	q.delayed[timer] = t
	return nil
}

func (q *Memory) PushPill(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appendLocked(item{pill: true})
	return nil
}

// appendLocked must be called with mu held.
func (q *Memory) appendLocked(it item) {
	q.items = append(q.items, it)
	q.signal()
}

func (q *Memory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Memory) Pop(ctx context.Context, block time.Duration) (*domain.Task, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			if it.pill {
				return nil, ports.ErrPoisonPill
			}
			t := it.task
			return &t, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.wake:
		}
	}
}

// Len counts ready and delayed tasks.
func (q *Memory) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.delayed)
	for _, it := range q.items {
		if !it.pill {
			n++
		}
	}
	return n, nil
}

func (q *Memory) Drain(context.Context) ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sealed = true

	var out []domain.Task
	keep := q.items[:0]
	for _, it := range q.items {
		if it.pill {
			keep = append(keep, it)
			continue
		}
		out = append(out, it.task)
	}
	q.items = keep
	for timer, t := range q.delayed {
		timer.Stop()
		out = append(out, t)
	}
	clear(q.delayed)
	return out, nil
}
