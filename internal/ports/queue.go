package ports

import (
	"context"
	"errors"
	"scrapeq/internal/domain"
	"time"
)

var (
	// ErrPoisonPill is returned by Pop when the worker should shut down.
	ErrPoisonPill = errors.New("poison pill")
	// ErrQueueSealed is returned when pushing a task after Drain.
	ErrQueueSealed = errors.New("queue sealed")
)

// TaskQueue is a FIFO of pending tasks. Pop returns (nil, nil) when nothing
// arrived within block.
type TaskQueue interface {
	Push(ctx context.Context, t domain.Task) error
	PushAfter(ctx context.Context, t domain.Task, delay time.Duration) error
	PushPill(ctx context.Context) error
	Pop(ctx context.Context, block time.Duration) (*domain.Task, error)
	Len(ctx context.Context) (int, error)
	// Drain removes every pending task, delayed ones included, and seals the
	// queue against further task pushes. Pills are still accepted.
	Drain(ctx context.Context) ([]domain.Task, error)
}

// TaskStateRecorder is implemented by queues that keep a per-task status
// record next to the queue itself.
type TaskStateRecorder interface {
	SaveState(ctx context.Context, t domain.Task, status domain.TaskStatus) error
}
