package usecase

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats summarizes a run. Every disposition of a task counts once in
// Processed, so at the end of a run
// Processed == Success + Expired + Failed + Skipped + Discarded + Retried.
type Stats struct {
	Submitted    int           `json:"submitted"`
	Deduplicated int           `json:"deduplicated"`
	Processed    int           `json:"processed"`
	Success      int           `json:"success"`
	Expired      int           `json:"expired"`
	Failed       int           `json:"failed"`
	Retried      int           `json:"retried"`
	Skipped      int           `json:"skipped"`
	Discarded    int           `json:"discarded"`
	StopReason   string        `json:"stop_reason,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
}

// Map renders the stats as a progress event payload.
func (s Stats) Map() map[string]any {
	return map[string]any{
		"submitted":    s.Submitted,
		"deduplicated": s.Deduplicated,
		"processed":    s.Processed,
		"success":      s.Success,
		"expired":      s.Expired,
		"failed":       s.Failed,
		"retried":      s.Retried,
		"skipped":      s.Skipped,
		"discarded":    s.Discarded,
		"stop_reason":  s.StopReason,
		"duration_ms":  s.Duration.Milliseconds(),
	}
}

type statsBox struct {
	mu sync.Mutex
	s  Stats
	// consecutive auth walls across all workers; the alert fires once per run
	authWallThreshold int
	authWallStreak    int
	authWallAlerted   bool
}

// record counts one disposition. alert is true the first time the auth wall
// streak reaches its threshold.
func (b *statsBox) record(a Action, authWall bool) (streak int, alert bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Processed++
	switch a {
	case ActionDone:
		b.s.Success++
		b.authWallStreak = 0
	case ActionRetry:
		b.s.Retried++
	case ActionFail:
		b.s.Failed++
	case ActionDelete:
		b.s.Expired++
	case ActionDiscard:
		b.s.Discarded++
	case ActionSkip:
		b.s.Skipped++
	}
	if authWall {
		b.authWallStreak++
		if !b.authWallAlerted && b.authWallThreshold > 0 && b.authWallStreak >= b.authWallThreshold {
			b.authWallAlerted = true
			alert = true
		}
	}
	return b.authWallStreak, alert
}

func (b *statsBox) update(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.s)
	b.mu.Unlock()
}

func (b *statsBox) snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

func (b *statsBox) processed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s.Processed
}

// WorkerSlot is the live state of one worker. Only its worker writes it.
type WorkerSlot struct {
	ID       int
	busy     atomic.Bool
	success  atomic.Int64
	failure  atomic.Int64
	taskID   atomic.Value
	idleRuns atomic.Int64
}

type SlotSnapshot struct {
	ID           int    `json:"id"`
	Busy         bool   `json:"busy"`
	TaskID       string `json:"task_id,omitempty"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	IdlePolls    int64  `json:"idle_polls"`
}

func (w *WorkerSlot) snapshot() SlotSnapshot {
	id, _ := w.taskID.Load().(string)
	return SlotSnapshot{
		ID:           w.ID,
		Busy:         w.busy.Load(),
		TaskID:       id,
		SuccessCount: w.success.Load(),
		FailureCount: w.failure.Load(),
		IdlePolls:    w.idleRuns.Load(),
	}
}
