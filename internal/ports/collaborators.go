package ports

import (
	"context"
	"scrapeq/internal/domain"
)

// Fetcher performs the network or browser I/O for one URL. A Fetcher is
// owned by a single worker for its lifetime.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (domain.Page, error)
	Close() error
}

// Resetter is implemented by fetchers that can drop per-connection state
// after a timed out task.
type Resetter interface {
	Reset()
}

// FetcherFactory creates the per-worker fetch resource. An error here is
// fatal for the run.
type FetcherFactory interface {
	New(workerID int) (Fetcher, error)
}

type Extractor interface {
	Extract(text string) []string
}

type Validator interface {
	Validate(t domain.Task, extracted []string) (ok bool, reason string)
}

// Store deduplicates and durably persists successful pages. Delete removes
// a task from the backlog permanently.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Persist(ctx context.Context, t domain.Task, p domain.Payload) error
	Delete(ctx context.Context, id string) error
}

// ProgressSink receives best-effort observability events. Emit must not block.
type ProgressSink interface {
	Emit(eventType string, payload map[string]any)
}
