package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusDone      TaskStatus = "done"
	StatusFailed    TaskStatus = "failed"
	StatusDelayed   TaskStatus = "delayed"
	StatusExpired   TaskStatus = "expired"
	StatusSkipped   TaskStatus = "skipped"
	StatusDiscarded TaskStatus = "discarded"
)

// Task is one page to retrieve. Only RetryCount changes after creation.
type Task struct {
	ID         string `json:"id"`
	Platform   string `json:"platform"`
	URL        string `json:"url"`
	Role       string `json:"role"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	RetryCount int    `json:"retry_count"`
}

// NewTask builds a task whose ID is derived from platform and url.
func NewTask(platform, rawURL, role string) Task {
	u := strings.TrimSpace(rawURL)
	return Task{
		ID:       NewTaskID(platform, u),
		Platform: platform,
		URL:      u,
		Role:     strings.TrimSpace(role),
	}
}

// NewTaskID returns a stable identity for a platform+url pair.
func NewTaskID(platform, rawURL string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.ToLower(platform)+"|"+rawURL))
}

// ListingKey is the trailing path segment of the task URL, which detail
// pages on most job boards use as their public identifier.
func (t Task) ListingKey() string {
	return LastPathSegment(t.URL)
}

// LastPathSegment returns the last non-empty path segment of raw, ignoring
// query and fragment.
func LastPathSegment(raw string) string {
	u, err := url.Parse(raw)
	path := raw
	if err == nil {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}

// Payload is what a successful retrieval hands to the Store.
type Payload struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	FinalURL  string    `json:"final_url"`
	Skills    []string  `json:"skills"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Page is the raw result of one fetch.
type Page struct {
	Status     int    `json:"status"`
	RequestURL string `json:"request_url"`
	FinalURL   string `json:"final_url"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}
