package fetch

import (
	"context"
	"fmt"
	"net/http"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"scrapeq/pkg/backoff"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	_ ports.FetcherFactory = (*MockFactory)(nil)
	_ ports.Fetcher        = (*MockFetcher)(nil)
)

// DefaultMockLatency is a plausible page load time for demo runs.
const DefaultMockLatency = 200 * time.Millisecond

// MockOptions shapes the synthetic traffic. Ratios select URLs by hash, so
// the same URL always behaves the same way across runs.
type MockOptions struct {
	Latency time.Duration
	// InitialRateLimited makes the first N fetches of the factory return 429.
	InitialRateLimited int
	// RateLimitRatio of URLs answer 429 on their first attempt only.
	RateLimitRatio float64
	ExpiredRatio   float64
	AuthWallRatio  float64
}

// MockFactory produces fetchers that never touch the network. All fetchers
// of one factory share the attempt counters.
type MockFactory struct {
	opts MockOptions

	mu       sync.Mutex
	calls    int
	attempts map[string]int
}

func NewMockFactory(opts MockOptions) *MockFactory {
	return &MockFactory{opts: opts, attempts: make(map[string]int)}
}

func (f *MockFactory) New(workerID int) (ports.Fetcher, error) {
	return &MockFetcher{f: f, workerID: workerID}, nil
}

// Calls is the number of fetches made through the factory.
func (f *MockFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *MockFactory) next(u string) (call, attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.attempts[u]++
	return f.calls, f.attempts[u]
}

type MockFetcher struct {
	f        *MockFactory
	workerID int
}

func (m *MockFetcher) Fetch(ctx context.Context, u string) (domain.Page, error) {
	if err := backoff.Sleep(ctx, m.f.opts.Latency); err != nil {
		return domain.Page{}, err
	}
	call, attempt := m.f.next(u)
	page := domain.Page{Status: http.StatusOK, RequestURL: u, FinalURL: u}

	bucket := float64(xxhash.Sum64String(u)%10000) / 10000
	opts := m.f.opts
	switch {
	case call <= opts.InitialRateLimited:
		page.Status = http.StatusTooManyRequests
		return page, nil
	case bucket < opts.RateLimitRatio && attempt == 1:
		page.Status = http.StatusTooManyRequests
		return page, nil
	case bucket < opts.RateLimitRatio+opts.ExpiredRatio:
		page.Status = http.StatusNotFound
		page.Title = "Page Not Found"
		return page, nil
	case bucket < opts.RateLimitRatio+opts.ExpiredRatio+opts.AuthWallRatio:
		page.FinalURL = "https://mock.invalid/authwall?from=" + domain.LastPathSegment(u)
		page.Body = "Sign in to see this page. New here? Join now."
		return page, nil
	}

	page.Title = "Synthetic listing " + domain.LastPathSegment(u)
	page.Body = fmt.Sprintf("We are looking for a backend engineer to build reliable services in Go. "+
		"You will work with PostgreSQL, Redis and Docker on Kubernetes, review code and support "+
		"the platform team. Served by mock worker %d.", m.workerID)
	return page, nil
}

func (m *MockFetcher) Close() error { return nil }
