package usecase

import (
	"context"
	"errors"
	"fmt"
	"scrapeq/internal/classify"
	"scrapeq/internal/domain"
	"scrapeq/internal/extract"
	"scrapeq/internal/fetch"
	"scrapeq/internal/infra/memstore"
	"scrapeq/internal/ports"
	"scrapeq/internal/progress"
	"scrapeq/internal/queue"
	"scrapeq/internal/ratelimit"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(workers int) Config {
	return Config{
		NumWorkers:               workers,
		BaseDelay:                5 * time.Millisecond,
		MinDelay:                 time.Millisecond,
		ThrottleStep:             time.Millisecond,
		ThrottleSuccessThreshold: 3,
		CooldownBase:             5 * time.Millisecond,
		MaxCooldown:              20 * time.Millisecond,
		MaxRetries:               3,
		MaxTotal429Retries:       50,
		RateLimitBackoff:         5 * time.Millisecond,
		ServerErrorBackoff:       5 * time.Millisecond,
		MaxBackoff:               50 * time.Millisecond,
		QueueTimeout:             20 * time.Millisecond,
		TaskTimeout:              time.Second,
		BucketTimeoutFloor:       10 * time.Millisecond,
		BucketPenalty:            5 * time.Millisecond,
		ProgressCheckInterval:    50 * time.Millisecond,
		MaxNoProgressChecks:      100,
		ShutdownGrace:            time.Second,
		AuthWallAlertThreshold:   50,
		Circuit: ratelimit.BreakerConfig{
			FailureThreshold: 10,
			RecoveryTimeout:  20 * time.Millisecond,
			SuccessThreshold: 1,
		},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *recordingSink) Emit(eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[eventType]++
}

func (r *recordingSink) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[eventType]
}

func newTasks(n int) []domain.Task {
	tasks := make([]domain.Task, n)
	for i := range tasks {
		tasks[i] = domain.NewTask("test", fmt.Sprintf("https://jobs.example.com/jobs/view/%d/", 1000+i), "go")
	}
	return tasks
}

func newDeps(t *testing.T, fetchers ports.FetcherFactory, store ports.Store, sink ports.ProgressSink) Deps {
	t.Helper()
	c, err := classify.New(classify.DefaultRules())
	require.NoError(t, err)
	lex, err := extract.LoadLexicon("")
	require.NoError(t, err)
	return Deps{
		Queue:      queue.NewMemory(),
		Fetchers:   fetchers,
		Classifier: c,
		Extractor:  lex,
		Validator:  extract.MinSkills(2),
		Store:      store,
		Sink:       sink,
	}
}

func assertAccounted(t *testing.T, st Stats) {
	t.Helper()
	assert.Equal(t, st.Processed, st.Success+st.Expired+st.Failed+st.Skipped+st.Discarded+st.Retried)
}

func TestScheduler_RunRecoversFromRateLimits(t *testing.T) {
	store := memstore.New()
	factory := fetch.NewMockFactory(fetch.MockOptions{InitialRateLimited: 3})
	sink := &recordingSink{}
	s, err := NewScheduler(testConfig(2), newDeps(t, factory, store, sink))
	require.NoError(t, err)

	tasks := newTasks(10)
	n, err := s.Submit(context.Background(), tasks)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	st, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "completed", st.StopReason)
	assert.Equal(t, 10, st.Success)
	assert.Equal(t, 3, st.Retried)
	assert.Zero(t, st.Failed)
	assertAccounted(t, st)
	assert.Equal(t, 13, factory.Calls())

	for _, task := range tasks {
		assert.Equal(t, 1, store.PersistCalls(task.ID), task.URL)
		rec, ok := store.Get(task.ID)
		require.True(t, ok)
		assert.Contains(t, rec.Payload.Skills, "go")
		assert.False(t, rec.Payload.FetchedAt.IsZero())
	}
	assert.Equal(t, 3, sink.Count(string(progress.EventRateLimited)))
	assert.Equal(t, 1, sink.Count(string(progress.EventSchedulerStart)))
	assert.Equal(t, 1, sink.Count(string(progress.EventSchedulerFinish)))
	assert.Equal(t, 13, sink.Count(string(progress.EventJobComplete)))

	snap := s.Snapshot(context.Background())
	assert.False(t, snap.Running)
	assert.Len(t, snap.Slots, 2)
	assert.Zero(t, snap.Pending)
}

func TestScheduler_SubmitDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tasks := newTasks(4)
	store.Seed(tasks[0])

	s, err := NewScheduler(testConfig(1), newDeps(t, fetch.NewMockFactory(fetch.MockOptions{}), store, nil))
	require.NoError(t, err)

	n, err := s.Submit(ctx, tasks)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.Submit(ctx, tasks)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Submitted)
	assert.Equal(t, 5, st.Deduplicated)
	assert.Equal(t, 3, st.Success)
	for _, task := range tasks[1:] {
		assert.Equal(t, 1, store.PersistCalls(task.ID))
	}
	assert.Zero(t, store.PersistCalls(tasks[0].ID))
}

func TestScheduler_EmptyRunCompletes(t *testing.T) {
	s, err := NewScheduler(testConfig(3), newDeps(t, fetch.NewMockFactory(fetch.MockOptions{}), memstore.New(), nil))
	require.NoError(t, err)

	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "completed", st.StopReason)
	assert.Zero(t, st.Processed)

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestScheduler_ExpiredTasksAreDeleted(t *testing.T) {
	store := memstore.New()
	s, err := NewScheduler(testConfig(2), newDeps(t, fetch.NewMockFactory(fetch.MockOptions{ExpiredRatio: 1}), store, nil))
	require.NoError(t, err)

	tasks := newTasks(5)
	_, err = s.Submit(context.Background(), tasks)
	require.NoError(t, err)

	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, st.Expired)
	assertAccounted(t, st)
	for _, task := range tasks {
		assert.True(t, store.Deleted(task.ID))
		assert.Zero(t, store.PersistCalls(task.ID))
	}
}

func TestScheduler_AuthWallAlertFiresOnce(t *testing.T) {
	cfg := testConfig(2)
	cfg.AuthWallAlertThreshold = 3
	sink := &recordingSink{}
	s, err := NewScheduler(cfg, newDeps(t, fetch.NewMockFactory(fetch.MockOptions{AuthWallRatio: 1}), memstore.New(), sink))
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), newTasks(6))
	require.NoError(t, err)

	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, st.Skipped)
	assert.Equal(t, 1, sink.Count(string(progress.EventSessionExpired)))
}

func TestScheduler_ValidationDiscards(t *testing.T) {
	deps := newDeps(t, fetch.NewMockFactory(fetch.MockOptions{}), memstore.New(), nil)
	deps.Validator = extract.MinSkills(50)
	s, err := NewScheduler(testConfig(1), deps)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), newTasks(2))
	require.NoError(t, err)
	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Discarded)
}

type blockingFactory struct {
	created atomic.Int32
	closed  atomic.Int32
	failAt  int
}

func (f *blockingFactory) New(workerID int) (ports.Fetcher, error) {
	if f.failAt > 0 && workerID == f.failAt {
		return nil, errors.New("browser failed to start")
	}
	f.created.Add(1)
	return blockingFetcher{f: f}, nil
}

type blockingFetcher struct{ f *blockingFactory }

func (b blockingFetcher) Fetch(ctx context.Context, _ string) (domain.Page, error) {
	<-ctx.Done()
	return domain.Page{}, ctx.Err()
}

func (b blockingFetcher) Close() error {
	b.f.closed.Add(1)
	return nil
}

func TestScheduler_StallForcesStop(t *testing.T) {
	cfg := testConfig(1)
	cfg.TaskTimeout = 10 * time.Second
	cfg.ProgressCheckInterval = 20 * time.Millisecond
	cfg.MaxNoProgressChecks = 3
	cfg.ShutdownGrace = 100 * time.Millisecond
	factory := &blockingFactory{}
	sink := &recordingSink{}
	s, err := NewScheduler(cfg, newDeps(t, factory, memstore.New(), sink))
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), newTasks(3))
	require.NoError(t, err)

	st, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, "stalled", st.StopReason)
	assert.Equal(t, 3, st.Failed)
	assertAccounted(t, st)
	assert.Equal(t, 1, sink.Count(string(progress.EventDeadlockWarning)))
	assert.Equal(t, int32(1), factory.closed.Load())
}

func TestScheduler_CancelStopsRun(t *testing.T) {
	cfg := testConfig(2)
	cfg.TaskTimeout = 10 * time.Second
	s, err := NewScheduler(cfg, newDeps(t, &blockingFactory{}, memstore.New(), nil))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), newTasks(4))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	st, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "cancelled", st.StopReason)
	assert.Equal(t, 4, st.Failed)
	assertAccounted(t, st)
}

func TestScheduler_FetcherFactoryErrorIsFatal(t *testing.T) {
	factory := &blockingFactory{failAt: 1}
	s, err := NewScheduler(testConfig(3), newDeps(t, factory, memstore.New(), nil))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), newTasks(2))
	require.NoError(t, err)

	st, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser failed to start")
	assert.Equal(t, "fatal", st.StopReason)
	assert.Equal(t, 2, st.Failed)
	assert.Equal(t, st.Submitted, st.Processed)
	assertAccounted(t, st)
	assert.Equal(t, int32(1), factory.created.Load())
	assert.Equal(t, int32(1), factory.closed.Load())
}

func TestNewScheduler_RequiresDeps(t *testing.T) {
	_, err := NewScheduler(testConfig(1), Deps{})
	assert.Error(t, err)
}

func TestScheduler_RetryBackoffLongerThanStallWindow(t *testing.T) {
	cfg := testConfig(1)
	cfg.ProgressCheckInterval = 10 * time.Millisecond
	cfg.MaxNoProgressChecks = 12
	cfg.RateLimitBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 300 * time.Millisecond
	sink := &recordingSink{}
	s, err := NewScheduler(cfg, newDeps(t, fetch.NewMockFactory(fetch.MockOptions{InitialRateLimited: 3}), memstore.New(), sink))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), newTasks(1))
	require.NoError(t, err)

	// the third backoff (200ms nominal) outlasts 12 checks of 10ms
	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "completed", st.StopReason)
	assert.Equal(t, 1, st.Success)
	assert.Equal(t, 3, st.Retried)
	assert.Zero(t, st.Failed)
	assert.Zero(t, sink.Count(string(progress.EventDeadlockWarning)))
}

// scriptedFactory hands out fetchers that share one call counter; step
// decides what the n-th fetch (counting from 1) does.
type scriptedFactory struct {
	step   func(ctx context.Context, call int, url string) (domain.Page, error)
	calls  atomic.Int32
	resets atomic.Int32
}

func (f *scriptedFactory) New(int) (ports.Fetcher, error) { return scriptedFetcher{f: f}, nil }

type scriptedFetcher struct{ f *scriptedFactory }

func (s scriptedFetcher) Fetch(ctx context.Context, url string) (domain.Page, error) {
	return s.f.step(ctx, int(s.f.calls.Add(1)), url)
}

func (s scriptedFetcher) Reset() { s.f.resets.Add(1) }

func (s scriptedFetcher) Close() error { return nil }

func listing(url string) domain.Page {
	return domain.Page{
		Status:     200,
		RequestURL: url,
		FinalURL:   url,
		Title:      "Go Engineer",
		Body: "We are looking for a backend engineer to build reliable services in Go. " +
			"You will work with PostgreSQL, Redis and Docker on Kubernetes, review code and support " +
			"the platform team.",
	}
}

func serverError(url string) domain.Page {
	return domain.Page{Status: 503, RequestURL: url, FinalURL: url}
}

func TestScheduler_HardTimeoutResetsFetcherAndRetries(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	factory := &scriptedFactory{step: func(_ context.Context, call int, url string) (domain.Page, error) {
		if call == 1 {
			<-release // ignores its context
		}
		return listing(url), nil
	}}
	cfg := testConfig(1)
	cfg.TaskTimeout = 30 * time.Millisecond
	s, err := NewScheduler(cfg, newDeps(t, factory, memstore.New(), nil))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), newTasks(1))
	require.NoError(t, err)

	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Success)
	assert.Equal(t, 1, st.Retried)
	assert.Equal(t, int32(1), factory.resets.Load())
	assert.Equal(t, int32(2), factory.calls.Load())
	assertAccounted(t, st)
}

func TestScheduler_PanicInFetchFailsOnlyThatTask(t *testing.T) {
	factory := &scriptedFactory{step: func(_ context.Context, call int, url string) (domain.Page, error) {
		if call == 1 {
			panic("fetcher exploded")
		}
		return listing(url), nil
	}}
	sink := &recordingSink{}
	s, err := NewScheduler(testConfig(1), newDeps(t, factory, memstore.New(), sink))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), newTasks(2))
	require.NoError(t, err)

	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Success)
	assert.Equal(t, 2, sink.Count(string(progress.EventJobComplete)))
	assertAccounted(t, st)
}

func TestScheduler_OpenCircuitPausesDispatch(t *testing.T) {
	factory := &scriptedFactory{step: func(_ context.Context, call int, url string) (domain.Page, error) {
		if call <= 2 {
			return serverError(url), nil
		}
		return listing(url), nil
	}}
	cfg := testConfig(1)
	cfg.Circuit = ratelimit.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond, SuccessThreshold: 1}
	sink := &recordingSink{}
	s, err := NewScheduler(cfg, newDeps(t, factory, memstore.New(), sink))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), newTasks(3))
	require.NoError(t, err)

	start := time.Now()
	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 3, st.Success)
	assert.Equal(t, 2, st.Retried)
	assertAccounted(t, st)

	// closed->open, open->half_open, half_open->closed
	assert.Equal(t, 3, sink.Count(string(progress.EventCircuitState)))
	assert.Positive(t, sink.Count(string(progress.EventSlotWaiting)))
	assert.Equal(t, "closed", s.Snapshot(context.Background()).Circuit)
}

func TestScheduler_ServerErrorsExhaustTaskBudget(t *testing.T) {
	factory := &scriptedFactory{step: func(_ context.Context, _ int, url string) (domain.Page, error) {
		return serverError(url), nil
	}}
	cfg := testConfig(1)
	cfg.MaxRetries = 2
	sink := &recordingSink{}
	s, err := NewScheduler(cfg, newDeps(t, factory, memstore.New(), sink))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), newTasks(1))
	require.NoError(t, err)

	st, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Retried)
	assert.Equal(t, 1, st.Failed)
	assert.Zero(t, st.Success)
	assert.Equal(t, int32(3), factory.calls.Load())
	assert.Equal(t, 3, sink.Count(string(progress.EventJobComplete)))
	assertAccounted(t, st)
}
