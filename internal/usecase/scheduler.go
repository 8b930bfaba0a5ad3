package usecase

import (
	"context"
	"errors"
	"fmt"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"scrapeq/internal/progress"
	"scrapeq/internal/ratelimit"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: run already started")
	// ErrStalled is returned when the run was stopped because no task made
	// progress for too long.
	ErrStalled = errors.New("scheduler: no progress, run stopped")
)

// Classifier turns a fetched page into an outcome.
type Classifier interface {
	Classify(p domain.Page) domain.Outcome
}

// Deps are the collaborators of a Scheduler. Extractor, Validator and Sink
// are optional.
type Deps struct {
	Queue      ports.TaskQueue
	Fetchers   ports.FetcherFactory
	Classifier Classifier
	Extractor  ports.Extractor
	Validator  ports.Validator
	Store      ports.Store
	Sink       ports.ProgressSink
}

// Scheduler owns every piece of shared rate-limiting state for one run.
type Scheduler struct {
	cfg  Config
	deps Deps

	bucket   *ratelimit.TokenBucket
	breaker  *ratelimit.CircuitBreaker
	throttle *ratelimit.AdaptiveThrottle
	pacer    *ratelimit.Pacer
	policy   *RetryPolicy
	tracker  *progress.Tracker

	stats    statsBox
	pending  atomic.Int64
	// latest due time (unix nanos) of a task requeued with a backoff
	retryDue atomic.Int64
	stopping atomic.Bool
	started  atomic.Bool
	running  atomic.Bool

	mu    sync.Mutex
	seen  map[string]struct{}
	slots []*WorkerSlot

	drained     chan struct{}
	drainedOnce sync.Once
}

func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("scheduler: queue is required")
	case deps.Fetchers == nil:
		return nil, errors.New("scheduler: fetcher factory is required")
	case deps.Classifier == nil:
		return nil, errors.New("scheduler: classifier is required")
	case deps.Store == nil:
		return nil, errors.New("scheduler: store is required")
	}
	if deps.Sink == nil {
		deps.Sink = progress.Nop{}
	}
	cfg = cfg.normalized()
	n := cfg.NumWorkers

	throttle := ratelimit.NewAdaptiveThrottle(ratelimit.ThrottleConfig{
		NumWorkers:       n,
		BaseDelay:        cfg.BaseDelay,
		MinDelay:         cfg.MinDelay,
		Step:             cfg.ThrottleStep,
		SuccessThreshold: cfg.ThrottleSuccessThreshold,
		CooldownBase:     cfg.CooldownBase,
		MaxCooldown:      cfg.MaxCooldown,
		MinRate:          0.1,
	})
	s := &Scheduler{
		cfg:      cfg,
		deps:     deps,
		bucket:   ratelimit.NewTokenBucket(float64(2*n), throttle.Rate(), float64(n)),
		breaker:  ratelimit.NewCircuitBreaker(cfg.Circuit),
		throttle: throttle,
		pacer:    ratelimit.NewPacer(cfg.PacerInterval()),
		policy:   NewRetryPolicy(cfg),
		tracker:  progress.NewTracker(0),
		seen:     make(map[string]struct{}),
		drained:  make(chan struct{}),
	}
	s.stats.authWallThreshold = cfg.AuthWallAlertThreshold
	s.breaker.OnStateChange = func(from, to ratelimit.CircuitState) {
		log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		s.emit(progress.EventCircuitState, map[string]any{"from": from.String(), "to": to.String()})
	}
	return s, nil
}

// Submit enqueues tasks that are neither stored already nor submitted
// earlier in this run, and returns how many were accepted.
func (s *Scheduler) Submit(ctx context.Context, tasks []domain.Task) (int, error) {
	accepted := make([]domain.Task, 0, len(tasks))
	dupes := 0

	s.mu.Lock()
	for _, t := range tasks {
		if _, ok := s.seen[t.ID]; ok {
			dupes++
			continue
		}
		exists, err := s.deps.Store.Exists(ctx, t.ID)
		if err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("check %s: %w", t.ID, err)
		}
		if exists {
			dupes++
			continue
		}
		s.seen[t.ID] = struct{}{}
		accepted = append(accepted, t)
	}
	s.mu.Unlock()

	for i := range accepted {
		accepted[i].Index = i + 1
		accepted[i].Total = len(accepted)
		if err := s.deps.Queue.Push(ctx, accepted[i]); err != nil {
			return i, fmt.Errorf("enqueue %s: %w", accepted[i].ID, err)
		}
		s.pending.Add(1)
	}

	s.stats.update(func(st *Stats) {
		st.Submitted += len(accepted)
		st.Deduplicated += dupes
	})
	s.tracker.SetTotal(s.stats.snapshot().Submitted)
	log.Ctx(ctx).Info().Int("accepted", len(accepted)).Int("deduplicated", dupes).Msg("tasks submitted")
	return len(accepted), nil
}

// Run processes the queue until every submitted task reached a terminal
// state, the run stalls, or ctx is cancelled. Stats are returned in every
// case.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	if !s.started.CompareAndSwap(false, true) {
		return s.stats.snapshot(), ErrAlreadyStarted
	}
	logger := log.Ctx(ctx)
	startedAt := time.Now()
	s.stats.update(func(st *Stats) { st.StartedAt = startedAt })

	fetchers := make([]ports.Fetcher, 0, s.cfg.NumWorkers)
	for i := 0; i < s.cfg.NumWorkers; i++ {
		f, err := s.deps.Fetchers.New(i)
		if err != nil {
			for _, created := range fetchers {
				_ = created.Close()
			}
			s.stopping.Store(true)
			s.abortQueued(context.WithoutCancel(ctx))
			s.stats.update(func(st *Stats) { st.StopReason = "fatal" })
			return s.stats.snapshot(), fmt.Errorf("create fetcher for worker %d: %w", i, err)
		}
		fetchers = append(fetchers, f)
	}

	if s.pending.Load() == 0 {
		s.markDrained()
	}
	s.running.Store(true)
	defer s.running.Store(false)

	logger.Info().
		Int("workers", s.cfg.NumWorkers).
		Int64("tasks", s.pending.Load()).
		Dur("effective_delay", s.cfg.EffectiveDelay()).
		Dur("min_interval", s.pacer.Interval()).
		Msg("scheduler starting")
	s.emit(progress.EventSchedulerStart, map[string]any{
		"workers":            s.cfg.NumWorkers,
		"total":              s.pending.Load(),
		"effective_delay_ms": s.cfg.EffectiveDelay().Milliseconds(),
		"min_interval_ms":    s.pacer.Interval().Milliseconds(),
	})

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	g, gctx := errgroup.WithContext(workerCtx)
	s.mu.Lock()
	s.slots = make([]*WorkerSlot, len(fetchers))
	for i, f := range fetchers {
		w := newWorker(s, i, f)
		s.slots[i] = w.slot
		g.Go(func() error { return w.run(gctx) })
	}
	s.mu.Unlock()

	joined := make(chan error, 1)
	go func() { joined <- g.Wait() }()

	reason, workersDone, joinErr := s.monitor(ctx, joined)
	if workersDone {
		s.stopping.Store(true)
		s.abortQueued(context.WithoutCancel(ctx))
	} else {
		joinErr = s.shutdown(ctx, joined, cancelWorkers)
	}

	st := s.finish(reason, startedAt)
	logger.Info().
		Str("stop_reason", reason).
		Int("success", st.Success).
		Int("expired", st.Expired).
		Int("failed", st.Failed).
		Int("retried", st.Retried).
		Dur("duration", st.Duration).
		Msg("scheduler finished")

	switch {
	case reason == "cancelled":
		return st, ctx.Err()
	case reason == "stalled":
		return st, ErrStalled
	case joinErr != nil && !errors.Is(joinErr, context.Canceled):
		return st, joinErr
	}
	return st, nil
}

// monitor blocks until the run should stop and reports why.
func (s *Scheduler) monitor(ctx context.Context, joined <-chan error) (reason string, workersDone bool, err error) {
	ticker := time.NewTicker(s.cfg.ProgressCheckInterval)
	defer ticker.Stop()

	last := s.stats.processed()
	stalls := 0
	for {
		select {
		case <-s.drained:
			return "completed", false, nil
		case <-ctx.Done():
			return "cancelled", false, nil
		case err := <-joined:
			log.Ctx(ctx).Error().Err(err).Msg("all workers exited before the queue drained")
			return "workers_exited", true, err
		case <-ticker.C:
		}

		cur := s.stats.processed()
		if cur == last && s.retryWaiting() {
			// a retry waiting out its backoff is not a stall
			stalls = 0
			log.Ctx(ctx).Debug().Int64("pending", s.pending.Load()).Msg("waiting for retry backoff")
			continue
		}
		if cur != last {
			last, stalls = cur, 0
			est := s.tracker.Estimate()
			log.Ctx(ctx).Info().
				Int("processed", cur).
				Int64("pending", s.pending.Load()).
				Float64("throughput", est.Throughput).
				Dur("eta", est.ETA).
				Dur("delay", s.throttle.CurrentDelay()).
				Msg("progress")
			continue
		}
		stalls++
		log.Ctx(ctx).Warn().Int("checks", stalls).Int("max_checks", s.cfg.MaxNoProgressChecks).Msg("no progress since last check")
		if stalls >= s.cfg.MaxNoProgressChecks {
			stalled := time.Duration(stalls) * s.cfg.ProgressCheckInterval
			log.Ctx(ctx).Error().Dur("stalled_for", stalled).Int64("pending", s.pending.Load()).Msg("possible deadlock, forcing stop")
			s.emit(progress.EventDeadlockWarning, map[string]any{
				"stalled_ms": stalled.Milliseconds(),
				"pending":    s.pending.Load(),
				"processed":  cur,
			})
			return "stalled", false, nil
		}
	}
}

// shutdown drains the queue, sends one pill per worker and waits for them.
// Workers still busy after the grace period are cancelled.
func (s *Scheduler) shutdown(ctx context.Context, joined <-chan error, cancelWorkers context.CancelFunc) error {
	s.stopping.Store(true)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	logger := log.Ctx(ctx)

	s.abortQueued(stopCtx)
	for i := 0; i < s.cfg.NumWorkers; i++ {
		if err := s.deps.Queue.PushPill(stopCtx); err != nil {
			logger.Error().Err(err).Msg("sending stop signal failed")
			break
		}
	}

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case err := <-joined:
		return err
	case <-grace.C:
		logger.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("workers did not stop in time, cancelling")
		cancelWorkers()
		return <-joined
	}
}

// abortQueued seals the queue and counts every task still in it as failed.
func (s *Scheduler) abortQueued(ctx context.Context) {
	left, err := s.deps.Queue.Drain(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("draining queue failed")
	}
	for _, t := range left {
		s.settle(ctx, t, Decision{Action: ActionFail, Reason: "aborted: run stopping"}, false)
	}
	if len(left) > 0 {
		log.Ctx(ctx).Warn().Int("tasks", len(left)).Msg("pending tasks aborted")
	}
}

func (s *Scheduler) finish(reason string, startedAt time.Time) Stats {
	s.stats.update(func(st *Stats) {
		st.StopReason = reason
		st.Duration = time.Since(startedAt)
	})
	st := s.stats.snapshot()
	s.emit(progress.EventSchedulerFinish, st.Map())
	return st
}

// settle applies a terminal or retry decision to the stats and the pending
// counter.
func (s *Scheduler) settle(ctx context.Context, t domain.Task, d Decision, authWall bool) {
	streak, alert := s.stats.record(d.Action, authWall)
	if alert {
		log.Ctx(ctx).Error().Int("consecutive", streak).Msg("repeated auth walls, session may have expired")
		s.emit(progress.EventSessionExpired, map[string]any{
			"consecutive_authwall": streak,
			"message":              "consecutive auth walls, session cookies may have expired",
		})
	}
	if d.Action == ActionRetry {
		return
	}
	if rec, ok := s.deps.Queue.(ports.TaskStateRecorder); ok {
		if err := rec.SaveState(ctx, t, statusFor(d.Action)); err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("task_id", t.ID).Msg("saving task state failed")
		}
	}
	s.tracker.Observe()
	if s.pending.Add(-1) <= 0 {
		s.markDrained()
	}
}

// noteRetry records that a task becomes due again at due.
func (s *Scheduler) noteRetry(due time.Time) {
	n := due.UnixNano()
	for {
		cur := s.retryDue.Load()
		if n <= cur || s.retryDue.CompareAndSwap(cur, n) {
			return
		}
	}
}

// retryWaiting reports whether some requeued task is still inside its
// backoff.
func (s *Scheduler) retryWaiting() bool {
	return s.pending.Load() > 0 && time.Now().UnixNano() < s.retryDue.Load()
}

func (s *Scheduler) markDrained() {
	s.drainedOnce.Do(func() { close(s.drained) })
}

func (s *Scheduler) emit(eventType progress.EventType, payload map[string]any) {
	s.deps.Sink.Emit(string(eventType), payload)
}

func statusFor(a Action) domain.TaskStatus {
	switch a {
	case ActionDone:
		return domain.StatusDone
	case ActionDelete:
		return domain.StatusExpired
	case ActionDiscard:
		return domain.StatusDiscarded
	case ActionSkip:
		return domain.StatusSkipped
	case ActionRetry:
		return domain.StatusDelayed
	default:
		return domain.StatusFailed
	}
}

// Snapshot is a point-in-time view of a run for the API.
type Snapshot struct {
	Running         bool              `json:"running"`
	Stats           Stats             `json:"stats"`
	Pending         int64             `json:"pending"`
	QueueLen        int               `json:"queue_len"`
	Circuit         string            `json:"circuit"`
	CurrentDelay    time.Duration     `json:"current_delay_ns"`
	Consecutive429  int               `json:"consecutive_429"`
	CooldownLeft    time.Duration     `json:"cooldown_left_ns"`
	TokenRate       float64           `json:"token_rate"`
	TokensAvailable float64           `json:"tokens_available"`
	Used429Budget   int64             `json:"used_429_budget"`
	Estimate        progress.Estimate `json:"estimate"`
	Slots           []SlotSnapshot    `json:"slots"`
}

func (s *Scheduler) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Running:         s.running.Load(),
		Stats:           s.stats.snapshot(),
		Pending:         s.pending.Load(),
		Circuit:         s.breaker.State().String(),
		CurrentDelay:    s.throttle.CurrentDelay(),
		Consecutive429:  s.throttle.Consecutive429(),
		CooldownLeft:    s.throttle.PauseRemaining(),
		TokenRate:       s.bucket.Rate(),
		TokensAvailable: s.bucket.Available(),
		Used429Budget:   s.policy.Used429(),
		Estimate:        s.tracker.Estimate(),
	}
	if n, err := s.deps.Queue.Len(ctx); err == nil {
		snap.QueueLen = n
	}
	s.mu.Lock()
	for _, slot := range s.slots {
		snap.Slots = append(snap.Slots, slot.snapshot())
	}
	s.mu.Unlock()
	return snap
}
