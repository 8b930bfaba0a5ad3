package usecase

import (
	"context"
	"errors"
	"fmt"
	"scrapeq/internal/domain"
	"scrapeq/internal/ports"
	"scrapeq/internal/progress"
	"scrapeq/internal/ratelimit"
	"scrapeq/pkg/backoff"
	"time"

	"github.com/rs/zerolog/log"
)

const abortedReason = "aborted: run stopping"

// worker owns one fetcher and processes tasks one at a time. All shared
// rate-limiting state lives on the Scheduler.
type worker struct {
	s       *Scheduler
	id      int
	fetcher ports.Fetcher
	slot    *WorkerSlot
}

func newWorker(s *Scheduler, id int, f ports.Fetcher) *worker {
	return &worker{s: s, id: id, fetcher: f, slot: &WorkerSlot{ID: id}}
}

func (w *worker) run(ctx context.Context) error {
	logger := log.Ctx(ctx).With().Int("worker_id", w.id).Logger()
	ctx = logger.WithContext(ctx)
	defer func() {
		if err := w.fetcher.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing fetcher failed")
		}
		logger.Debug().Msg("worker stopped")
	}()

	if err := backoff.Sleep(ctx, time.Duration(w.id)*w.s.cfg.StaggerDelay); err != nil {
		return nil
	}
	logger.Debug().Msg("worker started")

	idle := 0
	for {
		t, err := w.s.deps.Queue.Pop(ctx, w.s.cfg.QueueTimeout)
		switch {
		case errors.Is(err, ports.ErrPoisonPill):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("pop failed")
			if backoff.Sleep(ctx, time.Second) != nil {
				return nil
			}
			continue
		case t == nil:
			idle++
			w.slot.idleRuns.Add(1)
			if idle == 1 {
				w.s.emit(progress.EventSlotIdle, map[string]any{"worker_id": w.id})
			}
			if idle%w.s.cfg.StarvationWarnAfter == 0 {
				logger.Warn().Int("empty_polls", idle).Int64("pending", w.s.pending.Load()).Msg("worker starved")
				w.s.emit(progress.EventWorkerStarved, map[string]any{
					"worker_id":   w.id,
					"empty_polls": idle,
					"pending":     w.s.pending.Load(),
				})
			}
			continue
		}
		idle = 0
		w.handle(ctx, *t)
	}
}

func (w *worker) handle(ctx context.Context, t domain.Task) {
	s := w.s
	logger := log.Ctx(ctx).With().Str("task_id", t.ID).Int("attempt", t.RetryCount+1).Logger()
	ctx = logger.WithContext(ctx)

	w.slot.busy.Store(true)
	w.slot.taskID.Store(t.ID)
	defer func() {
		w.slot.busy.Store(false)
		w.slot.taskID.Store("")
	}()

	if err := w.gate(ctx); err != nil {
		logger.Debug().Err(err).Msg("dispatch interrupted")
		w.slot.failure.Add(1)
		s.settle(context.WithoutCancel(ctx), t, Decision{Action: ActionFail, Reason: abortedReason}, false)
		return
	}

	started := time.Now()
	s.emit(progress.EventJobDispatch, map[string]any{
		"worker_id": w.id,
		"task_id":   t.ID,
		"url":       t.URL,
		"index":     t.Index,
		"total":     t.Total,
		"attempt":   t.RetryCount + 1,
	})
	o := w.execute(ctx, t)
	w.feedback(ctx, t, o)
	w.complete(ctx, t, o, time.Since(started))
}

// gate blocks until this worker may dispatch: the breaker admits traffic,
// the global cooldown is over, the pacer slot arrived and a token was taken.
func (w *worker) gate(ctx context.Context) error {
	s := w.s
	for s.breaker.Check() != nil {
		wait := max(s.breaker.RetryAfter(), 100*time.Millisecond)
		s.emit(progress.EventSlotWaiting, map[string]any{
			"worker_id": w.id,
			"reason":    "circuit_open",
			"wait_ms":   wait.Milliseconds(),
		})
		if err := backoff.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	if pause := s.throttle.PauseRemaining(); pause > 0 {
		s.emit(progress.EventSlotWaiting, map[string]any{
			"worker_id": w.id,
			"reason":    "cooldown",
			"wait_ms":   pause.Milliseconds(),
		})
		if err := backoff.Sleep(ctx, pause); err != nil {
			return err
		}
	}

	if _, err := s.pacer.Wait(ctx); err != nil {
		return err
	}

	s.bucket.SetRate(s.throttle.Rate())
	timeout := max(s.cfg.BucketTimeoutFloor, s.throttle.CurrentDelay()*3/2)
	if err := s.bucket.Acquire(ctx, timeout); err != nil {
		if !errors.Is(err, ratelimit.ErrBucketTimeout) {
			return err
		}
		log.Ctx(ctx).Warn().Dur("timeout", timeout).Msg("no token in time, dispatching anyway")
	}

	if s.cfg.DispatchJitter > 0 {
		return backoff.Sleep(ctx, backoff.Jitter(s.cfg.DispatchJitter))
	}
	return nil
}

// execute fetches and classifies under the task timeout. A fetch that
// ignores cancellation is abandoned and its fetcher reset.
func (w *worker) execute(ctx context.Context, t domain.Task) domain.Outcome {
	s := w.s
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	done := make(chan domain.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.Error(fmt.Sprintf("panic: %v", r))
			}
		}()
		page, err := w.fetcher.Fetch(tctx, t.URL)
		if err != nil {
			done <- domain.Error(err.Error())
			return
		}
		done <- s.deps.Classifier.Classify(page)
	}()

	var o domain.Outcome
	select {
	case o = <-done:
	case <-tctx.Done():
		if r, ok := w.fetcher.(ports.Resetter); ok {
			r.Reset()
		}
		if ctx.Err() != nil {
			return domain.Error(abortedReason)
		}
		log.Ctx(ctx).Warn().Dur("timeout", s.cfg.TaskTimeout).Msg("task timed out")
		return domain.Error("task timeout")
	}
	if !o.Is(domain.OutcomeSuccess) {
		return o
	}

	p := *o.Payload
	if s.deps.Extractor != nil {
		p.Skills = s.deps.Extractor.Extract(p.Title + "\n" + p.Body)
	}
	if s.deps.Validator != nil {
		if ok, reason := s.deps.Validator.Validate(t, p.Skills); !ok {
			return domain.ValidationFailed(reason)
		}
	}
	p.FetchedAt = time.Now().UTC()
	if err := s.deps.Store.Persist(tctx, t, p); err != nil {
		return domain.Error("persist: " + err.Error())
	}
	return domain.Success(p)
}

// feedback updates the breaker, throttle and bucket from one outcome.
func (w *worker) feedback(ctx context.Context, t domain.Task, o domain.Outcome) {
	s := w.s
	switch o.Kind {
	case domain.OutcomeSuccess:
		s.breaker.RecordSuccess()
		lowered := s.throttle.RecordSuccess()
		s.bucket.Boost(0.3)
		if lowered {
			s.bucket.Boost(1.0)
			log.Ctx(ctx).Debug().Dur("delay", s.throttle.CurrentDelay()).Msg("delay lowered")
		}
	case domain.OutcomeRateLimited:
		s.breaker.RecordFailure()
		cool := s.throttle.RecordRateLimited()
		s.bucket.Penalize(s.cfg.BucketPenalty)
		consecutive := s.throttle.Consecutive429()
		log.Ctx(ctx).Warn().
			Int("consecutive", consecutive).
			Dur("cooldown", cool).
			Dur("delay", s.throttle.CurrentDelay()).
			Msg("rate limited")
		s.emit(progress.EventRateLimited, map[string]any{
			"worker_id":   w.id,
			"task_id":     t.ID,
			"consecutive": consecutive,
			"cooldown_ms": cool.Milliseconds(),
			"delay_ms":    s.throttle.CurrentDelay().Milliseconds(),
		})
	case domain.OutcomeServerError:
		s.breaker.RecordFailure()
		s.throttle.RecordFailure()
	case domain.OutcomeError:
		if isTransient(o.Reason) {
			s.breaker.RecordFailure()
		}
		s.throttle.RecordFailure()
	default:
		s.breaker.RecordSuccess()
	}
}

func (w *worker) complete(ctx context.Context, t domain.Task, o domain.Outcome, took time.Duration) {
	s := w.s
	logger := log.Ctx(ctx)
	settleCtx := context.WithoutCancel(ctx)

	d := s.policy.Decide(t, o)
	if d.Action == ActionRetry && s.stopping.Load() {
		d = Decision{Action: ActionFail, Reason: abortedReason}
	}

	switch d.Action {
	case ActionRetry:
		next := t
		next.RetryCount++
		if err := s.deps.Queue.PushAfter(settleCtx, next, d.Backoff); err != nil {
			logger.Warn().Err(err).Msg("requeue failed")
			d = Decision{Action: ActionFail, Reason: abortedReason}
		} else {
			s.noteRetry(time.Now().Add(d.Backoff))
			logger.Info().Str("reason", d.Reason).Dur("backoff", d.Backoff).Msg("task requeued")
		}
	case ActionDelete:
		if err := s.deps.Store.Delete(settleCtx, t.ID); err != nil {
			logger.Error().Err(err).Msg("deleting expired task failed")
		}
		logger.Info().Str("reason", d.Reason).Msg("task expired")
	case ActionDone:
		logger.Info().Int("skills", len(o.Payload.Skills)).Dur("took", took).Msg("task done")
	case ActionFail:
		logger.Error().Str("reason", d.Reason).Msg("task failed")
	default:
		logger.Info().Str("action", d.Action.String()).Str("reason", d.Reason).Msg("task finished")
	}

	switch d.Action {
	case ActionDone:
		w.slot.success.Add(1)
	case ActionFail:
		w.slot.failure.Add(1)
	}
	s.settle(settleCtx, t, d, o.Is(domain.OutcomeAuthWall))
	s.emit(progress.EventJobComplete, map[string]any{
		"worker_id":   w.id,
		"task_id":     t.ID,
		"index":       t.Index,
		"total":       t.Total,
		"outcome":     o.Kind.String(),
		"action":      d.Action.String(),
		"reason":      d.Reason,
		"duration_ms": took.Milliseconds(),
	})
}
