package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"scrapeq/internal/api"
	"scrapeq/internal/classify"
	"scrapeq/internal/config"
	"scrapeq/internal/domain"
	"scrapeq/internal/extract"
	"scrapeq/internal/fetch"
	"scrapeq/internal/infra/memstore"
	"scrapeq/internal/infra/pgstore"
	"scrapeq/internal/infra/redisq"
	"scrapeq/internal/ports"
	"scrapeq/internal/progress"
	"scrapeq/internal/queue"
	"scrapeq/internal/ratelimit"
	"scrapeq/internal/usecase"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options select where the tasks of a run come from.
type Options struct {
	// URLsFile holds one URL per line; "-" reads stdin.
	URLsFile     string
	FromBacklog  bool
	BacklogLimit int
	Mock         fetch.MockOptions
	// ProgressOut receives PROGRESS:{json} lines when enabled in the config.
	ProgressOut io.Writer
}

// SchedulerConfig maps the environment config onto the scheduler's knobs.
func SchedulerConfig(c *config.Config) usecase.Config {
	d := usecase.DefaultConfig()
	s := c.Scheduler
	d.NumWorkers = s.Workers
	d.BaseDelay = s.BaseDelay
	d.MinDelay = s.MinDelay
	d.ThrottleStep = c.Throttle.Step
	d.ThrottleSuccessThreshold = c.Throttle.SuccessThreshold
	d.CooldownBase = c.Throttle.CooldownBase
	d.MaxCooldown = c.Throttle.MaxCooldown
	d.MaxRetries = s.MaxRetries
	d.MaxTotal429Retries = s.MaxTotal429Retries
	d.RateLimitBackoff = s.RateLimitBackoff
	d.ServerErrorBackoff = s.ServerErrorBackoff
	d.MaxBackoff = s.MaxBackoff
	d.QueueTimeout = s.QueueTimeout
	d.TaskTimeout = s.TaskTimeout
	d.StaggerDelay = s.StaggerDelay
	d.MinInterval = s.MinInterval
	d.DispatchJitter = s.DispatchJitter
	d.ProgressCheckInterval = s.ProgressCheckInterval
	d.MaxNoProgressChecks = s.MaxNoProgressChecks
	d.ShutdownGrace = s.ShutdownGrace
	d.AuthWallAlertThreshold = s.AuthWallAlert
	d.Circuit = ratelimit.BreakerConfig{
		FailureThreshold: c.Circuit.FailureThreshold,
		RecoveryTimeout:  c.Circuit.RecoveryTimeout,
		SuccessThreshold: c.Circuit.SuccessThreshold,
	}
	return d
}

func NewClassifier(c *config.Config) (*classify.Classifier, error) {
	rules, err := classify.LoadRules(c.RulesPath)
	if err != nil {
		return nil, err
	}
	return classify.New(rules)
}

func NewFetcherFactory(c *config.Config, mock fetch.MockOptions) (ports.FetcherFactory, error) {
	if c.Fetcher == "mock" {
		return fetch.NewMockFactory(mock), nil
	}
	return fetch.NewHTTPFactory(c.Fetch)
}

// Run wires one scheduler run from the config and blocks until it ends.
func Run(ctx context.Context, cfg *config.Config, opts Options) (usecase.Stats, error) {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	runID := uuid.NewString()
	ctx = log.Ctx(ctx).With().Str("run_id", runID).Logger().WithContext(ctx)

	classifier, err := NewClassifier(cfg)
	if err != nil {
		return usecase.Stats{}, fmt.Errorf("classifier: %w", err)
	}
	lexicon, err := extract.LoadLexicon(cfg.LexiconPath)
	if err != nil {
		return usecase.Stats{}, err
	}
	fetchers, err := NewFetcherFactory(cfg, opts.Mock)
	if err != nil {
		return usecase.Stats{}, fmt.Errorf("fetcher: %w", err)
	}

	var (
		store ports.Store
		pg    *pgstore.Store
	)
	switch cfg.Store {
	case "postgres":
		pg, err = pgstore.Open(ctx, cfg.Postgres)
		if err != nil {
			return usecase.Stats{}, err
		}
		cleanup = append(cleanup, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return usecase.Stats{}, err
		}
		store = pg
	default:
		store = memstore.New()
	}

	var q ports.TaskQueue
	switch cfg.Queue {
	case "redis":
		cli := redisq.New(cfg.Redis)
		if err := cli.Connect(ctx); err != nil {
			return usecase.Stats{}, err
		}
		cleanup = append(cleanup, func() { _ = cli.Close() })
		rq := cli.Queue(runID)
		cleanup = append(cleanup, func() {
			if err := rq.Cleanup(context.WithoutCancel(ctx)); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("redis cleanup failed")
			}
		})

		moverCtx, stopMover := context.WithCancel(ctx)
		moverDone := make(chan struct{})
		go func() {
			defer close(moverDone)
			if err := redisq.NewMover(rq, cfg.Redis.MoveInterval).Run(moverCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Ctx(ctx).Error().Err(err).Msg("delayed task mover stopped")
			}
		}()
		cleanup = append(cleanup, func() {
			stopMover()
			<-moverDone
		})
		q = rq
	default:
		q = queue.NewMemory()
	}

	ring := progress.NewRing(1000)
	sinks := progress.Fanout{&progress.LogSink{Logger: *log.Ctx(ctx)}, ring}
	if cfg.ProgressJSON {
		out := opts.ProgressOut
		if out == nil {
			out = os.Stdout
		}
		sinks = append(sinks, progress.NewJSONLineSink(out))
	}
	sink := progress.NewAsync(sinks, 1024)
	cleanup = append(cleanup, sink.Close)

	sched, err := usecase.NewScheduler(SchedulerConfig(cfg), usecase.Deps{
		Queue:      q,
		Fetchers:   fetchers,
		Classifier: classifier,
		Extractor:  lexicon,
		Validator:  extract.MinSkills(cfg.MinSkills),
		Store:      store,
		Sink:       sink,
	})
	if err != nil {
		return usecase.Stats{}, err
	}

	if cfg.APIPort > 0 {
		apiCtx, stopAPI := context.WithCancel(ctx)
		apiDone := make(chan struct{})
		go func() {
			defer close(apiDone)
			if err := api.NewServer(sched, ring).Run(apiCtx, cfg.APIPort); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("api server stopped")
			}
		}()
		cleanup = append(cleanup, func() {
			stopAPI()
			<-apiDone
		})
	}

	tasks, err := loadTasks(ctx, cfg, opts, pg)
	if err != nil {
		return usecase.Stats{}, err
	}
	if _, err := sched.Submit(ctx, tasks); err != nil {
		return usecase.Stats{}, err
	}
	return sched.Run(ctx)
}

func loadTasks(ctx context.Context, cfg *config.Config, opts Options, pg *pgstore.Store) ([]domain.Task, error) {
	if opts.FromBacklog {
		if pg == nil {
			return nil, errors.New("the backlog needs the postgres store")
		}
		return pg.LoadBacklog(ctx, cfg.Platform, opts.BacklogLimit)
	}
	if opts.URLsFile == "" {
		return nil, errors.New("no urls file given")
	}
	return ReadURLs(opts.URLsFile, cfg.Platform, cfg.Role)
}

// ReadURLs builds tasks from a URL file, or stdin when path is "-".
func ReadURLs(path, platform, role string) ([]domain.Task, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return usecase.ReadTasks(r, platform, role)
}
