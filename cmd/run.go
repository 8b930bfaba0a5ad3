package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"scrapeq/internal/fetch"
	"scrapeq/internal/worker"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		opts         worker.Options
		workers      int
		platform     string
		role         string
		fetcher      string
		store        string
		queue        string
		apiPort      int
		progressJSON bool
	)

	var command = &cobra.Command{
		Use:   "run",
		Short: "Retrieve every submitted URL under the adaptive rate limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("workers") {
				cfg.Scheduler.Workers = workers
			}
			if flags.Changed("platform") {
				cfg.Platform = platform
			}
			if flags.Changed("role") {
				cfg.Role = role
			}
			if flags.Changed("fetcher") {
				cfg.Fetcher = fetcher
			}
			if flags.Changed("store") {
				cfg.Store = store
			}
			if flags.Changed("queue") {
				cfg.Queue = queue
			}
			if flags.Changed("api-port") {
				cfg.APIPort = apiPort
			}
			if flags.Changed("progress-json") {
				cfg.ProgressJSON = progressJSON
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = log.Logger.WithContext(ctx)

			st, err := worker.Run(ctx, cfg, opts)
			if errors.Is(err, context.Canceled) {
				log.Warn().Msg("run interrupted")
				err = nil
			}
			if st.StopReason != "" {
				enc := json.NewEncoder(cmd.ErrOrStderr())
				enc.SetIndent("", "  ")
				_ = enc.Encode(st)
			}
			return err
		},
	}

	f := command.Flags()
	f.StringVarP(&opts.URLsFile, "urls", "u", "", `File with one URL per line, "-" for stdin`)
	f.BoolVar(&opts.FromBacklog, "from-backlog", false, "Load pending URLs from the postgres backlog")
	f.IntVar(&opts.BacklogLimit, "limit", 0, "Maximum backlog entries to load (0 = all)")
	f.IntVarP(&workers, "workers", "w", 4, "Number of concurrent workers")
	f.StringVar(&platform, "platform", "generic", "Platform name used for task ids")
	f.StringVar(&role, "role", "", "Role the URLs were collected for")
	f.StringVar(&fetcher, "fetcher", "http", "Fetcher: http or mock")
	f.StringVar(&store, "store", "memory", "Store: memory or postgres")
	f.StringVar(&queue, "queue", "memory", "Queue: memory or redis")
	f.IntVarP(&apiPort, "api-port", "p", 0, "Serve the stats API on this port (0 = off)")
	f.BoolVar(&progressJSON, "progress-json", false, "Write PROGRESS:{json} lines to stdout")
	f.IntVar(&opts.Mock.InitialRateLimited, "mock-initial-429", 0, "Mock fetcher: the first N fetches answer 429")
	f.Float64Var(&opts.Mock.RateLimitRatio, "mock-429-ratio", 0, "Mock fetcher: share of URLs answering 429 once")
	f.Float64Var(&opts.Mock.ExpiredRatio, "mock-expired-ratio", 0, "Mock fetcher: share of expired URLs")
	f.Float64Var(&opts.Mock.AuthWallRatio, "mock-authwall-ratio", 0, "Mock fetcher: share of URLs behind a login wall")
	f.DurationVar(&opts.Mock.Latency, "mock-latency", fetch.DefaultMockLatency, "Mock fetcher: latency per fetch")

	return command
}
