package cmd

import (
	"context"
	"scrapeq/internal/infra/pgstore"
	"scrapeq/internal/worker"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func backlogCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:   "backlog",
		Short: "Manage the postgres URL backlog",
	}
	command.AddCommand(backlogAddCmd())
	return command
}

func backlogAddCmd() *cobra.Command {
	var (
		platform string
		role     string
		batch    int
	)

	var command = &cobra.Command{
		Use:   "add <urls-file>",
		Short: `Add URLs from a file ("-" for stdin) to the backlog`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("platform") {
				cfg.Platform = platform
			}
			if cmd.Flags().Changed("role") {
				cfg.Role = role
			}

			tasks, err := worker.ReadURLs(args[0], cfg.Platform, cfg.Role)
			if err != nil {
				return err
			}

			ctx := log.Logger.WithContext(context.Background())
			store, err := pgstore.Open(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}

			added, err := store.AddBacklog(ctx, tasks, batch)
			if err != nil {
				return err
			}
			log.Info().Int("read", len(tasks)).Int("added", added).Str("platform", cfg.Platform).Msg("backlog updated")
			return nil
		},
	}

	command.Flags().StringVar(&platform, "platform", "generic", "Platform name used for task ids")
	command.Flags().StringVar(&role, "role", "", "Role the URLs were collected for")
	command.Flags().IntVar(&batch, "batch", 200, "Rows per insert batch")
	return command
}
