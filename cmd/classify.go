package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"scrapeq/internal/domain"
	"scrapeq/internal/extract"
	"scrapeq/internal/fetch"
	"scrapeq/internal/worker"

	"github.com/spf13/cobra"
)

func classifyCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:   "classify <url>",
		Short: "Fetch one URL and print how it would be classified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			classifier, err := worker.NewClassifier(cfg)
			if err != nil {
				return err
			}
			lexicon, err := extract.LoadLexicon(cfg.LexiconPath)
			if err != nil {
				return err
			}
			factory, err := worker.NewFetcherFactory(cfg, fetch.MockOptions{})
			if err != nil {
				return err
			}
			f, err := factory.New(0)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Scheduler.TaskTimeout)
			defer cancel()
			page, err := f.Fetch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}

			o := classifier.Classify(page)
			out := map[string]any{
				"status":    page.Status,
				"final_url": page.FinalURL,
				"title":     page.Title,
				"outcome":   o.Kind.String(),
				"reason":    o.Reason,
			}
			if o.Is(domain.OutcomeSuccess) {
				out["skills"] = lexicon.Extract(page.Title + "\n" + page.Body)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	return command
}
