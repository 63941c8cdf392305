package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/pipeline"
)

var sweepOlderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark jobs stuck in an in-flight status as FAILED",
	Long: "Find jobs that have not progressed past FETCHING, EXTRACTING or GENERATING for longer than " +
		"--older-than and mark them FAILED so they can be retried or regenerated.",
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "Minimum time without progress (defaults to sweep.older_than)")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	olderThan := cfg.Sweep.OlderThan
	if sweepOlderThan > 0 {
		olderThan = sweepOlderThan
	}

	ctx := commandContext(cmd)
	st, err := postgresStores(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.close()

	res, err := pipeline.NewSweeper(st.jobs, cfg.Sweep.Limit, log, nil).Sweep(ctx, olderThan)
	if err != nil {
		return err
	}
	log.Info("sweep finished",
		zap.Int("failed", len(res.Failed)),
		zap.Int("skipped", res.Skipped),
		zap.Duration("older_than", olderThan))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
