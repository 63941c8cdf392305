package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/pipeline"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one URL through the pipeline and print the story",
	Long: "Fetch, extract and generate a story for a single URL in memory, without a database, " +
		"and print the resulting story as JSON. Supplying --title with --text-file skips fetch and extract.",
	RunE: runIngest,
}

var (
	ingestURL      string
	ingestTitle    string
	ingestTextFile string
	ingestOut      string
)

func init() {
	ingestCmd.Flags().StringVarP(&ingestURL, "url", "u", "", "Article URL (required)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "Manual article title")
	ingestCmd.Flags().StringVar(&ingestTextFile, "text-file", "", "Path to a file with the manual article text")
	ingestCmd.Flags().StringVarP(&ingestOut, "out", "o", "", "Write the story JSON to this file instead of stdout")

	_ = ingestCmd.MarkFlagRequired("url")
	ingestCmd.MarkFlagsRequiredTogether("title", "text-file")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.RequireLLM(); err != nil {
		return err
	}

	req := pipeline.CreateRequest{URL: ingestURL}
	if ingestTextFile != "" {
		text, err := os.ReadFile(ingestTextFile)
		if err != nil {
			return fmt.Errorf("failed to read text file: %w", err)
		}
		req.ManualTitle, req.ManualText = ingestTitle, string(text)
	}

	ctx := commandContext(cmd)
	st := memoryStores()
	a, err := buildApp(ctx, cfg, st, log, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	j, err := a.svc.Create(ctx, req)
	if err != nil {
		return err
	}
	log.Info("ingesting", zap.String("job_id", j.ID.String()), zap.String("url", j.URL))

	steps := []func() (*pipeline.Outcome, error){
		func() (*pipeline.Outcome, error) { return a.svc.Fetch(ctx, j.ID) },
		func() (*pipeline.Outcome, error) { return a.svc.Extract(ctx, j.ID) },
		func() (*pipeline.Outcome, error) { return a.svc.Generate(ctx, j.ID) },
	}
	var out *pipeline.Outcome
	for _, step := range steps {
		if out, err = step(); err != nil {
			return err
		}
	}
	if out.Story == nil {
		return fmt.Errorf("job %s finished as %s without a story", j.ID, out.Job.Status)
	}

	var w io.Writer = cmd.OutOrStdout()
	if ingestOut != "" {
		f, err := os.Create(ingestOut)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out.Story); err != nil {
		return fmt.Errorf("failed to write story: %w", err)
	}
	return nil
}
