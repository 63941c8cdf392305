package pipeline

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/extract"
	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/metrics"
)

// Extract parses the fetched HTML and stores title and text. On success the
// job moves to READY_TO_GENERATE.
func (s *Service) Extract(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	if _, out, err := s.gate(ctx, StageExtract, id); out != nil {
		return out, err
	}
	claimed, out, err := s.claim(ctx, StageExtract, id, s.jobs.ClaimExtract)
	if out != nil {
		return out, err
	}

	started := s.now()
	workCtx, cancel := s.workContext(ctx, StageExtract)
	defer cancel()

	cfg := extract.ForURL(s.cfg.Extract, claimed.URL)
	res, xerr := s.extract(workCtx, *claimed.RawHTML, cfg)
	if xerr != nil {
		return s.fail(ctx, StageExtract, claimed, xerr, started)
	}

	done, ok, err := s.jobs.CompleteExtract(workCtx, id, job.ExtractOutput{
		Title:       res.Title,
		Text:        res.Text,
		ExtractedAt: s.now().UTC(),
	}, s.now())
	if err != nil {
		return s.fail(ctx, StageExtract, claimed, err, started)
	}
	if !ok {
		return s.lost(ctx, StageExtract, id)
	}

	elapsed := s.now().Sub(started)
	metrics.ObserveStage(string(StageExtract), metrics.OutcomeSuccess, elapsed)
	s.log.Info("content extracted",
		zap.String("job_id", id.String()),
		zap.String("stage", string(StageExtract)),
		zap.String("selector", res.Selector),
		zap.String("title_source", res.TitleSource),
		zap.Int("text_length", done.ExtractedTextLength()),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("duration", elapsed))
	return &Outcome{Job: done}, nil
}
