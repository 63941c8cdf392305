package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/draft"
	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/metrics"
	"github.com/jonathan/story-ingest/internal/story"
)

// Generate drafts a story from the extracted content, saves it and moves the
// job to SAVED. Calls within the job's cooldown are rejected.
func (s *Service) Generate(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	return s.generate(ctx, id, true)
}

// Regenerate resets a SAVED or FAILED job that still has its extracted
// content back to READY_TO_GENERATE and generates again.
func (s *Service) Regenerate(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return &Outcome{}, err
	}
	if !job.ExtractionComplete(current) {
		return &Outcome{Job: current}, &NotReadyError{Stage: StageGenerate, Status: current.Status, Reason: "no extracted content to regenerate from"}
	}
	if !current.Status.IsTerminal() {
		return &Outcome{Job: current}, &ConflictError{Stage: StageGenerate, Status: current.Status}
	}
	if out, err := s.checkCooldown(ctx, current); out != nil {
		return out, err
	}

	_, ok, err := s.jobs.ResetForRegenerate(ctx, id, s.now())
	if err != nil {
		return &Outcome{Job: current}, fmt.Errorf("failed to reset job: %w", err)
	}
	if !ok {
		latest, gerr := s.Get(ctx, id)
		if gerr != nil {
			return &Outcome{}, gerr
		}
		return &Outcome{Job: latest}, &ConflictError{Stage: StageGenerate, Status: latest.Status}
	}
	s.log.Info("job reset for regeneration",
		zap.String("job_id", id.String()),
		zap.String("previous_status", current.Status.String()))
	return s.generate(ctx, id, false)
}

func (s *Service) generate(ctx context.Context, id uuid.UUID, limited bool) (*Outcome, error) {
	current, out, err := s.gate(ctx, StageGenerate, id)
	if out != nil {
		return out, err
	}
	if limited {
		if out, err := s.checkCooldown(ctx, current); out != nil {
			return out, err
		}
	}
	claimed, out, err := s.claim(ctx, StageGenerate, id, s.jobs.ClaimGenerate)
	if out != nil {
		return out, err
	}

	started := s.now()
	log := s.log.With(zap.String("job_id", id.String()), zap.String("stage", string(StageGenerate)))
	workCtx, cancel := s.workContext(ctx, StageGenerate)
	defer cancel()

	title, text := *claimed.ExtractedTitle, *claimed.ExtractedText
	res, gerr := s.generator.Generate(workCtx, title, text, draft.WithLanguage(s.cfg.Language))
	if gerr != nil {
		return s.fail(ctx, StageGenerate, claimed, gerr, started)
	}

	st := story.Map(res.Draft, story.Source{
		URL:       claimed.URL,
		Title:     title,
		FetchedAt: claimed.FetchedAt,
		Manual:    claimed.ManuallyProvided,
	}, story.Provenance{
		PromptVersion: res.Metadata.PromptVersion,
		ModelName:     res.Metadata.ModelName,
		GeneratedAt:   res.Metadata.GeneratedAt,
	})
	st.JobID = id

	storyID, err := s.stories.SaveStory(workCtx, st)
	if err != nil {
		return s.fail(ctx, StageGenerate, claimed, fmt.Errorf("failed to save story: %w", err), started)
	}

	done, ok, err := s.jobs.CompleteGenerate(workCtx, id, job.GenerateOutput{
		StoryID:     storyID,
		GeneratedAt: res.Metadata.GeneratedAt,
	}, s.now())
	if err != nil {
		return s.fail(ctx, StageGenerate, claimed, err, started)
	}
	if !ok {
		log.Warn("story saved but job moved on", zap.String("story_id", storyID.String()))
		return s.lost(ctx, StageGenerate, id)
	}

	elapsed := s.now().Sub(started)
	metrics.ObserveStage(string(StageGenerate), metrics.OutcomeSuccess, elapsed)
	log.Info("story generated",
		zap.String("story_id", storyID.String()),
		zap.String("model", res.Metadata.ModelName),
		zap.String("prompt_version", res.Metadata.PromptVersion),
		zap.Duration("duration", elapsed))
	return &Outcome{Job: done, Story: st}, nil
}

// checkCooldown consults the limiter for j. A limiter failure lets the call
// through.
func (s *Service) checkCooldown(ctx context.Context, j *job.Job) (*Outcome, error) {
	if s.limiter == nil || s.cfg.Cooldown <= 0 {
		return nil, nil
	}
	info, err := s.limiter.Check(ctx, cooldownKey(j.ID), s.cfg.Cooldown)
	if err != nil {
		s.log.Warn("rate limiter unavailable, allowing generate",
			zap.String("job_id", j.ID.String()),
			zap.Error(err))
		return nil, nil
	}
	if info.Allowed {
		return nil, nil
	}
	metrics.IncRateLimitRejection()
	metrics.ObserveStage(string(StageGenerate), metrics.OutcomeRateLimited, 0)
	return &Outcome{Job: j}, &RateLimitedError{Remaining: info.Remaining}
}

func cooldownKey(id uuid.UUID) string {
	return "generate:" + id.String()
}
