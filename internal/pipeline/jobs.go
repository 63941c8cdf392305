package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/urlguard"
)

// Create validates req and stores a new job. A plain URL starts at QUEUED;
// manual content starts at READY_TO_GENERATE.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*job.Job, error) {
	if err := req.Validate(s.cfg.MinManualText); err != nil {
		return nil, err
	}
	u, err := urlguard.Validate(req.URL)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	j := &job.Job{
		ID:        uuid.New(),
		URL:       u.String(),
		Status:    job.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Manual() {
		title, text, at := req.ManualTitle, req.ManualText, now
		j.Status = job.StatusReadyToGenerate
		j.ExtractedTitle, j.ExtractedText, j.ExtractedAt = &title, &text, &at
		j.ManuallyProvided = true
	}

	created, err := s.jobs.CreateJob(ctx, j)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.log.Info("job created",
		zap.String("job_id", created.ID.String()),
		zap.String("url", created.URL),
		zap.Bool("manual", created.ManuallyProvided))
	return created, nil
}

// SupplyContent stores manually provided title and text and routes the job to
// READY_TO_GENERATE, unless it is generating or already saved.
func (s *Service) SupplyContent(ctx context.Context, id uuid.UUID, req SupplyContentRequest) (*Outcome, error) {
	if err := req.Validate(s.cfg.MinManualText); err != nil {
		j, _ := s.jobs.GetJob(ctx, id)
		return &Outcome{Job: j}, err
	}
	now := s.now()
	updated, ok, err := s.jobs.SupplyContent(ctx, id, job.ExtractOutput{
		Title:       req.Title,
		Text:        req.Text,
		ExtractedAt: now.UTC(),
	}, now)
	if err != nil {
		return &Outcome{}, fmt.Errorf("failed to store content: %w", err)
	}
	if !ok {
		j, gerr := s.Get(ctx, id)
		if gerr != nil {
			return &Outcome{}, gerr
		}
		return &Outcome{Job: j}, &ConflictError{Stage: StageExtract, Status: j.Status}
	}
	s.log.Info("manual content supplied",
		zap.String("job_id", id.String()),
		zap.Int("text_length", updated.ExtractedTextLength()))
	return &Outcome{Job: updated}, nil
}

// Sweeper fails in-flight jobs that stopped making progress. It needs only
// the job store, so maintenance runs do not require the fetch or model
// collaborators of a Service.
type Sweeper struct {
	jobs  JobStore
	log   *zap.Logger
	now   func() time.Time
	limit int
}

// NewSweeper creates a Sweeper. limit caps the jobs handled per call.
func NewSweeper(jobs JobStore, limit int, log *zap.Logger, now func() time.Time) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	if limit <= 0 {
		limit = DefaultConfig().SweepLimit
	}
	return &Sweeper{jobs: jobs, log: log, now: now, limit: limit}
}

// Stale lists in-flight jobs that have not progressed for olderThan. An empty
// statuses list means every in-flight status.
func (s *Sweeper) Stale(ctx context.Context, olderThan time.Duration, statuses []job.Status) ([]*job.Job, error) {
	if len(statuses) == 0 {
		statuses = inFlight()
	}
	jobs, err := s.jobs.ListStale(ctx, statuses, s.now().Add(-olderThan), s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return jobs, nil
}

// SweepResult summarizes a sweep.
type SweepResult struct {
	Failed  []uuid.UUID `json:"failed"`
	Skipped int         `json:"skipped"`
}

// Sweep marks in-flight jobs that have not progressed for olderThan as
// FAILED. Jobs that move on while the sweep runs are skipped.
func (s *Sweeper) Sweep(ctx context.Context, olderThan time.Duration) (*SweepResult, error) {
	stale, err := s.Stale(ctx, olderThan, nil)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Failed: []uuid.UUID{}}
	for _, j := range stale {
		since := j.UpdatedAt
		if j.StageStartedAt != nil {
			since = *j.StageStartedAt
		}
		msg := fmt.Sprintf("%s no progress in %s since %s", StageSweep.Prefix(), j.Status, since.UTC().Format(time.RFC3339))
		_, ok, err := s.jobs.MarkFailed(ctx, j.ID, []job.Status{j.Status}, msg, s.now())
		if err != nil {
			return res, fmt.Errorf("failed to sweep job %s: %w", j.ID, err)
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Failed = append(res.Failed, j.ID)
		s.log.Warn("stale job failed",
			zap.String("job_id", j.ID.String()),
			zap.String("stage", string(StageSweep)),
			zap.String("status", j.Status.String()),
			zap.Time("since", since))
	}
	return res, nil
}

// Stale lists in-flight jobs that have not progressed for olderThan.
func (s *Service) Stale(ctx context.Context, olderThan time.Duration, statuses []job.Status) ([]*job.Job, error) {
	return s.sweeper.Stale(ctx, olderThan, statuses)
}

// Sweep fails stale in-flight jobs. See Sweeper.Sweep.
func (s *Service) Sweep(ctx context.Context, olderThan time.Duration) (*SweepResult, error) {
	return s.sweeper.Sweep(ctx, olderThan)
}

func inFlight() []job.Status {
	var out []job.Status
	for _, st := range job.AllStatuses {
		if st.InFlight() {
			out = append(out, st)
		}
	}
	return out
}
