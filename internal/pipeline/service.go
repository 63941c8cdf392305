// Package pipeline drives ingestion jobs through fetch, extract and generate.
//
// Every stage follows the same protocol: a fast exit when its output already
// exists, a readiness gate, a compare-and-swap claim, the work itself, and a
// compare-and-swap completion. Any number of callers may race on the same
// job; the store decides the single winner of each transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/dispatch"
	"github.com/jonathan/story-ingest/internal/draft"
	"github.com/jonathan/story-ingest/internal/extract"
	"github.com/jonathan/story-ingest/internal/fetch"
	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/metrics"
	"github.com/jonathan/story-ingest/internal/ratelimit"
	"github.com/jonathan/story-ingest/internal/types"
)

// JobStore persists jobs. Every mutating method is a conditional update that
// reports whether it matched.
type JobStore interface {
	CreateJob(ctx context.Context, j *job.Job) (*job.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ClaimFetch(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error)
	CompleteFetch(ctx context.Context, id uuid.UUID, out job.FetchOutput, now time.Time) (*job.Job, bool, error)
	ClaimExtract(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error)
	CompleteExtract(ctx context.Context, id uuid.UUID, out job.ExtractOutput, now time.Time) (*job.Job, bool, error)
	ClaimGenerate(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error)
	CompleteGenerate(ctx context.Context, id uuid.UUID, out job.GenerateOutput, now time.Time) (*job.Job, bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, from []job.Status, message string, now time.Time) (*job.Job, bool, error)
	FailFetch(ctx context.Context, id uuid.UUID, out job.FetchFailure, message string, now time.Time) (*job.Job, bool, error)
	SupplyContent(ctx context.Context, id uuid.UUID, out job.ExtractOutput, now time.Time) (*job.Job, bool, error)
	ResetForRegenerate(ctx context.Context, id uuid.UUID, now time.Time) (*job.Job, bool, error)
	ListStale(ctx context.Context, statuses []job.Status, before time.Time, limit int) ([]*job.Job, error)
}

// StoryStore persists generated stories.
type StoryStore interface {
	SaveStory(ctx context.Context, s *types.Story) (uuid.UUID, error)
	GetStory(ctx context.Context, id uuid.UUID) (*types.Story, error)
}

// Fetcher retrieves a page. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Result, error)
}

// Generator drafts a story from extracted content. *draft.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, title, text string, opts ...draft.Option) (*draft.Result, error)
}

// ExtractFunc extracts title and text from HTML.
type ExtractFunc func(ctx context.Context, rawHTML string, cfg extract.Config) (*extract.Result, error)

// Config holds the pipeline knobs.
type Config struct {
	Extract       extract.Config
	Language      string
	Cooldown      time.Duration
	FetchLease    time.Duration
	ExtractLease  time.Duration
	GenerateLease time.Duration
	MinManualText int
	SweepLimit    int
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		Extract:       extract.DefaultConfig(),
		Language:      draft.DefaultLanguage,
		Cooldown:      30 * time.Second,
		FetchLease:    job.DefaultFetchLease,
		ExtractLease:  job.DefaultExtractLease,
		GenerateLease: job.DefaultGenerateLease,
		MinManualText: extract.DefaultMinLength,
		SweepLimit:    100,
	}
}

// Deps are the collaborators of a Service. Limiter and Dispatcher are optional.
type Deps struct {
	Jobs       JobStore
	Stories    StoryStore
	Fetcher    Fetcher
	Extract    ExtractFunc
	Generator  Generator
	Limiter    ratelimit.Limiter
	Dispatcher dispatch.Dispatcher
	Logger     *zap.Logger
	Config     Config
	Now        func() time.Time
}

// Outcome is the result of a pipeline operation. Job is the latest snapshot
// and is set whenever the job exists, including alongside an error.
type Outcome struct {
	Skipped bool
	Job     *job.Job
	Story   *types.Story
}

// Service runs pipeline operations. It is safe for concurrent use.
type Service struct {
	jobs       JobStore
	stories    StoryStore
	fetcher    Fetcher
	extract    ExtractFunc
	generator  Generator
	limiter    ratelimit.Limiter
	dispatcher dispatch.Dispatcher
	sweeper    *Sweeper
	log        *zap.Logger
	cfg        Config
	now        func() time.Time
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	if deps.Jobs == nil || deps.Stories == nil {
		return nil, errors.New("pipeline: job and story stores are required")
	}
	if deps.Fetcher == nil || deps.Generator == nil {
		return nil, errors.New("pipeline: fetcher and generator are required")
	}
	if deps.Extract == nil {
		deps.Extract = extract.Extract
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	cfg := deps.Config
	def := DefaultConfig()
	if cfg.FetchLease <= 0 {
		cfg.FetchLease = def.FetchLease
	}
	if cfg.ExtractLease <= 0 {
		cfg.ExtractLease = def.ExtractLease
	}
	if cfg.GenerateLease <= 0 {
		cfg.GenerateLease = def.GenerateLease
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}

	return &Service{
		jobs:       deps.Jobs,
		stories:    deps.Stories,
		fetcher:    deps.Fetcher,
		extract:    deps.Extract,
		generator:  deps.Generator,
		limiter:    deps.Limiter,
		dispatcher: deps.Dispatcher,
		sweeper:    NewSweeper(deps.Jobs, cfg.SweepLimit, deps.Logger, deps.Now),
		log:        deps.Logger,
		cfg:        cfg,
		now:        deps.Now,
	}, nil
}

// Get returns the job with id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return j, nil
}

// GetStory returns a stored story.
func (s *Service) GetStory(ctx context.Context, id uuid.UUID) (*types.Story, error) {
	return s.stories.GetStory(ctx, id)
}

// HandleTask runs the stage named by a dispatched continuation.
func (s *Service) HandleTask(ctx context.Context, t dispatch.Task) error {
	st, ok := ParseStage(t.Stage)
	if !ok {
		return fmt.Errorf("unknown stage %q", t.Stage)
	}
	var err error
	switch st {
	case StageFetch:
		_, err = s.Fetch(ctx, t.JobID)
	case StageExtract:
		_, err = s.Extract(ctx, t.JobID)
	case StageGenerate:
		_, err = s.Generate(ctx, t.JobID)
	}
	return err
}

// claimFunc is a store claim method.
type claimFunc func(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error)

// gate runs the checks that precede a claim. It returns a non-nil Outcome
// when the stage must not run, together with the error to report, if any.
func (s *Service) gate(ctx context.Context, st Stage, id uuid.UUID) (*job.Job, *Outcome, error) {
	def := stages[st]
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, &Outcome{}, err
	}
	if def.done(j) {
		metrics.ObserveStage(string(st), metrics.OutcomeSkipped, 0)
		return nil, &Outcome{Skipped: true, Job: j}, nil
	}
	if j.Status.IsTerminal() {
		metrics.ObserveStage(string(st), metrics.OutcomeConflict, 0)
		return nil, &Outcome{Job: j}, &ConflictError{Stage: st, Status: j.Status}
	}
	if !def.ready(j) {
		metrics.ObserveStage(string(st), metrics.OutcomeNotReady, 0)
		return nil, &Outcome{Job: j}, &NotReadyError{Stage: st, Status: j.Status, Reason: notReadyReason(st, j)}
	}
	return j, nil, nil
}

// claim runs the CAS claim. A lost claim re-reads the job: if the stage's
// output appeared meanwhile the call is a skip, otherwise a conflict.
func (s *Service) claim(ctx context.Context, st Stage, id uuid.UUID, fn claimFunc) (*job.Job, *Outcome, error) {
	def := stages[st]
	claimed, ok, err := fn(ctx, id, s.now(), def.lease(s.cfg))
	if err != nil {
		j, _ := s.jobs.GetJob(ctx, id)
		return nil, &Outcome{Job: j}, fmt.Errorf("failed to claim %s: %w", st, err)
	}
	if ok {
		return claimed, nil, nil
	}
	out, err := s.lost(ctx, st, id)
	return nil, out, err
}

// lost resolves a CAS that matched no row.
func (s *Service) lost(ctx context.Context, st Stage, id uuid.UUID) (*Outcome, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return &Outcome{}, err
	}
	if stages[st].done(j) {
		metrics.ObserveStage(string(st), metrics.OutcomeSkipped, 0)
		return &Outcome{Skipped: true, Job: j}, nil
	}
	metrics.ObserveStage(string(st), metrics.OutcomeConflict, 0)
	return &Outcome{Job: j}, &ConflictError{Stage: st, Status: j.Status}
}

// fail persists a stage failure and returns the error to report. A failure
// to persist is logged and never replaces cause.
func (s *Service) fail(ctx context.Context, st Stage, j *job.Job, cause error, started time.Time) (*Outcome, error) {
	working := []job.Status{stages[st].working}
	return s.failWith(ctx, st, j, cause, started, func(ctx context.Context, msg string) (*job.Job, bool, error) {
		return s.jobs.MarkFailed(ctx, j.ID, working, msg, s.now())
	})
}

// failWrite persists a failure message for a claimed job.
type failWrite func(ctx context.Context, message string) (*job.Job, bool, error)

func (s *Service) failWith(ctx context.Context, st Stage, j *job.Job, cause error, started time.Time, write failWrite) (*Outcome, error) {
	serr := &StageError{Stage: st, Err: cause}
	log := s.log.With(zap.String("job_id", j.ID.String()), zap.String("stage", string(st)))
	metrics.ObserveStage(string(st), metrics.OutcomeFailed, s.now().Sub(started))

	failed, ok, err := write(context.WithoutCancel(ctx), serr.Error())
	switch {
	case err != nil:
		log.Error("failed to persist stage failure",
			zap.Bool("critical", true),
			zap.NamedError("stage_error", cause),
			zap.Error(err))
		return &Outcome{Job: j}, serr
	case !ok:
		log.Warn("stage failure not persisted: job moved on", zap.Error(cause))
		if latest, gerr := s.jobs.GetJob(ctx, j.ID); gerr == nil {
			return &Outcome{Job: latest}, serr
		}
		return &Outcome{Job: j}, serr
	}
	log.Warn("stage failed", zap.Error(cause), zap.Duration("duration", s.now().Sub(started)))
	return &Outcome{Job: failed}, serr
}

// workContext detaches stage work from the caller so an aborted request does
// not abandon a claimed job. The lease bounds the work.
func (s *Service) workContext(ctx context.Context, st Stage) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), stages[st].lease(s.cfg))
}

func notReadyReason(st Stage, j *job.Job) string {
	switch st {
	case StageExtract:
		return "no fetched html yet"
	case StageGenerate:
		if j.Status == job.StatusReadyToGenerate || j.Status == job.StatusGenerating {
			return "extracted title or text is blank"
		}
		return "extraction has not completed"
	}
	return "stage inputs missing"
}
