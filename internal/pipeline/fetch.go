package pipeline

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/dispatch"
	"github.com/jonathan/story-ingest/internal/fetch"
	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/metrics"
)

// Fetch downloads the job's URL and stores the HTML. On success the job moves
// to EXTRACTING and an extract continuation is dispatched.
func (s *Service) Fetch(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	if _, out, err := s.gate(ctx, StageFetch, id); out != nil {
		return out, err
	}
	claimed, out, err := s.claim(ctx, StageFetch, id, s.jobs.ClaimFetch)
	if out != nil {
		return out, err
	}

	started := s.now()
	log := s.log.With(zap.String("job_id", id.String()), zap.String("stage", string(StageFetch)))
	workCtx, cancel := s.workContext(ctx, StageFetch)
	defer cancel()

	res, ferr := s.fetcher.Fetch(workCtx, claimed.URL)
	if ferr != nil {
		if out, ok := fetchFailure(res, ferr); ok {
			return s.failWith(ctx, StageFetch, claimed, ferr, started, func(ctx context.Context, msg string) (*job.Job, bool, error) {
				return s.jobs.FailFetch(ctx, id, out, msg, s.now())
			})
		}
		return s.fail(ctx, StageFetch, claimed, ferr, started)
	}
	metrics.AddFetchBytes(int(res.Size))

	done, ok, err := s.jobs.CompleteFetch(workCtx, id, job.FetchOutput{
		RawHTML:     res.Body,
		HTTPStatus:  res.StatusCode,
		ContentType: res.ContentType,
		FetchedAt:   s.now().UTC(),
	}, s.now())
	if err != nil {
		return s.fail(ctx, StageFetch, claimed, err, started)
	}
	if !ok {
		return s.lost(ctx, StageFetch, id)
	}

	elapsed := s.now().Sub(started)
	metrics.ObserveStage(string(StageFetch), metrics.OutcomeSuccess, elapsed)
	log.Info("page fetched",
		zap.String("url", claimed.URL),
		zap.String("final_url", res.FinalURL),
		zap.Int("http_status", res.StatusCode),
		zap.Int64("bytes", res.Size),
		zap.Duration("duration", elapsed))

	s.continueWith(ctx, StageExtract, id)
	return &Outcome{Job: done}, nil
}

// continueWith hands the next stage to the dispatcher. The job is already
// committed, so a dispatch failure only delays it until a caller retries.
func (s *Service) continueWith(ctx context.Context, st Stage, id uuid.UUID) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, dispatch.Task{JobID: id, Stage: string(st)}); err != nil {
		s.log.Warn("failed to dispatch continuation",
			zap.String("job_id", id.String()),
			zap.String("stage", string(st)),
			zap.Error(err))
	}
}

// fetchFailure returns what an HTTP error response leaves on the job: the
// upstream status and, when the partial result has one, its content type.
func fetchFailure(res *fetch.Result, err error) (job.FetchFailure, bool) {
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Code != fetch.CodeHTTPError || fe.StatusCode == 0 {
		return job.FetchFailure{}, false
	}
	out := job.FetchFailure{HTTPStatus: fe.StatusCode}
	if res != nil {
		out.ContentType = res.ContentType
	}
	return out, true
}
