// Package memory provides an in-process job and story store with the same
// compare-and-swap semantics as the Postgres store. It backs tests and
// one-shot CLI runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/story"
	"github.com/jonathan/story-ingest/internal/types"
)

// Store is a mutex-guarded map of jobs and stories.
type Store struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*job.Job
	stories map[uuid.UUID]*types.Story
	writes  map[uuid.UUID]int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[uuid.UUID]*job.Job),
		stories: make(map[uuid.UUID]*types.Story),
		writes:  make(map[uuid.UUID]int),
	}
}

// CreateJob stores a copy of j.
func (s *Store) CreateJob(_ context.Context, j *job.Job) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := j.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.jobs[c.ID] = c
	return c.Clone(), nil
}

// GetJob returns a copy of the job or job.ErrNotFound.
func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

// Writes returns how many successful conditional updates touched id.
func (s *Store) Writes(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[id]
}

// update applies mutate to the job when cond holds, atomically.
func (s *Store) update(id uuid.UUID, now time.Time, cond func(*job.Job) bool, mutate func(*job.Job)) (*job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !cond(j) {
		return nil, false, nil
	}
	mutate(j)
	j.UpdatedAt = now
	s.writes[id]++
	return j.Clone(), true, nil
}

func claimable(j *job.Job, now time.Time, lease time.Duration) bool {
	return j.StageStartedAt == nil || !j.StageStartedAt.After(now.Add(-lease))
}

func stamp(now time.Time) func(*job.Job) {
	return func(j *job.Job) {
		t := now
		j.StageStartedAt = &t
		j.ErrorMessage = nil
	}
}

// ClaimFetch moves a QUEUED job, or a FETCHING job whose lease expired, to FETCHING.
func (s *Store) ClaimFetch(_ context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error) {
	return s.update(id, now, func(j *job.Job) bool {
		if j.RawHTML != nil {
			return false
		}
		return j.Status == job.StatusQueued || (j.Status == job.StatusFetching && claimable(j, now, lease))
	}, func(j *job.Job) {
		j.Status = job.StatusFetching
		stamp(now)(j)
	})
}

// CompleteFetch stores the fetched page and moves the job to EXTRACTING.
func (s *Store) CompleteFetch(_ context.Context, id uuid.UUID, out job.FetchOutput, now time.Time) (*job.Job, bool, error) {
	return s.update(id, now, func(j *job.Job) bool {
		return j.Status == job.StatusFetching && j.RawHTML == nil
	}, func(j *job.Job) {
		html, status, ct, at := out.RawHTML, out.HTTPStatus, out.ContentType, out.FetchedAt
		j.Status = job.StatusExtracting
		j.RawHTML, j.HTTPStatus, j.ContentType, j.FetchedAt = &html, &status, &ct, &at
		j.StageStartedAt, j.ErrorMessage = nil, nil
	})
}

// ClaimExtract stamps an extraction lease on a fetched job.
func (s *Store) ClaimExtract(_ context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error) {
	return s.update(id, now, func(j *job.Job) bool {
		return job.ReadyToExtract(j) && j.ExtractedAt == nil && claimable(j, now, lease)
	}, func(j *job.Job) {
		j.Status = job.StatusExtracting
		stamp(now)(j)
	})
}

// CompleteExtract stores title and text together and moves the job to READY_TO_GENERATE.
func (s *Store) CompleteExtract(_ context.Context, id uuid.UUID, out job.ExtractOutput, now time.Time) (*job.Job, bool, error) {
	return s.update(id, now, func(j *job.Job) bool {
		return j.Status == job.StatusExtracting && j.ExtractedAt == nil
	}, func(j *job.Job) {
		setExtraction(j, out)
		j.Status = job.StatusReadyToGenerate
		j.StageStartedAt, j.ErrorMessage = nil, nil
	})
}

// ClaimGenerate moves a ready job, or a GENERATING job whose lease expired, to GENERATING.
func (s *Store) ClaimGenerate(_ context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error) {
	return s.update(id, now, func(j *job.Job) bool {
		if j.StoryID != nil || !job.ExtractionComplete(j) {
			return false
		}
		return j.Status == job.StatusReadyToGenerate || (j.Status == job.StatusGenerating && claimable(j, now, lease))
	}, func(j *job.Job) {
		j.Status = job.StatusGenerating
		stamp(now)(j)
	})
}

// CompleteGenerate records the story reference and moves the job to SAVED.
func (s *Store) CompleteGenerate(_ context.Context, id uuid.UUID, out job.GenerateOutput, now time.Time) (*job.Job, bool, error) {
	return s.update(id, now, func(j *job.Job) bool {
		return j.Status == job.StatusGenerating && j.StoryID == nil
	}, func(j *job.Job) {
		storyID, at := out.StoryID, out.GeneratedAt
		j.Status = job.StatusSaved
		j.StoryID, j.GeneratedAt = &storyID, &at
		j.StageStartedAt, j.ErrorMessage = nil, nil
	})
}

// MarkFailed moves a job in one of the from statuses to FAILED with message.
func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, from []job.Status, message string, now time.Time) (*job.Job, bool, error) {
	return s.update(id, now, func(j *job.Job) bool {
		for _, st := range from {
			if j.Status == st {
				return true
			}
		}
		return false
	}, func(j *job.Job) {
		msg := message
		j.Status = job.StatusFailed
		j.ErrorMessage = &msg
		j.StageStartedAt = nil
	})
}

// FailFetch marks a fetching job FAILED and keeps the upstream HTTP status.
func (s *Store) FailFetch(_ context.Context, id uuid.UUID, out job.FetchFailure, message string, now time.Time) (*job.Job, bool, error) {
	return s.update(id, now, func(j *job.Job) bool {
		return j.Status == job.StatusFetching
	}, func(j *job.Job) {
		msg, code := message, out.HTTPStatus
		j.Status = job.StatusFailed
		j.ErrorMessage = &msg
		j.HTTPStatus = &code
		if out.ContentType != "" {
			ct := out.ContentType
			j.ContentType = &ct
		}
		j.StageStartedAt = nil
	})
}

// SupplyContent stores manually provided content and routes the job to READY_TO_GENERATE.
func (s *Store) SupplyContent(_ context.Context, id uuid.UUID, out job.ExtractOutput, now time.Time) (*job.Job, bool, error) {
	return s.update(id, now, job.CanSupplyContent, func(j *job.Job) {
		setExtraction(j, out)
		j.Status = job.StatusReadyToGenerate
		j.ManuallyProvided = true
		j.StageStartedAt, j.ErrorMessage = nil, nil
	})
}

// ResetForRegenerate clears the story reference of a terminal job with
// extracted content and moves it back to READY_TO_GENERATE.
func (s *Store) ResetForRegenerate(_ context.Context, id uuid.UUID, now time.Time) (*job.Job, bool, error) {
	return s.update(id, now, job.CanRegenerate, func(j *job.Job) {
		j.Status = job.StatusReadyToGenerate
		j.StoryID, j.GeneratedAt = nil, nil
		j.StageStartedAt, j.ErrorMessage = nil, nil
	})
}

// ListStale returns jobs in one of statuses that have not progressed since before.
func (s *Store) ListStale(_ context.Context, statuses []job.Status, before time.Time, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	want := make(map[job.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	var out []*job.Job
	for _, j := range s.jobs {
		if want[j.Status] && since(j).Before(before) {
			out = append(out, j.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return since(out[a]).Before(since(out[b])) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveStory stores a copy of st and returns its ID.
func (s *Store) SaveStory(_ context.Context, st *types.Story) (uuid.UUID, error) {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	c := *st
	c.Sections = append([]types.Section(nil), st.Sections...)
	c.PrimarySources = append([]types.PrimarySource(nil), st.PrimarySources...)

	s.mu.Lock()
	s.stories[c.ID] = &c
	s.mu.Unlock()
	return c.ID, nil
}

// GetStory returns a copy of the story or story.ErrNotFound.
func (s *Store) GetStory(_ context.Context, id uuid.UUID) (*types.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[id]
	if !ok {
		return nil, story.ErrNotFound
	}
	c := *st
	return &c, nil
}

// StoryCount returns the number of stored stories.
func (s *Store) StoryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stories)
}

func setExtraction(j *job.Job, out job.ExtractOutput) {
	title, text, at := out.Title, out.Text, out.ExtractedAt
	j.ExtractedTitle, j.ExtractedText, j.ExtractedAt = &title, &text, &at
}

func since(j *job.Job) time.Time {
	if j.StageStartedAt != nil {
		return *j.StageStartedAt
	}
	return j.UpdatedAt
}
