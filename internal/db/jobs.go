package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/story-ingest/internal/job"
)

const jobColumns = `id, url, status, raw_html, http_status, content_type, fetched_at,
	extracted_title, extracted_text, extracted_at, generated_at, story_id,
	error_message, manually_provided, stage_started_at, created_at, updated_at`

// Every state-advancing write below is a single conditional UPDATE. Zero
// matched rows means another caller won; the caller re-reads the job.

const (
	claimFetchSQL = `UPDATE ingest_jobs
		SET status = 'FETCHING', stage_started_at = $2, error_message = NULL, updated_at = $2
		WHERE id = $1 AND raw_html IS NULL
		  AND (status = 'QUEUED'
		       OR (status = 'FETCHING' AND (stage_started_at IS NULL OR stage_started_at <= $3)))
		RETURNING ` + jobColumns

	completeFetchSQL = `UPDATE ingest_jobs
		SET status = 'EXTRACTING', raw_html = $2, http_status = $3, content_type = $4,
		    fetched_at = $5, stage_started_at = NULL, error_message = NULL, updated_at = $6
		WHERE id = $1 AND status = 'FETCHING' AND raw_html IS NULL
		RETURNING ` + jobColumns

	claimExtractSQL = `UPDATE ingest_jobs
		SET status = 'EXTRACTING', stage_started_at = $2, error_message = NULL, updated_at = $2
		WHERE id = $1 AND raw_html IS NOT NULL AND raw_html <> '' AND extracted_at IS NULL
		  AND status IN ('FETCHING', 'EXTRACTING')
		  AND (stage_started_at IS NULL OR stage_started_at <= $3)
		RETURNING ` + jobColumns

	completeExtractSQL = `UPDATE ingest_jobs
		SET status = 'READY_TO_GENERATE', extracted_title = $2, extracted_text = $3,
		    extracted_at = $4, stage_started_at = NULL, error_message = NULL, updated_at = $5
		WHERE id = $1 AND status = 'EXTRACTING' AND extracted_at IS NULL
		RETURNING ` + jobColumns

	claimGenerateSQL = `UPDATE ingest_jobs
		SET status = 'GENERATING', stage_started_at = $2, error_message = NULL, updated_at = $2
		WHERE id = $1 AND story_id IS NULL AND extracted_at IS NOT NULL
		  AND btrim(extracted_title) <> '' AND btrim(extracted_text) <> ''
		  AND (status = 'READY_TO_GENERATE'
		       OR (status = 'GENERATING' AND (stage_started_at IS NULL OR stage_started_at <= $3)))
		RETURNING ` + jobColumns

	completeGenerateSQL = `UPDATE ingest_jobs
		SET status = 'SAVED', story_id = $2, generated_at = $3, stage_started_at = NULL,
		    error_message = NULL, updated_at = $4
		WHERE id = $1 AND status = 'GENERATING' AND story_id IS NULL
		RETURNING ` + jobColumns

	markFailedSQL = `UPDATE ingest_jobs
		SET status = 'FAILED', error_message = $3, stage_started_at = NULL, updated_at = $4
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + jobColumns

	failFetchSQL = `UPDATE ingest_jobs
		SET status = 'FAILED', http_status = $2, content_type = NULLIF($3, ''),
		    error_message = $4, stage_started_at = NULL, updated_at = $5
		WHERE id = $1 AND status = 'FETCHING'
		RETURNING ` + jobColumns

	supplyContentSQL = `UPDATE ingest_jobs
		SET status = 'READY_TO_GENERATE', extracted_title = $2, extracted_text = $3,
		    extracted_at = $4, manually_provided = TRUE, stage_started_at = NULL,
		    error_message = NULL, updated_at = $5
		WHERE id = $1 AND status NOT IN ('GENERATING', 'SAVED')
		RETURNING ` + jobColumns

	resetForRegenerateSQL = `UPDATE ingest_jobs
		SET status = 'READY_TO_GENERATE', story_id = NULL, generated_at = NULL,
		    stage_started_at = NULL, error_message = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('SAVED', 'FAILED') AND extracted_at IS NOT NULL
		  AND btrim(extracted_title) <> '' AND btrim(extracted_text) <> ''
		RETURNING ` + jobColumns
)

// CreateJob inserts a new job as given.
func (db *DB) CreateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO ingest_jobs (id, url, status, extracted_title, extracted_text, extracted_at,
		    manually_provided, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 RETURNING `+jobColumns,
		j.ID, j.URL, string(j.Status), j.ExtractedTitle, j.ExtractedText, j.ExtractedAt,
		j.ManuallyProvided, j.CreatedAt,
	)
	created, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return created, nil
}

// GetJob retrieves a job by ID. It returns job.ErrNotFound when none exists.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ClaimFetch moves a QUEUED job, or a FETCHING job whose lease expired, to FETCHING.
func (db *DB) ClaimFetch(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error) {
	return db.cas(ctx, "claim fetch", claimFetchSQL, id, now, now.Add(-lease))
}

// CompleteFetch stores the fetched page and moves the job to EXTRACTING.
func (db *DB) CompleteFetch(ctx context.Context, id uuid.UUID, out job.FetchOutput, now time.Time) (*job.Job, bool, error) {
	return db.cas(ctx, "complete fetch", completeFetchSQL,
		id, out.RawHTML, out.HTTPStatus, out.ContentType, out.FetchedAt, now)
}

// ClaimExtract stamps an extraction lease on a fetched job.
func (db *DB) ClaimExtract(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error) {
	return db.cas(ctx, "claim extract", claimExtractSQL, id, now, now.Add(-lease))
}

// CompleteExtract stores title and text together and moves the job to READY_TO_GENERATE.
func (db *DB) CompleteExtract(ctx context.Context, id uuid.UUID, out job.ExtractOutput, now time.Time) (*job.Job, bool, error) {
	return db.cas(ctx, "complete extract", completeExtractSQL,
		id, out.Title, out.Text, out.ExtractedAt, now)
}

// ClaimGenerate moves a ready job, or a GENERATING job whose lease expired, to GENERATING.
func (db *DB) ClaimGenerate(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*job.Job, bool, error) {
	return db.cas(ctx, "claim generate", claimGenerateSQL, id, now, now.Add(-lease))
}

// CompleteGenerate records the story reference and moves the job to SAVED.
func (db *DB) CompleteGenerate(ctx context.Context, id uuid.UUID, out job.GenerateOutput, now time.Time) (*job.Job, bool, error) {
	return db.cas(ctx, "complete generate", completeGenerateSQL, id, out.StoryID, out.GeneratedAt, now)
}

// MarkFailed moves a job in one of the from statuses to FAILED with message.
func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, from []job.Status, message string, now time.Time) (*job.Job, bool, error) {
	return db.cas(ctx, "mark failed", markFailedSQL, id, statusStrings(from), message, now)
}

// FailFetch marks a fetching job FAILED and keeps the upstream HTTP status.
func (db *DB) FailFetch(ctx context.Context, id uuid.UUID, out job.FetchFailure, message string, now time.Time) (*job.Job, bool, error) {
	return db.cas(ctx, "fail fetch", failFetchSQL, id, out.HTTPStatus, out.ContentType, message, now)
}

// SupplyContent stores manually provided content and routes the job to READY_TO_GENERATE.
func (db *DB) SupplyContent(ctx context.Context, id uuid.UUID, out job.ExtractOutput, now time.Time) (*job.Job, bool, error) {
	return db.cas(ctx, "supply content", supplyContentSQL, id, out.Title, out.Text, out.ExtractedAt, now)
}

// ResetForRegenerate clears the story reference of a terminal job with
// extracted content and moves it back to READY_TO_GENERATE.
func (db *DB) ResetForRegenerate(ctx context.Context, id uuid.UUID, now time.Time) (*job.Job, bool, error) {
	return db.cas(ctx, "reset for regenerate", resetForRegenerateSQL, id, now)
}

// ListStale returns jobs in one of statuses that have not progressed since before.
func (db *DB) ListStale(ctx context.Context, statuses []job.Status, before time.Time, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM ingest_jobs
		 WHERE status = ANY($1) AND COALESCE(stage_started_at, updated_at) < $2
		 ORDER BY COALESCE(stage_started_at, updated_at)
		 LIMIT $3`,
		statusStrings(statuses), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return jobs, nil
}

func (db *DB) cas(ctx context.Context, op, sql string, args ...any) (*job.Job, bool, error) {
	j, err := scanJob(db.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to %s: %w", op, err)
	}
	return j, true, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j      job.Job
		status string
	)
	err := row.Scan(
		&j.ID, &j.URL, &status, &j.RawHTML, &j.HTTPStatus, &j.ContentType, &j.FetchedAt,
		&j.ExtractedTitle, &j.ExtractedText, &j.ExtractedAt, &j.GeneratedAt, &j.StoryID,
		&j.ErrorMessage, &j.ManuallyProvided, &j.StageStartedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status, err = job.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func statusStrings(statuses []job.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
