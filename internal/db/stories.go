package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/story-ingest/internal/story"
	"github.com/jonathan/story-ingest/internal/types"
)

// SaveStory inserts a story with its sections and sources in one transaction
// and returns its ID. A story without an ID gets a new one.
func (db *DB) SaveStory(ctx context.Context, s *types.Story) (uuid.UUID, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	evidence, err := json.Marshal(nonNilEvidence(s.Evidence))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`INSERT INTO stories (id, job_id, slug, headline, summary, evidence, tags,
		    prompt_version, model_name, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		s.ID, s.JobID, s.Slug, s.Headline, s.Summary, evidence, tags,
		s.PromptVersion, s.ModelName, s.GeneratedAt,
	)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert story: %w", err)
	}

	for _, sec := range s.Sections {
		sourceIDs := sec.SourceIDs
		if sourceIDs == nil {
			sourceIDs = []int{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO story_sections (story_id, ordinal, type, body, source_ids)
			 VALUES ($1, $2, $3, $4, $5)`,
			s.ID, sec.Order, sec.Type, sec.Body, sourceIDs,
		); err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert section %d: %w", sec.Order, err)
		}
	}

	for i, src := range s.PrimarySources {
		if _, err := tx.Exec(ctx,
			`INSERT INTO story_sources (story_id, position, url, label, domain, type, retrieved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.ID, i, src.URL, src.Label, src.Domain, src.Type, src.RetrievedAt,
		); err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert source %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit story: %w", err)
	}
	return s.ID, nil
}

// GetStory loads a story with its sections and sources. It returns
// story.ErrNotFound when none exists.
func (db *DB) GetStory(ctx context.Context, id uuid.UUID) (*types.Story, error) {
	var (
		s        types.Story
		evidence []byte
		prompt   *string
		model    *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, job_id, slug, headline, summary, evidence, tags, prompt_version,
		        model_name, generated_at, created_at
		 FROM stories WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.JobID, &s.Slug, &s.Headline, &s.Summary, &evidence, &s.Tags,
		&prompt, &model, &s.GeneratedAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, story.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	if prompt != nil {
		s.PromptVersion = *prompt
	}
	if model != nil {
		s.ModelName = *model
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &s.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence: %w", err)
		}
	}

	sections, err := db.pool.Query(ctx,
		`SELECT ordinal, type, body, source_ids FROM story_sections
		 WHERE story_id = $1 ORDER BY ordinal`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get sections: %w", err)
	}
	defer sections.Close()
	for sections.Next() {
		var sec types.Section
		if err := sections.Scan(&sec.Order, &sec.Type, &sec.Body, &sec.SourceIDs); err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		s.Sections = append(s.Sections, sec)
	}
	if err := sections.Err(); err != nil {
		return nil, fmt.Errorf("failed to get sections: %w", err)
	}

	sources, err := db.pool.Query(ctx,
		`SELECT url, label, domain, type, retrieved_at FROM story_sources
		 WHERE story_id = $1 ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	defer sources.Close()
	for sources.Next() {
		var src types.PrimarySource
		if err := sources.Scan(&src.URL, &src.Label, &src.Domain, &src.Type, &src.RetrievedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		s.PrimarySources = append(s.PrimarySources, src)
	}
	if err := sources.Err(); err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	return &s, nil
}

func nonNilEvidence(ev []types.Evidence) []types.Evidence {
	if ev == nil {
		return []types.Evidence{}
	}
	return ev
}
