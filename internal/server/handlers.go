package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/pipeline"
	"github.com/jonathan/story-ingest/internal/types"
)

// maxBodyBytes bounds request bodies. Manual content is the largest payload.
const maxBodyBytes = 1 << 20

// jobResponse is the API view of a job. Raw HTML is reported by length only.
type jobResponse struct {
	*job.Job
	RawHTMLLength       int `json:"raw_html_length"`
	ExtractedTextLength int `json:"extracted_text_length"`
}

func newJobResponse(j *job.Job) *jobResponse {
	if j == nil {
		return nil
	}
	return &jobResponse{Job: j, RawHTMLLength: j.RawHTMLLength(), ExtractedTextLength: j.ExtractedTextLength()}
}

// FetchResponse is returned by POST /jobs/{id}/fetch. Status is the response
// status code; HTTPStatus is the upstream page's.
type FetchResponse struct {
	Status      int          `json:"status"`
	Skipped     bool         `json:"skipped"`
	JobStatus   job.Status   `json:"job_status"`
	HTTPStatus  *int         `json:"http_status,omitempty"`
	ContentType *string      `json:"content_type,omitempty"`
	FetchedAt   *time.Time   `json:"fetched_at,omitempty"`
	Job         *jobResponse `json:"job"`
}

// ExtractResponse is returned by POST /jobs/{id}/extract.
type ExtractResponse struct {
	Status              string       `json:"status"`
	Skipped             bool         `json:"skipped"`
	JobStatus           job.Status   `json:"job_status"`
	ExtractedTitle      *string      `json:"extracted_title,omitempty"`
	ExtractedTextLength int          `json:"extracted_text_length"`
	ExtractedAt         *time.Time   `json:"extracted_at,omitempty"`
	Job                 *jobResponse `json:"job"`
}

// GenerateResponse is returned by the generate and regenerate routes.
type GenerateResponse struct {
	Status      string       `json:"status"`
	Skipped     bool         `json:"skipped"`
	JobStatus   job.Status   `json:"job_status"`
	StoryID     *uuid.UUID   `json:"story_id,omitempty"`
	GeneratedAt *time.Time   `json:"generated_at,omitempty"`
	Story       *types.Story `json:"story,omitempty"`
	Job         *jobResponse `json:"job"`
}

// StaleJobsResponse is returned by GET /jobs/stale.
type StaleJobsResponse struct {
	Jobs  []*jobResponse `json:"jobs"`
	Count int            `json:"count"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	j, err := s.pipeline.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Location", "/jobs/"+j.ID.String())
	s.writeJSON(w, http.StatusCreated, newJobResponse(j))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	j, err := s.pipeline.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleStaleJobs(w http.ResponseWriter, r *http.Request) {
	olderThan := s.cfg.StaleAfter
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, &errBadRequest{msg: fmt.Sprintf("invalid older_than %q", v)}, nil)
			return
		}
		olderThan = d
	}

	var statuses []job.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, name := range strings.Split(raw, ",") {
			st, err := job.ParseStatus(strings.TrimSpace(name))
			if err != nil {
				s.writeError(w, r, &errBadRequest{msg: err.Error()}, nil)
				return
			}
			statuses = append(statuses, st)
		}
	}

	jobs, err := s.pipeline.Stale(r.Context(), olderThan, statuses)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	resp := StaleJobsResponse{Jobs: make([]*jobResponse, 0, len(jobs)), Count: len(jobs)}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(j))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	out, err := s.pipeline.Fetch(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, outcomeJob(out))
		return
	}
	j := out.Job
	s.writeJSON(w, http.StatusOK, FetchResponse{
		Status:      http.StatusOK,
		Skipped:     out.Skipped,
		JobStatus:   j.Status,
		HTTPStatus:  j.HTTPStatus,
		ContentType: j.ContentType,
		FetchedAt:   j.FetchedAt,
		Job:         newJobResponse(j),
	})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	out, err := s.pipeline.Extract(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, outcomeJob(out))
		return
	}
	j := out.Job
	s.writeJSON(w, http.StatusOK, ExtractResponse{
		Status:              statusWord("extracted", out.Skipped),
		Skipped:             out.Skipped,
		JobStatus:           j.Status,
		ExtractedTitle:      j.ExtractedTitle,
		ExtractedTextLength: j.ExtractedTextLength(),
		ExtractedAt:         j.ExtractedAt,
		Job:                 newJobResponse(j),
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	out, err := s.pipeline.Generate(r.Context(), id)
	s.writeGenerate(w, r, out, err)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	out, err := s.pipeline.Regenerate(r.Context(), id)
	s.writeGenerate(w, r, out, err)
}

func (s *Server) writeGenerate(w http.ResponseWriter, r *http.Request, out *pipeline.Outcome, err error) {
	if err != nil {
		s.writeError(w, r, err, outcomeJob(out))
		return
	}
	j := out.Job
	s.writeJSON(w, http.StatusOK, GenerateResponse{
		Status:      statusWord("generated", out.Skipped),
		Skipped:     out.Skipped,
		JobStatus:   j.Status,
		StoryID:     j.StoryID,
		GeneratedAt: j.GeneratedAt,
		Story:       out.Story,
		Job:         newJobResponse(j),
	})
}

func (s *Server) handleSupplyContent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req pipeline.SupplyContentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	out, err := s.pipeline.SupplyContent(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err, outcomeJob(out))
		return
	}
	s.writeJSON(w, http.StatusOK, newJobResponse(out.Job))
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	st, err := s.pipeline.GetStory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, r, &errBadRequest{msg: fmt.Sprintf("invalid id %q", raw)}, nil)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON body into v, rejecting unknown fields and
// trailing data.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &errBadRequest{msg: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		case errors.Is(err, io.EOF):
			return &errBadRequest{msg: "request body is empty"}
		}
		return &errBadRequest{msg: "invalid JSON body: " + err.Error()}
	}
	if dec.More() {
		return &errBadRequest{msg: "request body must contain a single JSON object"}
	}
	return nil
}

func outcomeJob(out *pipeline.Outcome) *job.Job {
	if out == nil {
		return nil
	}
	return out.Job
}

func statusWord(done string, skipped bool) string {
	if skipped {
		return "skipped"
	}
	return done
}
