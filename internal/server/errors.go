package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jonathan/story-ingest/internal/draft"
	"github.com/jonathan/story-ingest/internal/extract"
	"github.com/jonathan/story-ingest/internal/fetch"
	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/pipeline"
	"github.com/jonathan/story-ingest/internal/story"
	"github.com/jonathan/story-ingest/internal/urlguard"
)

// Error codes returned in the error envelope.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidURL     = "INVALID_URL"
	CodeSSRFBlocked    = "SSRF_BLOCKED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeNotReady       = "NOT_READY"
	CodeConflict       = "CONFLICT"
	CodeRateLimited    = "RATE_LIMITED"
	CodeFetchFailed    = "FETCH_FAILED"
	CodeExtractFailed  = "EXTRACT_FAILED"
	CodeGenerateFailed = "GENERATE_FAILED"
	CodeInternal       = "INTERNAL"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error       string            `json:"error"`
	Code        string            `json:"code"`
	Retryable   bool              `json:"retryable"`
	RemainingMs *int64            `json:"remaining_ms,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Job         *jobResponse      `json:"job,omitempty"`
}

// errBadRequest marks request decoding failures.
type errBadRequest struct{ msg string }

func (e *errBadRequest) Error() string { return e.msg }

// HTTPStatus returns the status code for err.
func HTTPStatus(err error) int {
	var (
		validation *pipeline.ValidationError
		notReady   *pipeline.NotReadyError
		conflict   *pipeline.ConflictError
		limited    *pipeline.RateLimitedError
		stageErr   *pipeline.StageError
		badRequest *errBadRequest
	)
	switch {
	case errors.As(err, &badRequest), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, urlguard.ErrSSRFBlocked), errors.Is(err, urlguard.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound), errors.Is(err, story.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &notReady), errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.As(err, &stageErr):
		if stageErr.Stage == pipeline.StageExtract {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the machine readable code for err. Stage failures carry
// the failure kind of the stage that produced them.
func ErrorCode(err error) string {
	var (
		validation *pipeline.ValidationError
		notReady   *pipeline.NotReadyError
		conflict   *pipeline.ConflictError
		limited    *pipeline.RateLimitedError
		stageErr   *pipeline.StageError
		badRequest *errBadRequest
	)
	switch {
	case errors.As(err, &badRequest), errors.As(err, &validation):
		return CodeInvalidRequest
	case errors.Is(err, urlguard.ErrSSRFBlocked):
		return CodeSSRFBlocked
	case errors.Is(err, urlguard.ErrInvalidURL):
		return CodeInvalidURL
	case errors.Is(err, job.ErrNotFound), errors.Is(err, story.ErrNotFound):
		return CodeNotFound
	case errors.As(err, &notReady):
		return CodeNotReady
	case errors.As(err, &conflict):
		return CodeConflict
	case errors.As(err, &limited):
		return CodeRateLimited
	case errors.As(err, &stageErr):
		return stageCode(stageErr)
	default:
		return CodeInternal
	}
}

func stageCode(e *pipeline.StageError) string {
	var (
		fetchErr   *fetch.Error
		extractErr *extract.Error
		draftErr   *draft.Error
	)
	switch e.Stage {
	case pipeline.StageFetch:
		if errors.As(e.Err, &fetchErr) {
			return string(fetchErr.Code)
		}
		return CodeFetchFailed
	case pipeline.StageExtract:
		if errors.As(e.Err, &extractErr) {
			return string(extractErr.Kind)
		}
		return CodeExtractFailed
	case pipeline.StageGenerate:
		if errors.As(e.Err, &draftErr) {
			return string(draftErr.Kind)
		}
		return CodeGenerateFailed
	}
	return CodeInternal
}

// retryable reports whether err, or anything it wraps, says a retry may succeed.
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// newErrorResponse builds the envelope for err. Internal errors keep their
// detail out of the body.
func newErrorResponse(err error, j *job.Job) (int, ErrorResponse) {
	status := HTTPStatus(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      ErrorCode(err),
		Retryable: retryable(err),
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}

	var validation *pipeline.ValidationError
	if errors.As(err, &validation) {
		resp.Fields = validation.Fields
	}
	var limited *pipeline.RateLimitedError
	if errors.As(err, &limited) {
		ms := limited.Remaining.Milliseconds()
		resp.RemainingMs = &ms
	}
	if j != nil {
		resp.Job = newJobResponse(j)
	}
	return status, resp
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
