package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/story-ingest/internal/job"
)

// ErrJobNotFound is returned when no job has the requested id.
var ErrJobNotFound = job.ErrNotFound

// ValidationError reports a request that failed field validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range sortedKeys(e.Fields) {
		parts = append(parts, f+": "+e.Fields[f])
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// NotReadyError reports that a stage's inputs are not available yet. Callers
// may retry once an earlier stage has finished.
type NotReadyError struct {
	Stage  Stage
	Status job.Status
	Reason string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s not ready: job is %s: %s", e.Stage, e.Status, e.Reason)
}

// Retryable is always true.
func (e *NotReadyError) Retryable() bool { return true }

// ConflictError reports that a stage cannot run in the job's current state,
// usually because another caller moved it on.
type ConflictError struct {
	Stage  Stage
	Status job.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s cannot run: job is %s", e.Stage, e.Status)
}

// RateLimitedError reports a generate call inside the job's cooldown.
type RateLimitedError struct {
	Remaining time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("generation rate limited: retry in %s", e.Remaining.Round(time.Millisecond))
}

// Retryable is always true.
func (e *RateLimitedError) Retryable() bool { return true }

// StageError wraps the failure of a stage's work. Its message carries the
// stage prefix that is also persisted as the job's error message.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return stages[e.Stage].prefix + " " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable defers to the wrapped error.
func (e *StageError) Retryable() bool {
	var r interface{ Retryable() bool }
	return errors.As(e.Err, &r) && r.Retryable()
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string]string{"request": err.Error()}}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[jsonName(fe.Field())] = describeTag(fe)
	}
	return &ValidationError{Fields: fields}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_with":
		return "is required together with " + jsonName(fe.Param())
	case "url":
		return "must be an absolute URL"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "failed " + fe.Tag()
}
