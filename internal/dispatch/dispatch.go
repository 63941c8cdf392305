// Package dispatch hands pipeline continuations (a job id and the stage to run
// next) to something that will eventually run them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher closed")

// Task names the stage to run for a job.
type Task struct {
	JobID uuid.UUID `json:"job_id"`
	Stage string    `json:"stage"`
}

// Handler runs a task.
type Handler func(ctx context.Context, t Task) error

// Dispatcher schedules tasks without waiting for them to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
	Close() error
}

func encodeTask(t Task) ([]byte, error) {
	if t.JobID == uuid.Nil || t.Stage == "" {
		return nil, fmt.Errorf("invalid task: job id and stage are required")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}

func decodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.JobID == uuid.Nil || t.Stage == "" {
		return Task{}, fmt.Errorf("invalid task: job id and stage are required")
	}
	return t, nil
}
