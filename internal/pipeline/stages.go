package pipeline

import (
	"time"

	"github.com/jonathan/story-ingest/internal/job"
)

// Stage names a unit of pipeline work.
type Stage string

// Pipeline stages.
const (
	StageFetch    Stage = "fetch"
	StageExtract  Stage = "extract"
	StageGenerate Stage = "generate"
	StageSweep    Stage = "sweep"
)

// stageDef describes how a stage is gated, claimed and failed.
type stageDef struct {
	prefix string
	// working is the status a claim moves the job to.
	working job.Status
	// done reports whether the stage output is already persisted.
	done func(*job.Job) bool
	// ready reports whether the stage inputs are present.
	ready func(*job.Job) bool
	lease func(Config) time.Duration
}

var stages = map[Stage]stageDef{
	StageFetch: {
		prefix:  "[FETCH]",
		working: job.StatusFetching,
		done:    fetchDone,
		ready:   job.ReadyToFetch,
		lease:   func(c Config) time.Duration { return c.FetchLease },
	},
	StageExtract: {
		prefix:  "[EXTRACT]",
		working: job.StatusExtracting,
		done:    job.ExtractionComplete,
		ready:   job.ReadyToExtract,
		lease:   func(c Config) time.Duration { return c.ExtractLease },
	},
	StageGenerate: {
		prefix:  "[GENERATE]",
		working: job.StatusGenerating,
		done:    job.GenerationComplete,
		ready:   job.ReadyToGenerate,
		lease:   func(c Config) time.Duration { return c.GenerateLease },
	},
	StageSweep: {
		prefix: "[SWEEP]",
	},
}

// Prefix returns the error message prefix of a stage.
func (s Stage) Prefix() string {
	return stages[s].prefix
}

// ParseStage converts a task stage name to a Stage.
func ParseStage(name string) (Stage, bool) {
	st := Stage(name)
	switch st {
	case StageFetch, StageExtract, StageGenerate:
		return st, true
	}
	return "", false
}

// fetchDone treats manually supplied content as a completed fetch.
func fetchDone(j *job.Job) bool {
	return job.FetchComplete(j) || (j != nil && j.ManuallyProvided)
}
