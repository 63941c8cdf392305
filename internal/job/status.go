// Package job defines the ingestion job record and the state machine that governs it.
package job

import "fmt"

// Status is the lifecycle state of an ingestion job.
type Status string

// Status constants. SAVED and FAILED are terminal.
const (
	StatusQueued          Status = "QUEUED"
	StatusFetching        Status = "FETCHING"
	StatusExtracting      Status = "EXTRACTING"
	StatusReadyToGenerate Status = "READY_TO_GENERATE"
	StatusGenerating      Status = "GENERATING"
	StatusSaved           Status = "SAVED"
	StatusFailed          Status = "FAILED"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusQueued,
	StatusFetching,
	StatusExtracting,
	StatusReadyToGenerate,
	StatusGenerating,
	StatusSaved,
	StatusFailed,
}

// transitions is the forward edge set. Regenerate and manual content supply
// are out-of-band operations and are not listed here.
var transitions = map[Status][]Status{
	StatusQueued:          {StatusFetching, StatusFailed},
	StatusFetching:        {StatusExtracting, StatusFailed},
	StatusExtracting:      {StatusReadyToGenerate, StatusFailed},
	StatusReadyToGenerate: {StatusGenerating, StatusFailed},
	StatusGenerating:      {StatusSaved, StatusFailed},
	StatusSaved:           nil,
	StatusFailed:          nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing edges.
func (s Status) IsTerminal() bool {
	return s == StatusSaved || s == StatusFailed
}

// InFlight reports whether a stage is actively working on a job in status s.
func (s Status) InFlight() bool {
	return s == StatusFetching || s == StatusExtracting || s == StatusGenerating
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is an edge of the state graph.
// A self-transition is not an edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an attempt to persist an illegal transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal job transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns a *TransitionError unless from -> to is legal.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Sources returns every status with a legal edge into to, in pipeline order.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
