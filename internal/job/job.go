package job

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default stage leases. A claim may take over an in-flight job only once the
// previous claimant's lease has expired.
const (
	DefaultFetchLease    = 2 * time.Minute
	DefaultExtractLease  = time.Minute
	DefaultGenerateLease = 10 * time.Minute
)

// DefaultStaleAfter is how long a job may sit in an in-flight status before an
// external sweep treats it as abandoned.
const DefaultStaleAfter = 10 * time.Minute

// ErrNotFound is returned by stores when no job has the requested id.
var ErrNotFound = errors.New("job not found")

// Job is the unit of work of the ingestion pipeline.
type Job struct {
	ID     uuid.UUID `json:"id"`
	URL    string    `json:"url"`
	Status Status    `json:"status"`

	RawHTML     *string    `json:"-"`
	HTTPStatus  *int       `json:"http_status,omitempty"`
	ContentType *string    `json:"content_type,omitempty"`
	FetchedAt   *time.Time `json:"fetched_at,omitempty"`

	ExtractedTitle *string    `json:"extracted_title,omitempty"`
	ExtractedText  *string    `json:"extracted_text,omitempty"`
	ExtractedAt    *time.Time `json:"extracted_at,omitempty"`

	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	StoryID     *uuid.UUID `json:"story_id,omitempty"`

	ErrorMessage     *string    `json:"error_message,omitempty"`
	ManuallyProvided bool       `json:"manually_provided"`
	StageStartedAt   *time.Time `json:"stage_started_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.RawHTML = cloneString(j.RawHTML)
	c.HTTPStatus = cloneInt(j.HTTPStatus)
	c.ContentType = cloneString(j.ContentType)
	c.FetchedAt = cloneTime(j.FetchedAt)
	c.ExtractedTitle = cloneString(j.ExtractedTitle)
	c.ExtractedText = cloneString(j.ExtractedText)
	c.ExtractedAt = cloneTime(j.ExtractedAt)
	c.GeneratedAt = cloneTime(j.GeneratedAt)
	c.ErrorMessage = cloneString(j.ErrorMessage)
	c.StageStartedAt = cloneTime(j.StageStartedAt)
	if j.StoryID != nil {
		id := *j.StoryID
		c.StoryID = &id
	}
	return &c
}

// HasRawHTML reports whether the fetch output is present.
func (j *Job) HasRawHTML() bool {
	return j.RawHTML != nil && *j.RawHTML != ""
}

// RawHTMLLength returns the length of the stored HTML in bytes.
func (j *Job) RawHTMLLength() int {
	if j.RawHTML == nil {
		return 0
	}
	return len(*j.RawHTML)
}

// ExtractedTextLength returns the number of characters of extracted text.
func (j *Job) ExtractedTextLength() int {
	if j.ExtractedText == nil {
		return 0
	}
	return len([]rune(*j.ExtractedText))
}

// ReadyToFetch reports whether the fetch stage may run. FETCHING is accepted
// so that a duplicate fetch call is not itself an error.
func ReadyToFetch(j *Job) bool {
	if j == nil {
		return false
	}
	return j.Status == StatusQueued || j.Status == StatusFetching
}

// ReadyToExtract reports whether the extract stage may run.
func ReadyToExtract(j *Job) bool {
	if j == nil {
		return false
	}
	return (j.Status == StatusFetching || j.Status == StatusExtracting) && j.HasRawHTML()
}

// ExtractionComplete reports whether title, text and timestamp are all present.
// Blank strings count as absent.
func ExtractionComplete(j *Job) bool {
	if j == nil || j.ExtractedAt == nil {
		return false
	}
	return !isBlank(j.ExtractedTitle) && !isBlank(j.ExtractedText)
}

// ReadyToGenerate reports whether the generate stage may run.
func ReadyToGenerate(j *Job) bool {
	if j == nil {
		return false
	}
	return (j.Status == StatusReadyToGenerate || j.Status == StatusGenerating) && ExtractionComplete(j)
}

// FetchComplete reports whether the fetch output has been persisted.
func FetchComplete(j *Job) bool {
	return j != nil && j.HasRawHTML() && j.FetchedAt != nil
}

// GenerationComplete reports whether the job carries a story reference.
func GenerationComplete(j *Job) bool {
	return j != nil && j.StoryID != nil && j.GeneratedAt != nil
}

// CanRegenerate reports whether the out-of-band regenerate reset is allowed:
// the job is terminal and its extracted content is still present.
func CanRegenerate(j *Job) bool {
	return j != nil && j.Status.IsTerminal() && ExtractionComplete(j)
}

// CanSupplyContent reports whether manually supplied content may replace the
// extraction output. A running generation or a saved story is never clobbered.
func CanSupplyContent(j *Job) bool {
	return j != nil && j.Status != StatusGenerating && j.Status != StatusSaved
}

// LeaseExpired reports whether an in-flight claim is older than lease.
// A job without a stamped claim is treated as expired.
func LeaseExpired(j *Job, now time.Time, lease time.Duration) bool {
	if j == nil || j.StageStartedAt == nil {
		return true
	}
	return now.Sub(*j.StageStartedAt) >= lease
}

// IsStale reports whether an in-flight job has not progressed for longer than threshold.
func IsStale(j *Job, now time.Time, threshold time.Duration) bool {
	if j == nil || !j.Status.InFlight() {
		return false
	}
	since := j.UpdatedAt
	if j.StageStartedAt != nil {
		since = *j.StageStartedAt
	}
	return now.Sub(since) > threshold
}

// Consistent checks the status/field invariants of j.
func Consistent(j *Job) bool {
	switch j.Status {
	case StatusReadyToGenerate, StatusGenerating:
		return ExtractionComplete(j)
	case StatusSaved:
		return j.StoryID != nil && ExtractionComplete(j)
	case StatusExtracting:
		return j.HasRawHTML()
	}
	return true
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// FetchOutput is what a successful fetch persists.
type FetchOutput struct {
	RawHTML     string
	HTTPStatus  int
	ContentType string
	FetchedAt   time.Time
}

// FetchFailure is what an HTTP error response leaves on a failed job.
type FetchFailure struct {
	HTTPStatus  int
	ContentType string
}

// ExtractOutput is what a successful extraction or a manual supply persists.
type ExtractOutput struct {
	Title       string
	Text        string
	ExtractedAt time.Time
}

// GenerateOutput is what a successful generation persists.
type GenerateOutput struct {
	StoryID     uuid.UUID
	GeneratedAt time.Time
}
