package job

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func extractedJob(status Status) *Job {
	now := time.Now()
	return &Job{
		ID:             uuid.New(),
		URL:            "https://example.com/a",
		Status:         status,
		RawHTML:        strPtr("<html></html>"),
		FetchedAt:      timePtr(now),
		ExtractedTitle: strPtr("A title"),
		ExtractedText:  strPtr("Some extracted text"),
		ExtractedAt:    timePtr(now),
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusFetching, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusExtracting, false},
		{StatusFetching, StatusExtracting, true},
		{StatusFetching, StatusReadyToGenerate, false},
		{StatusExtracting, StatusReadyToGenerate, true},
		{StatusReadyToGenerate, StatusGenerating, true},
		{StatusGenerating, StatusSaved, true},
		{StatusGenerating, StatusFailed, true},
		{StatusSaved, StatusReadyToGenerate, false},
		{StatusFailed, StatusQueued, false},
		{StatusSaved, StatusFailed, false},
		{StatusFetching, StatusFetching, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StatusQueued, StatusFetching))

	err := ValidateTransition(StatusSaved, StatusGenerating)
	require.Error(t, err)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusSaved, te.From)
	assert.Contains(t, err.Error(), "SAVED -> GENERATING")
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, from := range []Status{StatusSaved, StatusFailed} {
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestEveryNonTerminalStatusCanFail(t *testing.T) {
	for _, s := range AllStatuses {
		if s.IsTerminal() {
			continue
		}
		assert.True(t, CanTransition(s, StatusFailed), s)
	}
	assert.ElementsMatch(t,
		[]Status{StatusQueued, StatusFetching, StatusExtracting, StatusReadyToGenerate, StatusGenerating},
		Sources(StatusFailed))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("GENERATING")
	require.NoError(t, err)
	assert.Equal(t, StatusGenerating, s)

	_, err = ParseStatus("generating")
	assert.Error(t, err)
}

func TestReadyToFetch(t *testing.T) {
	assert.True(t, ReadyToFetch(&Job{Status: StatusQueued}))
	assert.True(t, ReadyToFetch(&Job{Status: StatusFetching}))
	assert.False(t, ReadyToFetch(&Job{Status: StatusExtracting}))
	assert.False(t, ReadyToFetch(&Job{Status: StatusFailed}))
	assert.False(t, ReadyToFetch(nil))
}

func TestReadyToExtract(t *testing.T) {
	assert.False(t, ReadyToExtract(&Job{Status: StatusFetching}), "no html yet")
	assert.True(t, ReadyToExtract(&Job{Status: StatusFetching, RawHTML: strPtr("<p>x</p>")}))
	assert.True(t, ReadyToExtract(&Job{Status: StatusExtracting, RawHTML: strPtr("<p>x</p>")}))
	assert.False(t, ReadyToExtract(&Job{Status: StatusExtracting, RawHTML: strPtr("")}))
	assert.False(t, ReadyToExtract(&Job{Status: StatusQueued, RawHTML: strPtr("<p>x</p>")}))
}

func TestExtractionComplete(t *testing.T) {
	j := extractedJob(StatusReadyToGenerate)
	assert.True(t, ExtractionComplete(j))

	j.ExtractedAt = nil
	assert.False(t, ExtractionComplete(j))

	j = extractedJob(StatusReadyToGenerate)
	j.ExtractedText = strPtr("   \n\t")
	assert.False(t, ExtractionComplete(j))
}

func TestReadyToGenerate_BlankTitleIsAbsent(t *testing.T) {
	j := extractedJob(StatusReadyToGenerate)
	j.ExtractedTitle = strPtr("")

	assert.False(t, ReadyToGenerate(j))
}

func TestReadyToGenerate(t *testing.T) {
	assert.True(t, ReadyToGenerate(extractedJob(StatusReadyToGenerate)))
	assert.True(t, ReadyToGenerate(extractedJob(StatusGenerating)))
	assert.False(t, ReadyToGenerate(extractedJob(StatusSaved)))
	assert.False(t, ReadyToGenerate(extractedJob(StatusExtracting)))
}

func TestCanRegenerate(t *testing.T) {
	assert.True(t, CanRegenerate(extractedJob(StatusSaved)))
	assert.True(t, CanRegenerate(extractedJob(StatusFailed)))
	assert.False(t, CanRegenerate(extractedJob(StatusReadyToGenerate)))

	failed := &Job{Status: StatusFailed}
	assert.False(t, CanRegenerate(failed), "no extracted content to regenerate from")
}

func TestCanSupplyContent(t *testing.T) {
	for _, s := range AllStatuses {
		want := s != StatusGenerating && s != StatusSaved
		assert.Equal(t, want, CanSupplyContent(&Job{Status: s}), s)
	}
}

func TestIsStale(t *testing.T) {
	now := time.Now()

	generating := extractedJob(StatusGenerating)
	generating.StageStartedAt = timePtr(now.Add(-11 * time.Minute))
	assert.True(t, IsStale(generating, now, DefaultStaleAfter))

	generating.StageStartedAt = timePtr(now.Add(-5 * time.Minute))
	assert.False(t, IsStale(generating, now, DefaultStaleAfter))

	saved := extractedJob(StatusSaved)
	saved.UpdatedAt = now.Add(-time.Hour)
	assert.False(t, IsStale(saved, now, DefaultStaleAfter), "terminal jobs are never stale")

	fetching := &Job{Status: StatusFetching, UpdatedAt: now.Add(-time.Hour)}
	assert.True(t, IsStale(fetching, now, DefaultStaleAfter), "falls back to updated_at")
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, LeaseExpired(&Job{}, now, time.Minute))
	assert.False(t, LeaseExpired(&Job{StageStartedAt: timePtr(now.Add(-30 * time.Second))}, now, time.Minute))
	assert.True(t, LeaseExpired(&Job{StageStartedAt: timePtr(now.Add(-2 * time.Minute))}, now, time.Minute))
}

func TestConsistent(t *testing.T) {
	assert.True(t, Consistent(&Job{Status: StatusQueued}))
	assert.False(t, Consistent(&Job{Status: StatusReadyToGenerate}))
	assert.False(t, Consistent(extractedJob(StatusSaved)), "saved requires a story reference")

	saved := extractedJob(StatusSaved)
	id := uuid.New()
	saved.StoryID = &id
	assert.True(t, Consistent(saved))
}

func TestClone(t *testing.T) {
	j := extractedJob(StatusReadyToGenerate)
	c := j.Clone()
	*c.ExtractedTitle = "changed"

	assert.Equal(t, "A title", *j.ExtractedTitle)
	assert.Nil(t, (*Job)(nil).Clone())
}
