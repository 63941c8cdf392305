package story

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/story-ingest/internal/schemas"
	"github.com/jonathan/story-ingest/internal/types"
	storyschemas "github.com/jonathan/story-ingest/schemas"
)

func sampleDraft() *types.StoryDraft {
	return &types.StoryDraft{
		Headline:     "Zürich council approves new river bridge",
		ShortSummary: "The council approved funding for a pedestrian bridge across the river.",
		WhatHappened: []string{"The council voted 7-2.", "Work starts in spring.", "Cost is 12 million."},
		Background:   []string{"The old crossing closed in 2019.", "Residents petitioned for years."},
		Evidence:     []types.Evidence{{ClaimPath: "what_happened[0]", Support: "voted 7-2"}},
		Tags:         []string{" City ", "infrastructure", "city", ""},
	}
}

func TestMap_PreservesSectionOrder(t *testing.T) {
	d := sampleDraft()
	s := Map(d, Source{URL: "https://www.Example.com/news/1", Title: "Bridge vote"}, Provenance{})

	require.Len(t, s.Sections, len(d.WhatHappened)+len(d.Background))
	assert.Equal(t, d.WhatHappened, s.SectionsOfType(types.SectionWhatHappened))
	assert.Equal(t, d.Background, s.SectionsOfType(types.SectionBackground))

	for i, sec := range s.Sections {
		assert.Equal(t, i, sec.Order)
		assert.Equal(t, []int{0}, sec.SourceIDs)
	}
	assert.Equal(t, types.SectionWhatHappened, s.Sections[2].Type)
	assert.Equal(t, types.SectionBackground, s.Sections[3].Type)
}

func TestMap_PrimarySource(t *testing.T) {
	fetched := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600))

	s := Map(sampleDraft(), Source{URL: "https://www.Example.com/news/1", Title: "  Bridge   vote ", FetchedAt: &fetched}, Provenance{})
	require.Len(t, s.PrimarySources, 1)
	ps := s.PrimarySources[0]
	assert.Equal(t, "https://www.Example.com/news/1", ps.URL)
	assert.Equal(t, "Bridge vote", ps.Label)
	assert.Equal(t, "example.com", ps.Domain)
	assert.Equal(t, types.SourceTypeArticle, ps.Type)
	require.NotNil(t, ps.RetrievedAt)
	assert.True(t, fetched.Equal(*ps.RetrievedAt))
	assert.Equal(t, time.UTC, ps.RetrievedAt.Location())

	manual := Map(sampleDraft(), Source{URL: "https://news.example.org/a", Manual: true}, Provenance{})
	assert.Equal(t, types.SourceTypeManual, manual.PrimarySources[0].Type)
	assert.Equal(t, "news.example.org", manual.PrimarySources[0].Label)
	assert.Nil(t, manual.PrimarySources[0].RetrievedAt)
}

func TestMap_ProvenanceAndTags(t *testing.T) {
	gen := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s := Map(sampleDraft(), Source{URL: "https://example.com/a"}, Provenance{
		PromptVersion: "story-draft/v1",
		ModelName:     "gemini-2.5-flash",
		GeneratedAt:   gen,
	})

	assert.Equal(t, "story-draft/v1", s.PromptVersion)
	assert.Equal(t, "gemini-2.5-flash", s.ModelName)
	require.NotNil(t, s.GeneratedAt)
	assert.Equal(t, gen, *s.GeneratedAt)
	assert.Equal(t, []string{"city", "infrastructure"}, s.Tags)
	assert.Len(t, s.Evidence, 1)
	assert.Equal(t, "The council approved funding for a pedestrian bridge across the river.", s.Summary)
}

func TestMap_ValidatesAgainstStorySchema(t *testing.T) {
	fetched := time.Now()
	s := Map(sampleDraft(), Source{URL: "https://example.com/a", Title: "Bridge", FetchedAt: &fetched}, Provenance{
		PromptVersion: "story-draft/v1",
		GeneratedAt:   time.Now(),
	})

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NoError(t, schemas.ValidateJSONString(storyschemas.Story, string(data)))
}

func TestSlug(t *testing.T) {
	s1 := Slug("Zürich council approves new river bridge!", "https://a.example/1")
	s2 := Slug("Zürich council approves new river bridge!", "https://b.example/1")

	assert.True(t, strings.HasPrefix(s1, "zurich-council-approves-new-river-bridge-"))
	assert.Len(t, s1, len("zurich-council-approves-new-river-bridge-")+8)
	assert.NotEqual(t, s1, s2)
	assert.Equal(t, s1, Slug("Zürich council approves new river bridge!", "https://a.example/1"))
}

func TestSlug_LongHeadlineCutsAtHyphen(t *testing.T) {
	headline := strings.Repeat("word ", 30)
	s := Slug(headline, "https://example.com")

	base := s[:len(s)-9]
	assert.LessOrEqual(t, len(base), MaxSlugBase)
	assert.False(t, strings.HasSuffix(base, "-"))
	for _, part := range strings.Split(base, "-") {
		assert.Equal(t, "word", part)
	}
}

func TestSlug_NonLatinHeadline(t *testing.T) {
	s := Slug("东京 新闻", "https://example.com")
	assert.True(t, strings.HasPrefix(s, "story-"))
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Hello, World":          "hello-world",
		"  --Ça va?-- ":         "ca-va",
		"Ölpreis steigt um 5 %": "olpreis-steigt-um-5",
		"":                      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "bbc.co.uk", Domain("https://WWW.BBC.co.uk/news"))
	assert.Equal(t, "example.com", Domain("http://example.com.:8080/x"))
	assert.Equal(t, "", Domain("::not a url"))
}
