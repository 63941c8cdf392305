// Package story maps validated drafts to the persisted story entity.
package story

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/jonathan/story-ingest/internal/types"
)

// ErrNotFound is returned by stores when no story has the requested id.
var ErrNotFound = errors.New("story not found")

// Source describes the page a draft was written from.
type Source struct {
	URL       string
	Title     string
	FetchedAt *time.Time
	// Manual marks content supplied by a person instead of the extractor.
	Manual bool
}

// Provenance records how a draft was produced.
type Provenance struct {
	PromptVersion string
	ModelName     string
	GeneratedAt   time.Time
}

// Map converts a validated draft into a story. what_happened items come
// first, then background items, with a continuous order. Every section is
// attributed to the single primary source at index 0.
func Map(d *types.StoryDraft, src Source, prov Provenance) *types.Story {
	s := &types.Story{
		Slug:          Slug(d.Headline, src.URL),
		Headline:      strings.TrimSpace(d.Headline),
		Summary:       strings.TrimSpace(d.ShortSummary),
		Sections:      make([]types.Section, 0, len(d.WhatHappened)+len(d.Background)),
		Tags:          NormalizeTags(d.Tags),
		PromptVersion: prov.PromptVersion,
		ModelName:     prov.ModelName,
	}
	if !prov.GeneratedAt.IsZero() {
		at := prov.GeneratedAt.UTC()
		s.GeneratedAt = &at
	}

	order := 0
	add := func(kind string, items []string) {
		for _, body := range items {
			s.Sections = append(s.Sections, types.Section{
				Type:      kind,
				Body:      strings.TrimSpace(body),
				Order:     order,
				SourceIDs: []int{0},
			})
			order++
		}
	}
	add(types.SectionWhatHappened, d.WhatHappened)
	add(types.SectionBackground, d.Background)

	s.PrimarySources = []types.PrimarySource{primarySource(src)}

	if len(d.Evidence) > 0 {
		s.Evidence = append([]types.Evidence(nil), d.Evidence...)
	}
	return s
}

func primarySource(src Source) types.PrimarySource {
	domain := Domain(src.URL)
	label := strings.Join(strings.Fields(src.Title), " ")
	if label == "" {
		label = domain
	}
	if label == "" {
		label = src.URL
	}

	ps := types.PrimarySource{
		URL:    src.URL,
		Label:  label,
		Domain: domain,
		Type:   types.SourceTypeArticle,
	}
	if src.Manual {
		ps.Type = types.SourceTypeManual
	}
	if src.FetchedAt != nil {
		at := src.FetchedAt.UTC()
		ps.RetrievedAt = &at
	}
	return ps
}

// Domain returns the lowercased host of rawURL without a leading "www.".
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	return strings.TrimPrefix(host, "www.")
}

// NormalizeTags trims, lowercases and dedupes tags, keeping first occurrence order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.Join(strings.Fields(t), " "))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
