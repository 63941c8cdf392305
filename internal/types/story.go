// Package types provides the wire types shared by the drafting, mapping and storage layers.
package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Section types of a story.
const (
	SectionWhatHappened = "what_happened"
	SectionBackground   = "background"
)

// Source types of a primary source.
const (
	SourceTypeArticle = "article"
	SourceTypeManual  = "manual"
)

// Evidence ties a drafted statement to the source passage supporting it.
type Evidence struct {
	ClaimPath string `json:"claim_path"`
	Support   string `json:"support"`
}

// StoryDraft is the structured output the drafting model must return.
type StoryDraft struct {
	Headline     string     `json:"headline"`
	ShortSummary string     `json:"short_summary"`
	WhatHappened []string   `json:"what_happened"`
	Background   []string   `json:"background"`
	Evidence     []Evidence `json:"evidence"`
	Tags         []string   `json:"tags,omitempty"`
}

var claimPathPattern = regexp.MustCompile(`^(what_happened|background)\[(\d+)\]$`)

// ParseClaimPath splits a claim path such as "background[2]" into its list and index.
func ParseClaimPath(path string) (list string, index int, err error) {
	m := claimPathPattern.FindStringSubmatch(path)
	if m == nil {
		return "", 0, fmt.Errorf("malformed claim path %q", path)
	}
	index, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("claim path %q: %w", path, err)
	}
	return m[1], index, nil
}

// ResolveClaim returns the statement a claim path points at.
func (d *StoryDraft) ResolveClaim(path string) (string, error) {
	list, index, err := ParseClaimPath(path)
	if err != nil {
		return "", err
	}
	items := d.WhatHappened
	if list == SectionBackground {
		items = d.Background
	}
	if index >= len(items) {
		return "", fmt.Errorf("claim path %q out of range: %s has %d items", path, list, len(items))
	}
	return items[index], nil
}

// Section is one ordered body block of a story.
type Section struct {
	Type      string `json:"type"`
	Body      string `json:"body"`
	Order     int    `json:"order"`
	SourceIDs []int  `json:"source_ids,omitempty"`
}

// PrimarySource attributes a story to the page it was drafted from.
type PrimarySource struct {
	URL         string     `json:"url"`
	Label       string     `json:"label"`
	Domain      string     `json:"domain"`
	Type        string     `json:"type"`
	RetrievedAt *time.Time `json:"retrieved_at,omitempty"`
}

// Story is the persisted entity produced from a draft.
type Story struct {
	ID             uuid.UUID       `json:"id"`
	JobID          uuid.UUID       `json:"job_id"`
	Slug           string          `json:"slug"`
	Headline       string          `json:"headline"`
	Summary        string          `json:"summary"`
	Sections       []Section       `json:"sections"`
	PrimarySources []PrimarySource `json:"primary_sources"`
	Evidence       []Evidence      `json:"evidence,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	PromptVersion  string          `json:"prompt_version,omitempty"`
	ModelName      string          `json:"model_name,omitempty"`
	GeneratedAt    *time.Time      `json:"generated_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
}

// SectionsOfType returns the bodies of sections of type t in order.
func (s *Story) SectionsOfType(t string) []string {
	var out []string
	for _, sec := range s.Sections {
		if sec.Type == t {
			out = append(out, sec.Body)
		}
	}
	return out
}
