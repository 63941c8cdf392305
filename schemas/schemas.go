// Package schemas embeds the JSON Schemas for model output and stored stories.
package schemas

import _ "embed"

// StoryDraft is the contract the drafting model must satisfy.
//
//go:embed story_draft.schema.json
var StoryDraft string

// Story describes the persisted story entity.
//
//go:embed story.schema.json
var Story string
