// Package draft asks the model for a structured news draft and enforces its JSON contract.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	storyschemas "github.com/jonathan/story-ingest/schemas"

	"github.com/jonathan/story-ingest/internal/llm"
	"github.com/jonathan/story-ingest/internal/prompts"
	"github.com/jonathan/story-ingest/internal/schemas"
	"github.com/jonathan/story-ingest/internal/types"
)

const (
	// PromptVersion identifies the prompt and schema pair recorded with every story.
	PromptVersion = "story-draft/v1"
	// DefaultMaxInputChars bounds the source text sent to the model.
	DefaultMaxInputChars = 8000
	// TruncationMarker is appended to source text cut at MaxInputChars.
	TruncationMarker = "\n\n[... text truncated ...]"
	// DefaultLanguage is used when no or an unknown language is requested.
	DefaultLanguage = "en"

	promptFile = "drafting.json"
)

var languageNames = map[string]string{
	"en": "English",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
}

// LanguageName maps a language code to the name used in the prompt.
// Unknown codes fall back to English.
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(strings.TrimSpace(code))]; ok {
		return name
	}
	return languageNames[DefaultLanguage]
}

// Config controls draft generation.
type Config struct {
	Tier          llm.ModelTier
	MaxInputChars int
	Language      string
}

// DefaultConfig returns the default drafting configuration.
func DefaultConfig() Config {
	return Config{
		Tier:          llm.TierStandard,
		MaxInputChars: DefaultMaxInputChars,
		Language:      DefaultLanguage,
	}
}

// Metadata is the provenance persisted alongside the resulting story.
type Metadata struct {
	PromptVersion string    `json:"prompt_version"`
	ModelName     string    `json:"model_name"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Result is a validated draft with its provenance.
type Result struct {
	Draft    *types.StoryDraft
	Metadata Metadata
	// Raw is the cleaned model output the draft was decoded from.
	Raw string
}

// Option overrides a Config field for a single call.
type Option func(*Config)

// WithLanguage sets the output language for one generation.
func WithLanguage(code string) Option {
	return func(c *Config) { c.Language = code }
}

// WithTier sets the model tier for one generation.
func WithTier(tier llm.ModelTier) Option {
	return func(c *Config) { c.Tier = tier }
}

// Generator produces drafts. It is safe for concurrent use.
type Generator struct {
	client    llm.Client
	cfg       Config
	validator *schemas.Validator
	now       func() time.Time
}

// New creates a Generator backed by client.
func New(client llm.Client, cfg Config) (*Generator, error) {
	if client == nil {
		return nil, errors.New("draft: llm client is required")
	}
	def := DefaultConfig()
	if cfg.Tier == "" {
		cfg.Tier = def.Tier
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = def.MaxInputChars
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}

	v, err := schemas.Compile("story_draft", storyschemas.StoryDraft)
	if err != nil {
		return nil, err
	}
	return &Generator{client: client, cfg: cfg, validator: v, now: time.Now}, nil
}

// ModelName returns the model used for the configured tier.
func (g *Generator) ModelName() string {
	return g.client.GetModel(g.cfg.Tier)
}

// BuildPrompt renders the system and user prompts for title and text.
func (g *Generator) BuildPrompt(title, text string, cfg Config) (llm.Prompt, error) {
	system, err := prompts.Render(promptFile, "system", map[string]string{
		"Language": LanguageName(cfg.Language),
	})
	if err != nil {
		return llm.Prompt{}, err
	}
	user, err := prompts.Render(promptFile, "user", map[string]string{
		"Title": strings.TrimSpace(title),
		"Text":  TruncateInput(text, cfg.MaxInputChars),
	})
	if err != nil {
		return llm.Prompt{}, err
	}
	return llm.Prompt{System: system, User: user}, nil
}

// Generate asks the model for a draft of the given source and validates it.
func (g *Generator) Generate(ctx context.Context, title, text string, opts ...Option) (*Result, error) {
	cfg := g.cfg
	for _, o := range opts {
		o(&cfg)
	}

	prompt, err := g.BuildPrompt(title, text, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build drafting prompt: %w", err)
	}

	raw, err := g.client.GenerateJSON(ctx, prompt, cfg.Tier)
	if err != nil {
		if errors.Is(err, llm.ErrNoContent) {
			return nil, &Error{Kind: KindEmptyResponse, Message: "model returned no content", Cause: err}
		}
		return nil, &Error{Kind: KindProviderError, Message: "model call failed", Cause: err}
	}

	draft, cleaned, err := g.Parse(raw)
	if err != nil {
		return nil, err
	}

	return &Result{
		Draft: draft,
		Metadata: Metadata{
			PromptVersion: PromptVersion,
			ModelName:     g.client.GetModel(cfg.Tier),
			GeneratedAt:   g.now().UTC(),
		},
		Raw: cleaned,
	}, nil
}

// Parse strips code fences from a model reply, then checks syntax, schema
// and claim references in that order.
func (g *Generator) Parse(raw string) (*types.StoryDraft, string, error) {
	cleaned := llm.CleanJSONBlock(raw)
	if cleaned == "" {
		return nil, "", &Error{Kind: KindEmptyResponse, Message: "model returned an empty reply"}
	}
	if !json.Valid([]byte(cleaned)) {
		return nil, cleaned, &Error{Kind: KindMalformedJSON, Message: "reply is not valid JSON", Raw: truncateRaw(cleaned)}
	}

	if err := g.validator.Validate(cleaned); err != nil {
		var ve *schemas.ValidationError
		if errors.As(err, &ve) {
			return nil, cleaned, &Error{
				Kind:    KindSchemaInvalid,
				Message: "reply does not match the draft schema",
				Fields:  ve.Errors,
				Raw:     truncateRaw(cleaned),
				Cause:   err,
			}
		}
		return nil, cleaned, &Error{Kind: KindMalformedJSON, Message: "reply could not be loaded", Cause: err}
	}

	var d types.StoryDraft
	if err := json.Unmarshal([]byte(cleaned), &d); err != nil {
		return nil, cleaned, &Error{Kind: KindMalformedJSON, Message: "reply could not be decoded", Cause: err}
	}
	if d.Background == nil {
		d.Background = []string{}
	}

	if fields := checkDraft(&d); len(fields) > 0 {
		return nil, cleaned, &Error{
			Kind:    KindSchemaInvalid,
			Message: "reply violates draft constraints",
			Fields:  fields,
			Raw:     truncateRaw(cleaned),
		}
	}
	return &d, cleaned, nil
}

// checkDraft enforces what the schema cannot: blank strings and claim paths
// that point at existing statements.
func checkDraft(d *types.StoryDraft) []schemas.FieldError {
	var fields []schemas.FieldError
	if strings.TrimSpace(d.Headline) == "" {
		fields = append(fields, schemas.FieldError{Field: "headline", Message: "must not be blank"})
	}
	if strings.TrimSpace(d.ShortSummary) == "" {
		fields = append(fields, schemas.FieldError{Field: "short_summary", Message: "must not be blank"})
	}
	for i, s := range d.WhatHappened {
		if strings.TrimSpace(s) == "" {
			fields = append(fields, schemas.FieldError{Field: fmt.Sprintf("what_happened.%d", i), Message: "must not be blank"})
		}
	}
	for i, s := range d.Background {
		if strings.TrimSpace(s) == "" {
			fields = append(fields, schemas.FieldError{Field: fmt.Sprintf("background.%d", i), Message: "must not be blank"})
		}
	}
	for i, ev := range d.Evidence {
		if _, err := d.ResolveClaim(ev.ClaimPath); err != nil {
			fields = append(fields, schemas.FieldError{Field: fmt.Sprintf("evidence.%d.claim_path", i), Message: err.Error()})
		}
		if strings.TrimSpace(ev.Support) == "" {
			fields = append(fields, schemas.FieldError{Field: fmt.Sprintf("evidence.%d.support", i), Message: "must not be blank"})
		}
	}
	return fields
}

// TruncateInput cuts text to limit characters and appends TruncationMarker.
func TruncateInput(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + TruncationMarker
}

func truncateRaw(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max]
}
