// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"sync"
	"time"

	"github.com/jonathan/story-ingest/internal/llm"
)

// Reply is one scripted answer.
type Reply struct {
	Text string
	Err  error
}

// Client returns scripted replies in order, repeating the last one when the
// script runs out. It records every prompt it receives.
type Client struct {
	Model string
	// Delay is slept before answering, honoring ctx.
	Delay time.Duration

	mu      sync.Mutex
	replies []Reply
	prompts []llm.Prompt
	tiers   []llm.ModelTier
	closed  bool
}

// New returns a client answering with replies.
func New(replies ...Reply) *Client {
	return &Client{Model: "fake-model", replies: replies}
}

// Text is shorthand for a client that always answers text.
func Text(text string) *Client {
	return New(Reply{Text: text})
}

// GenerateJSON implements llm.Client.
func (c *Client) GenerateJSON(ctx context.Context, prompt llm.Prompt, tier llm.ModelTier) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.tiers = append(c.tiers, tier)
	call := len(c.prompts) - 1
	var r Reply
	switch {
	case len(c.replies) == 0:
	case call < len(c.replies):
		r = c.replies[call]
	default:
		r = c.replies[len(c.replies)-1]
	}
	c.mu.Unlock()

	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.Text, r.Err
}

// GetModel implements llm.Client.
func (c *Client) GetModel(llm.ModelTier) string {
	return c.Model
}

// Close implements llm.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Calls returns how many times GenerateJSON was invoked.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

// LastPrompt returns the most recent prompt, or the zero Prompt.
func (c *Client) LastPrompt() llm.Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return llm.Prompt{}
	}
	return c.prompts[len(c.prompts)-1]
}

// LastTier returns the tier of the most recent call.
func (c *Client) LastTier() llm.ModelTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tiers) == 0 {
		return ""
	}
	return c.tiers[len(c.tiers)-1]
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ llm.Client = (*Client)(nil)
