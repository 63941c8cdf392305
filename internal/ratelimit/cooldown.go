// Package ratelimit provides per-key cooldown guards for costly operations
// and a token bucket for per-client request limiting.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultStaleAfter is how long a key may sit idle before it is purged.
	DefaultStaleAfter = 10 * time.Minute
	// DefaultCleanupInterval is how often idle keys are purged.
	DefaultCleanupInterval = time.Minute
)

// Info is the outcome of a cooldown check.
type Info struct {
	Allowed bool
	// Remaining is the wait until the key is allowed again. Zero when allowed.
	Remaining time.Duration
}

// Limiter gates an operation per key. The first call for a key is allowed and
// stamps it; calls within cooldown of the stamp are rejected.
type Limiter interface {
	Check(ctx context.Context, key string, cooldown time.Duration) (Info, error)
}

// Config controls the in-memory cooldown.
type Config struct {
	StaleAfter      time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the default cooldown configuration.
func DefaultConfig() Config {
	return Config{
		StaleAfter:      DefaultStaleAfter,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Cooldown is an in-process Limiter. It owns a sweep goroutine that runs
// until Close.
type Cooldown struct {
	mu         sync.Mutex
	stamps     map[string]time.Time
	lastAccess map[string]time.Time
	staleAfter time.Duration
	now        func() time.Time

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

// NewCooldown creates a Cooldown and starts its sweeper.
func NewCooldown(cfg Config) *Cooldown {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	c := &Cooldown{
		stamps:     make(map[string]time.Time),
		lastAccess: make(map[string]time.Time),
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
		ticker:     time.NewTicker(cfg.CleanupInterval),
		stop:       make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// CheckLimit applies the cooldown to key.
func (c *Cooldown) CheckLimit(key string, cooldown time.Duration) Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lastAccess[key] = now

	last, seen := c.stamps[key]
	if seen && cooldown > 0 {
		if elapsed := now.Sub(last); elapsed < cooldown {
			return Info{Allowed: false, Remaining: cooldown - elapsed}
		}
	}
	c.stamps[key] = now
	return Info{Allowed: true}
}

// Check implements Limiter.
func (c *Cooldown) Check(_ context.Context, key string, cooldown time.Duration) (Info, error) {
	return c.CheckLimit(key, cooldown), nil
}

// Len returns the number of tracked keys.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stamps)
}

// Sweep removes keys idle for longer than the stale threshold and returns
// how many were removed.
func (c *Cooldown) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.staleAfter)
	removed := 0
	for key, seen := range c.lastAccess {
		if seen.Before(cutoff) {
			delete(c.lastAccess, key)
			delete(c.stamps, key)
			removed++
		}
	}
	return removed
}

func (c *Cooldown) cleanup() {
	for {
		select {
		case <-c.ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cooldown) Close() {
	c.stopOnce.Do(func() {
		c.ticker.Stop()
		close(c.stop)
	})
}

var _ Limiter = (*Cooldown)(nil)
