package ratelimit

import (
	"sync"
	"time"
)

// BucketConfig configures per-client token buckets.
type BucketConfig struct {
	Limit  int           // requests per window
	Window time.Duration // refill window
	Burst  int           // bucket capacity, defaults to Limit
	// IdleAfter is how long a client bucket may go unused before it is dropped.
	IdleAfter       time.Duration
	CleanupInterval time.Duration
}

// BucketInfo reports a client's standing after a request.
type BucketInfo struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// Buckets limits request rates per client key with a token bucket each.
type Buckets struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	rate     float64 // tokens per second
	limit    int
	idle     time.Duration
	now      func() time.Time

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBuckets creates a per-client limiter. A non-positive Limit disables limiting.
func NewBuckets(cfg BucketConfig) *Buckets {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Limit
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	b := &Buckets{
		buckets:  make(map[string]*bucket),
		capacity: float64(cfg.Burst),
		rate:     float64(cfg.Limit) / cfg.Window.Seconds(),
		limit:    cfg.Limit,
		idle:     cfg.IdleAfter,
		now:      time.Now,
		ticker:   time.NewTicker(cfg.CleanupInterval),
		stop:     make(chan struct{}),
	}
	go b.cleanup()
	return b
}

// Allow consumes one token for key if available.
func (b *Buckets) Allow(key string) BucketInfo {
	if b.limit <= 0 {
		return BucketInfo{Allowed: true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{tokens: b.capacity, lastRefill: now}
		b.buckets[key] = bk
	}
	bk.lastAccess = now

	bk.tokens = min(b.capacity, bk.tokens+now.Sub(bk.lastRefill).Seconds()*b.rate)
	bk.lastRefill = now

	if bk.tokens >= 1 {
		bk.tokens--
		return BucketInfo{Allowed: true, Limit: b.limit, Remaining: int(bk.tokens)}
	}

	wait := time.Duration((1 - bk.tokens) / b.rate * float64(time.Second))
	return BucketInfo{Allowed: false, Limit: b.limit, Remaining: 0, RetryAfter: wait}
}

func (b *Buckets) cleanup() {
	for {
		select {
		case <-b.ticker.C:
			b.dropIdle()
		case <-b.stop:
			return
		}
	}
}

func (b *Buckets) dropIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.idle)
	for key, bk := range b.buckets {
		if bk.lastAccess.Before(cutoff) {
			delete(b.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (b *Buckets) Close() {
	b.stopOnce.Do(func() {
		b.ticker.Stop()
		close(b.stop)
	})
}
