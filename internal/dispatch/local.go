package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/story-ingest/internal/metrics"
)

// LocalConfig bounds the in-process dispatcher.
type LocalConfig struct {
	MaxConcurrent int64
	TaskTimeout   time.Duration
}

// DefaultLocalConfig returns the defaults used by the server.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{MaxConcurrent: 8, TaskTimeout: 2 * time.Minute}
}

// Local runs tasks in goroutines of this process. At most MaxConcurrent run at
// once; the rest wait for a slot. Tasks run on a context detached from the
// caller's, so a finished HTTP request does not cancel its continuation.
type Local struct {
	handler Handler
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocal creates a Local dispatcher that runs tasks with handler.
func NewLocal(handler Handler, cfg LocalConfig, log *zap.Logger) *Local {
	def := DefaultLocalConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{
		handler: handler,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		timeout: cfg.TaskTimeout,
		log:     log,
	}
}

// Dispatch schedules t and returns immediately.
func (l *Local) Dispatch(ctx context.Context, t Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.wg.Add(1)
	l.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	go func() {
		defer l.wg.Done()
		defer cancel()
		l.run(runCtx, t)
	}()
	return nil
}

func (l *Local) run(ctx context.Context, t Task) {
	log := l.log.With(zap.String("job_id", t.JobID.String()), zap.String("stage", t.Stage))
	if err := l.sem.Acquire(ctx, 1); err != nil {
		log.Warn("continuation dropped waiting for a slot", zap.Error(err))
		return
	}
	defer l.sem.Release(1)

	metrics.IncDispatchInflight()
	defer metrics.DecDispatchInflight()

	start := time.Now()
	if err := l.handler(ctx, t); err != nil {
		log.Warn("continuation failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	log.Debug("continuation finished", zap.Duration("duration", time.Since(start)))
}

// Close rejects new tasks and waits for running ones.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
