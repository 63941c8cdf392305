package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/config"
	"github.com/jonathan/story-ingest/internal/db"
	"github.com/jonathan/story-ingest/internal/db/memory"
	"github.com/jonathan/story-ingest/internal/dispatch"
	"github.com/jonathan/story-ingest/internal/draft"
	"github.com/jonathan/story-ingest/internal/extract"
	"github.com/jonathan/story-ingest/internal/fetch"
	"github.com/jonathan/story-ingest/internal/llm"
	"github.com/jonathan/story-ingest/internal/pipeline"
	"github.com/jonathan/story-ingest/internal/ratelimit"
)

// Constructors swapped out by tests.
var (
	newLLMClient = llm.NewClient
	newFetcher   = func(opts fetch.Options) pipeline.Fetcher { return fetch.New(opts) }
)

// stores selects where jobs and stories live.
type stores struct {
	jobs    pipeline.JobStore
	stories pipeline.StoryStore
	health  func(ctx context.Context) error
	close   func()
}

func postgresStores(ctx context.Context, cfg config.DatabaseConfig) (*stores, error) {
	conn, err := db.Connect(ctx, db.Config{
		URL:             cfg.URL,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	return &stores{jobs: conn, stories: conn, health: conn.Ping, close: conn.Close}, nil
}

func memoryStores() *stores {
	m := memory.New()
	return &stores{jobs: m, stories: m, close: func() {}}
}

// app is a wired pipeline with the resources it owns.
type app struct {
	svc        *pipeline.Service
	dispatcher dispatch.Dispatcher
	stores     *stores
	closers    []func() error
	log        *zap.Logger
}

// appOptions select optional components.
type appOptions struct {
	// withDispatcher enables continuation dispatch after fetch.
	withDispatcher bool
}

// buildApp wires the pipeline over st. On success the app owns st; on
// failure the caller still does.
func buildApp(ctx context.Context, cfg config.Config, st *stores, log *zap.Logger, opts appOptions) (*app, error) {
	a := &app{log: log}

	client, err := newLLMClient(ctx, llmConfig(cfg.LLM), cfg.LLM.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	gen, err := draft.New(client, draftConfig(cfg))
	if err != nil {
		a.Close()
		return nil, err
	}

	limiter, closeLimiter, err := buildLimiter(ctx, cfg.RateLimit)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeLimiter)

	// The local dispatcher calls back into the service it is wired into.
	var svc *pipeline.Service
	if opts.withDispatcher {
		d, err := buildDispatcher(cfg.Dispatch, func(ctx context.Context, t dispatch.Task) error {
			return svc.HandleTask(ctx, t)
		}, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.dispatcher = d
	}

	deps := pipeline.Deps{
		Jobs:      st.jobs,
		Stories:   st.stories,
		Fetcher:   newFetcher(fetchOptions(cfg.Fetch)),
		Extract:   extract.Extract,
		Generator: gen,
		Limiter:   limiter,
		Logger:    log,
		Config:    pipelineConfig(cfg),
	}
	if a.dispatcher != nil {
		deps.Dispatcher = a.dispatcher
	}
	svc, err = pipeline.New(deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	a.stores = st
	return a, nil
}

// Close drains the dispatcher first so in-flight continuations can still
// reach the stores and the model.
func (a *app) Close() {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.log.Warn("failed to close dispatcher", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("failed to release resource", zap.Error(err))
		}
	}
	if a.stores != nil {
		a.stores.close()
	}
}

func buildLimiter(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Limiter, func() error, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return ratelimit.NewRedisCooldown(client, cfg.KeyPrefix), client.Close, nil
	case config.BackendMemory, "":
		c := ratelimit.NewCooldown(ratelimit.Config{StaleAfter: cfg.StaleAfter})
		return c, func() error { c.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

func buildDispatcher(cfg config.DispatchConfig, handler dispatch.Handler, log *zap.Logger) (dispatch.Dispatcher, error) {
	switch cfg.Backend {
	case config.BackendNATS:
		return dispatch.NewNATS(dispatch.NATSConfig{
			URL:         cfg.NATSURL,
			Subject:     cfg.Subject,
			QueueGroup:  cfg.QueueGroup,
			TaskTimeout: cfg.TaskTimeout,
		}, log)
	case config.BackendLocal, "":
		return dispatch.NewLocal(handler, dispatch.LocalConfig{
			MaxConcurrent: cfg.MaxConcurrent,
			TaskTimeout:   cfg.TaskTimeout,
		}, log), nil
	default:
		return nil, errors.New("unknown dispatch backend " + cfg.Backend)
	}
}

func llmConfig(c config.LLMConfig) *llm.Config {
	lc := llm.DefaultConfig()
	if c.Provider != "" {
		lc.Provider = llm.Provider(c.Provider)
	}
	for tier, name := range map[llm.ModelTier]string{
		llm.TierLite:     c.LiteModel,
		llm.TierStandard: c.StandardModel,
		llm.TierAdvanced: c.AdvancedModel,
	} {
		if name != "" {
			lc.Models[tier] = name
		}
	}
	if c.Temperature > 0 {
		lc.Temperature = c.Temperature
	}
	if c.MaxOutputTokens > 0 {
		lc.MaxOutputTokens = c.MaxOutputTokens
	}
	return lc
}

func draftConfig(c config.Config) draft.Config {
	return draft.Config{
		Tier:          llm.ParseTier(c.LLM.Tier),
		MaxInputChars: c.Generate.MaxInputChars,
		Language:      c.Generate.Language,
	}
}

func fetchOptions(c config.FetchConfig) fetch.Options {
	opts := fetch.DefaultOptions()
	opts.Timeout = c.Timeout
	opts.MaxBodyBytes = c.MaxBodyBytes
	opts.MaxRedirects = c.MaxRedirects
	if c.UserAgent != "" {
		opts.UserAgent = c.UserAgent
	}
	return opts
}

func pipelineConfig(c config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Extract.MinLength = c.Extract.MinLength
	pc.Extract.MaxLength = c.Extract.MaxLength
	if c.Extract.Timeout > 0 {
		pc.Extract.Timeout = c.Extract.Timeout
	}
	if c.Generate.Language != "" {
		pc.Language = c.Generate.Language
	}
	pc.Cooldown = c.RateLimit.Cooldown
	pc.MinManualText = c.Generate.MinManualText
	if c.Sweep.Limit > 0 {
		pc.SweepLimit = c.Sweep.Limit
	}
	return pc
}
