package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/config"
	"github.com/jonathan/story-ingest/internal/dispatch"
	"github.com/jonathan/story-ingest/internal/fetch"
	"github.com/jonathan/story-ingest/internal/llm"
	"github.com/jonathan/story-ingest/internal/llm/llmtest"
	"github.com/jonathan/story-ingest/internal/pipeline"
	"github.com/jonathan/story-ingest/internal/ratelimit"
	"github.com/jonathan/story-ingest/internal/server"
	"github.com/jonathan/story-ingest/internal/types"
)

const storyDraft = `{
	"headline": "Library extends weekend opening hours",
	"short_summary": "The central library will open on Sundays from next month after a successful trial over the winter.",
	"what_happened": ["Trustees approved Sunday opening.", "Hours run from ten until four."],
	"background": ["A winter trial drew record visitor numbers."],
	"evidence": [{"claim_path": "what_happened[0]", "support": "approved Sunday opening"}],
	"tags": ["Libraries"]
}`

var libraryHTML = `<html><head><title>Library opens Sundays</title></head><body>
<article><h1>Library opens Sundays</h1>
<p>` + strings.Repeat("The central library will open on Sundays from next month after a winter trial. ", 4) + `</p>
</article></body></html>`

type staticFetcher struct{ calls int }

func (f *staticFetcher) Fetch(_ context.Context, rawURL string) (*fetch.Result, error) {
	f.calls++
	return &fetch.Result{FinalURL: rawURL, StatusCode: 200, ContentType: "text/html", Body: libraryHTML}, nil
}

// stubCollaborators replaces the model and network for one test.
func stubCollaborators(t *testing.T) (*llmtest.Client, *staticFetcher) {
	t.Helper()
	client := llmtest.Text(storyDraft)
	fetcher := &staticFetcher{}
	prevLLM, prevFetcher := newLLMClient, newFetcher
	newLLMClient = func(context.Context, *llm.Config, string) (llm.Client, error) { return client, nil }
	newFetcher = func(fetch.Options) pipeline.Fetcher { return fetcher }
	t.Cleanup(func() { newLLMClient, newFetcher = prevLLM, prevFetcher })
	return client, fetcher
}

// execute runs the root command with args after resetting flag state left by
// earlier runs.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ingest", "sweep", "migrate", "token"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestIngest_PrintsStory(t *testing.T) {
	t.Setenv("STORY_INGEST_LLM_API_KEY", "test-key")
	client, fetcher := stubCollaborators(t)

	out, err := execute(t, "ingest", "--url", "https://library.example.net/news/sundays")
	require.NoError(t, err)

	var st types.Story
	require.NoError(t, json.Unmarshal([]byte(out), &st), out)
	assert.Equal(t, "Library extends weekend opening hours", st.Headline)
	assert.Equal(t, []string{"libraries"}, st.Tags)
	require.Len(t, st.PrimarySources, 1)
	assert.Equal(t, "library.example.net", st.PrimarySources[0].Domain)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 1, client.Calls())
}

func TestIngest_ManualContentSkipsFetch(t *testing.T) {
	t.Setenv("STORY_INGEST_LLM_API_KEY", "test-key")
	_, fetcher := stubCollaborators(t)

	dir := t.TempDir()
	textFile := filepath.Join(dir, "article.txt")
	require.NoError(t, os.WriteFile(textFile, []byte(strings.Repeat("Sunday opening was approved by trustees. ", 5)), 0o600))
	outFile := filepath.Join(dir, "story.json")

	_, err := execute(t, "ingest", "--url", "https://library.example.net/news/sundays",
		"--title", "Library opens Sundays", "--text-file", textFile, "--out", outFile)
	require.NoError(t, err)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	var st types.Story
	require.NoError(t, json.Unmarshal(data, &st))
	assert.NotEmpty(t, st.Slug)
	assert.Zero(t, fetcher.calls)
}

func TestIngest_RequiresAPIKey(t *testing.T) {
	t.Setenv("STORY_INGEST_LLM_API_KEY", "")
	stubCollaborators(t)

	_, err := execute(t, "ingest", "--url", "https://library.example.net/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.api_key")
}

func TestIngest_RejectsBlockedURL(t *testing.T) {
	t.Setenv("STORY_INGEST_LLM_API_KEY", "test-key")
	stubCollaborators(t)

	_, err := execute(t, "ingest", "--url", "http://169.254.169.254/latest/meta-data")
	assert.Error(t, err)
}

func TestSweepAndMigrate_RequireDatabase(t *testing.T) {
	t.Setenv("STORY_INGEST_DATABASE_URL", "")

	for _, args := range [][]string{{"sweep"}, {"migrate", "up"}, {"migrate", "down"}} {
		_, err := execute(t, args...)
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "database.url")
	}
}

func TestToken_MintsValidToken(t *testing.T) {
	secret := strings.Repeat("s", 40)
	t.Setenv("STORY_INGEST_AUTH_JWT_SECRET", secret)

	out, err := execute(t, "token", "--subject", "desk-bot", "--ttl", "1h")
	require.NoError(t, err)

	svc, err := server.NewJWTService(config.AuthConfig{JWTSecret: secret})
	require.NoError(t, err)
	sub, err := svc.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "desk-bot", sub)
}

func TestToken_RequiresSecret(t *testing.T) {
	t.Setenv("STORY_INGEST_AUTH_JWT_SECRET", "")
	_, err := execute(t, "token", "--subject", "desk-bot")
	assert.Error(t, err)
}

func TestBuildLimiter(t *testing.T) {
	ctx := context.Background()

	l, closeFn, err := buildLimiter(ctx, config.RateLimitConfig{Backend: config.BackendMemory, StaleAfter: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &ratelimit.Cooldown{}, l)
	require.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	l, closeFn, err = buildLimiter(ctx, config.RateLimitConfig{Backend: config.BackendRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()
	assert.IsType(t, &ratelimit.RedisCooldown{}, l)

	info, err := l.Check(ctx, "generate:job", time.Minute)
	require.NoError(t, err)
	assert.True(t, info.Allowed)
	info, err = l.Check(ctx, "generate:job", time.Minute)
	require.NoError(t, err)
	assert.False(t, info.Allowed)

	_, _, err = buildLimiter(ctx, config.RateLimitConfig{Backend: "memcached"})
	assert.Error(t, err)
}

func TestBuildLimiter_UnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, _, err := buildLimiter(context.Background(), config.RateLimitConfig{Backend: config.BackendRedis, RedisAddr: addr})
	assert.Error(t, err)
}

func TestBuildDispatcher(t *testing.T) {
	handler := func(context.Context, dispatch.Task) error { return nil }

	d, err := buildDispatcher(config.DispatchConfig{Backend: config.BackendLocal, MaxConcurrent: 2, TaskTimeout: time.Second}, handler, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &dispatch.Local{}, d)
	require.NoError(t, d.Close())

	_, err = buildDispatcher(config.DispatchConfig{Backend: config.BackendNATS, NATSURL: "nats://127.0.0.1:1"}, handler, zap.NewNop())
	assert.Error(t, err)

	_, err = buildDispatcher(config.DispatchConfig{Backend: "kafka"}, handler, zap.NewNop())
	assert.Error(t, err)
}

func TestLLMConfig(t *testing.T) {
	lc := llmConfig(config.LLMConfig{
		Provider:        "gemini",
		StandardModel:   "gemini-custom",
		Temperature:     0.5,
		MaxOutputTokens: 1024,
	})
	assert.Equal(t, llm.ProviderGemini, lc.Provider)
	assert.Equal(t, "gemini-custom", lc.Models[llm.TierStandard])
	assert.Equal(t, llm.DefaultConfig().Models[llm.TierLite], lc.Models[llm.TierLite])
	assert.Equal(t, float32(0.5), lc.Temperature)
	assert.Equal(t, int32(1024), lc.MaxOutputTokens)
}

func TestComponentConfigs(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetch.UserAgent = "story-agent-test"
	cfg.Extract.MinLength = 50
	cfg.RateLimit.Cooldown = 45 * time.Second
	cfg.Sweep.Limit = 7

	fo := fetchOptions(cfg.Fetch)
	assert.Equal(t, cfg.Fetch.Timeout, fo.Timeout)
	assert.Equal(t, cfg.Fetch.MaxBodyBytes, fo.MaxBodyBytes)
	assert.Equal(t, "story-agent-test", fo.UserAgent)
	assert.True(t, fo.FollowRedirects)

	pc := pipelineConfig(cfg)
	assert.Equal(t, 50, pc.Extract.MinLength)
	assert.Equal(t, 45*time.Second, pc.Cooldown)
	assert.Equal(t, 7, pc.SweepLimit)
	assert.Equal(t, cfg.Generate.MinManualText, pc.MinManualText)

	dc := draftConfig(cfg)
	assert.Equal(t, llm.TierStandard, dc.Tier)
	assert.Equal(t, cfg.Generate.MaxInputChars, dc.MaxInputChars)
}
