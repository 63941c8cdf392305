package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/story-ingest/internal/db/memory"
	"github.com/jonathan/story-ingest/internal/dispatch"
	"github.com/jonathan/story-ingest/internal/draft"
	"github.com/jonathan/story-ingest/internal/extract"
	"github.com/jonathan/story-ingest/internal/fetch"
	"github.com/jonathan/story-ingest/internal/job"
	"github.com/jonathan/story-ingest/internal/llm/llmtest"
	"github.com/jonathan/story-ingest/internal/ratelimit"
	"github.com/jonathan/story-ingest/internal/types"
	"github.com/jonathan/story-ingest/internal/urlguard"
)

const articleURL = "https://news.example.com/2024/bridge"

const validDraft = `{
	"headline": "Council approves new river bridge",
	"short_summary": "The city council approved funding for a pedestrian bridge across the river after a long debate.",
	"what_happened": ["The council voted 7-2 to fund the bridge.", "Construction starts in spring."],
	"background": ["The old crossing closed in 2019."],
	"evidence": [{"claim_path": "what_happened[0]", "support": "voted 7-2 in favour"}],
	"tags": ["City", "infrastructure"]
}`

var articleHTML = `<html><head><title>Bridge vote</title></head><body>
<nav>Home | News | Sport</nav>
<article><h1>Bridge vote</h1>
<p>` + strings.Repeat("The city council voted seven to two in favour of the new pedestrian bridge. ", 6) + `</p>
<p>Construction is expected to start in the spring once the contracts are signed.</p>
</article>
<footer>Copyright</footer>
</body></html>`

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	body    string
	err     error
	partial *fetch.Result
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.partial, f.err
	}
	return &fetch.Result{
		FinalURL:    rawURL,
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Body:        f.body,
		Size:        int64(len(f.body)),
	}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []dispatch.Task
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t dispatch.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t)
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc     *Service
	store   *memory.Store
	fetcher *fakeFetcher
	llm     *llmtest.Client
	disp    *recordingDispatcher
	clock   *clock
	logs    *observer.ObservedLogs
}

type option func(*Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		fetcher: &fakeFetcher{body: articleHTML},
		llm:     llmtest.Text(validDraft),
		disp:    &recordingDispatcher{},
		clock:   &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	gen, err := draft.New(h.llm, draft.DefaultConfig())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs

	deps := Deps{
		Jobs:       h.store,
		Stories:    h.store,
		Fetcher:    h.fetcher,
		Generator:  gen,
		Dispatcher: h.disp,
		Logger:     zap.New(core),
		Config:     DefaultConfig(),
		Now:        h.clock.Now,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.svc, err = New(deps)
	require.NoError(t, err)
	return h
}

func withLimiter(l ratelimit.Limiter) option {
	return func(d *Deps) { d.Limiter = l }
}

func withJobs(s JobStore) option {
	return func(d *Deps) { d.Jobs = s }
}

func withExtract(fn ExtractFunc) option {
	return func(d *Deps) { d.Extract = fn }
}

func (h *harness) create(t *testing.T) *job.Job {
	t.Helper()
	j, err := h.svc.Create(context.Background(), CreateRequest{URL: articleURL})
	require.NoError(t, err)
	return j
}

func (h *harness) createManual(t *testing.T) *job.Job {
	t.Helper()
	j, err := h.svc.Create(context.Background(), CreateRequest{
		URL:         articleURL,
		ManualTitle: "Bridge vote",
		ManualText:  strings.Repeat("The council voted to fund the bridge. ", 5),
	})
	require.NoError(t, err)
	return j
}

func TestPipeline_HappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	j := h.create(t)
	assert.Equal(t, job.StatusQueued, j.Status)

	out, err := h.svc.Fetch(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, job.StatusExtracting, out.Job.Status)
	require.Len(t, h.disp.tasks, 1)
	assert.Equal(t, dispatch.Task{JobID: j.ID, Stage: "extract"}, h.disp.tasks[0])

	require.NoError(t, h.svc.HandleTask(ctx, h.disp.tasks[0]))
	extracted, err := h.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusReadyToGenerate, extracted.Status)
	assert.Equal(t, "Bridge vote", *extracted.ExtractedTitle)
	assert.NotContains(t, *extracted.ExtractedText, "Home | News")

	out, err = h.svc.Generate(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Story)
	assert.Equal(t, job.StatusSaved, out.Job.Status)
	assert.True(t, job.Consistent(out.Job))
	assert.Equal(t, j.ID, out.Story.JobID)
	assert.Equal(t, "Council approves new river bridge", out.Story.Headline)
	assert.Equal(t, []string{"city", "infrastructure"}, out.Story.Tags)
	assert.Equal(t, types.SourceTypeArticle, out.Story.PrimarySources[0].Type)
	assert.Equal(t, "news.example.com", out.Story.PrimarySources[0].Domain)

	saved, err := h.svc.GetStory(ctx, *out.Job.StoryID)
	require.NoError(t, err)
	assert.Equal(t, out.Story.Slug, saved.Slug)
}

func TestFetch_SecondCallIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	j := h.create(t)

	_, err := h.svc.Fetch(ctx, j.ID)
	require.NoError(t, err)
	out, err := h.svc.Fetch(ctx, j.ID)
	require.NoError(t, err)

	assert.True(t, out.Skipped)
	assert.Equal(t, 1, h.fetcher.Calls())
	assert.Len(t, h.disp.tasks, 1)
}

func TestFetch_SkippedForManualJob(t *testing.T) {
	h := newHarness(t)
	j := h.createManual(t)

	out, err := h.svc.Fetch(context.Background(), j.ID)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, 0, h.fetcher.Calls())
}

func TestFetch_FailureIsPersistedWithPrefix(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = &fetch.Error{Code: fetch.CodeHTTPError, URL: articleURL, StatusCode: 404, Message: "unexpected status"}
	h.fetcher.partial = &fetch.Result{FinalURL: articleURL, StatusCode: 404, ContentType: "text/html"}
	j := h.create(t)

	out, err := h.svc.Fetch(context.Background(), j.ID)
	require.Error(t, err)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageFetch, serr.Stage)
	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 404, ferr.StatusCode)
	assert.False(t, serr.Retryable())

	require.NotNil(t, out.Job)
	assert.Equal(t, job.StatusFailed, out.Job.Status)
	assert.True(t, strings.HasPrefix(*out.Job.ErrorMessage, "[FETCH] HTTP_ERROR"))
	require.NotNil(t, out.Job.HTTPStatus)
	assert.Equal(t, 404, *out.Job.HTTPStatus)
	require.NotNil(t, out.Job.ContentType)
	assert.Equal(t, "text/html", *out.Job.ContentType)
	assert.Nil(t, out.Job.RawHTML)
	assert.Empty(t, h.disp.tasks)

	stored, err := h.svc.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.HTTPStatus)
	assert.Equal(t, 404, *stored.HTTPStatus)
}

func TestFetch_HTTPErrorWithoutPartialResultKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = &fetch.Error{Code: fetch.CodeHTTPError, URL: articleURL, StatusCode: 503, Message: "unexpected status"}
	j := h.create(t)

	out, err := h.svc.Fetch(context.Background(), j.ID)
	require.Error(t, err)
	require.NotNil(t, out.Job.HTTPStatus)
	assert.Equal(t, 503, *out.Job.HTTPStatus)
	assert.Nil(t, out.Job.ContentType)
}

func TestFetch_TimeoutLeavesHTTPStatusEmpty(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = &fetch.Error{Code: fetch.CodeTimeout, URL: articleURL, Message: "timed out"}
	j := h.create(t)

	out, err := h.svc.Fetch(context.Background(), j.ID)
	require.Error(t, err)
	assert.Equal(t, job.StatusFailed, out.Job.Status)
	assert.Nil(t, out.Job.HTTPStatus)
}

func TestFetch_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Fetch(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestExtract_NotReadyBeforeFetch(t *testing.T) {
	h := newHarness(t)
	j := h.create(t)

	out, err := h.svc.Extract(context.Background(), j.ID)
	var nre *NotReadyError
	require.ErrorAs(t, err, &nre)
	assert.True(t, nre.Retryable())
	assert.Equal(t, job.StatusQueued, out.Job.Status)
}

func TestExtract_SecondCallIsSkippedWithoutWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	j := h.create(t)
	_, err := h.svc.Fetch(ctx, j.ID)
	require.NoError(t, err)
	_, err = h.svc.Extract(ctx, j.ID)
	require.NoError(t, err)

	writes := h.store.Writes(j.ID)
	for i := 0; i < 2; i++ {
		out, err := h.svc.Extract(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, out.Skipped)
		assert.Equal(t, job.StatusReadyToGenerate, out.Job.Status)
	}
	assert.Equal(t, writes, h.store.Writes(j.ID))
}

func TestExtract_ConcurrentCallsTransitionOnce(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	extractCalls := 0
	slowExtract := func(ctx context.Context, rawHTML string, cfg extract.Config) (*extract.Result, error) {
		mu.Lock()
		extractCalls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return extract.Extract(ctx, rawHTML, cfg)
	}
	h := newHarness(t, withExtract(slowExtract))
	j := h.create(t)
	_, err := h.svc.Fetch(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, h.disp.tasks, 1)
	fetchedWrites := h.store.Writes(j.ID)

	var g errgroup.Group
	var won, skipped, conflicts int
	record := func(out *Outcome, err error) error {
		mu.Lock()
		defer mu.Unlock()
		var cerr *ConflictError
		switch {
		case errors.As(err, &cerr):
			conflicts++
		case err != nil:
			return err
		case out.Skipped:
			skipped++
		default:
			won++
		}
		return nil
	}
	// The dispatched continuation races explicit callers.
	task := h.disp.tasks[0]
	g.Go(func() error { return record(h.svc.Extract(ctx, task.JobID)) })
	for i := 0; i < 10; i++ {
		g.Go(func() error { return record(h.svc.Extract(ctx, j.ID)) })
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, won)
	assert.Equal(t, 10, skipped+conflicts)
	assert.Equal(t, 1, extractCalls)
	// One claim and one completion.
	assert.Equal(t, fetchedWrites+2, h.store.Writes(j.ID))

	final, err := h.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusReadyToGenerate, final.Status)
	assert.True(t, job.Consistent(final))
}

func TestExtract_FailureIsPersistedWithPrefix(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.body = `<html><head><title>Short</title></head><body><p>Too short.</p></body></html>`
	j := h.create(t)

	_, err := h.svc.Fetch(ctx, j.ID)
	require.NoError(t, err)
	out, err := h.svc.Extract(ctx, j.ID)

	var xerr *extract.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, extract.KindTooShort, xerr.Kind)
	assert.Equal(t, job.StatusFailed, out.Job.Status)
	assert.True(t, strings.HasPrefix(*out.Job.ErrorMessage, "[EXTRACT] TOO_SHORT"))
}

func TestExtract_TerminalJobConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.err = errors.New("network down")
	j := h.create(t)
	_, _ = h.svc.Fetch(ctx, j.ID)

	_, err := h.svc.Extract(ctx, j.ID)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, job.StatusFailed, cerr.Status)
}

func TestGenerate_BlankTitleIsNotReady(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	blank, text, at := "  ", "some text", h.clock.Now()
	j, err := h.store.CreateJob(ctx, &job.Job{
		ID: uuid.New(), URL: articleURL, Status: job.StatusReadyToGenerate,
		ExtractedTitle: &blank, ExtractedText: &text, ExtractedAt: &at, CreatedAt: at,
	})
	require.NoError(t, err)

	out, err := h.svc.Generate(ctx, j.ID)
	var nre *NotReadyError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, job.StatusReadyToGenerate, out.Job.Status)
	assert.Equal(t, 0, h.llm.Calls())
}

func TestGenerate_ConcurrentCallsMakeOneModelCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.llm.Delay = 50 * time.Millisecond
	j := h.createManual(t)

	var g errgroup.Group
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			out, err := h.svc.Generate(ctx, j.ID)
			var cerr *ConflictError
			if errors.As(err, &cerr) {
				return nil
			}
			if err != nil {
				return err
			}
			if !out.Skipped {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, h.llm.Calls())
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.store.StoryCount())
	final, err := h.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSaved, final.Status)
}

func TestGenerate_FailureThenRegenerateIsRateLimited(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewCooldown(ratelimit.DefaultConfig())
	defer limiter.Close()

	h := newHarness(t, withLimiter(limiter))
	j := h.createManual(t)

	gen, err := draft.New(llmtest.New(llmtest.Reply{Err: errors.New("quota exceeded")}), draft.DefaultConfig())
	require.NoError(t, err)
	h.svc.generator = gen

	out, err := h.svc.Generate(ctx, j.ID)
	var derr *draft.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, draft.KindProviderError, derr.Kind)
	assert.Equal(t, job.StatusFailed, out.Job.Status)
	assert.True(t, strings.HasPrefix(*out.Job.ErrorMessage, "[GENERATE] PROVIDER_ERROR"))

	out, err = h.svc.Regenerate(ctx, j.ID)
	var rerr *RateLimitedError
	require.ErrorAs(t, err, &rerr)
	assert.Greater(t, rerr.Remaining, time.Duration(0))
	assert.Equal(t, job.StatusFailed, out.Job.Status)
}

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string, time.Duration) (ratelimit.Info, error) {
	return ratelimit.Info{}, errors.New("redis down")
}

func TestGenerate_LimiterFailureAllowsCall(t *testing.T) {
	h := newHarness(t, withLimiter(brokenLimiter{}))
	j := h.createManual(t)

	out, err := h.svc.Generate(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSaved, out.Job.Status)
	assert.Equal(t, 1, h.logs.FilterMessage("rate limiter unavailable, allowing generate").Len())
}

func TestRegenerate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	j := h.createManual(t)

	first, err := h.svc.Generate(ctx, j.ID)
	require.NoError(t, err)

	again, err := h.svc.Generate(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	second, err := h.svc.Regenerate(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSaved, second.Job.Status)
	assert.NotEqual(t, *first.Job.StoryID, *second.Job.StoryID)
	assert.Equal(t, 2, h.llm.Calls())
	assert.Equal(t, types.SourceTypeManual, second.Story.PrimarySources[0].Type)
}

func TestRegenerate_RequiresExtractedContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.err = errors.New("network down")
	j := h.create(t)
	_, _ = h.svc.Fetch(ctx, j.ID)

	_, err := h.svc.Regenerate(ctx, j.ID)
	var nre *NotReadyError
	assert.ErrorAs(t, err, &nre)
}

func TestRegenerate_NonTerminalConflicts(t *testing.T) {
	h := newHarness(t)
	j := h.createManual(t)

	_, err := h.svc.Regenerate(context.Background(), j.ID)
	var cerr *ConflictError
	assert.ErrorAs(t, err, &cerr)
}

func TestSupplyContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.err = errors.New("blocked by paywall")
	j := h.create(t)
	_, _ = h.svc.Fetch(ctx, j.ID)

	out, err := h.svc.SupplyContent(ctx, j.ID, SupplyContentRequest{Title: "x", Text: "too short"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "text")
	assert.Equal(t, job.StatusFailed, out.Job.Status)

	out, err = h.svc.SupplyContent(ctx, j.ID, SupplyContentRequest{
		Title: "Bridge vote",
		Text:  strings.Repeat("Pasted article text. ", 10),
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusReadyToGenerate, out.Job.Status)
	assert.True(t, out.Job.ManuallyProvided)
	assert.Nil(t, out.Job.ErrorMessage)

	_, err = h.svc.Generate(ctx, j.ID)
	require.NoError(t, err)

	_, err = h.svc.SupplyContent(ctx, j.ID, SupplyContentRequest{
		Title: "Other",
		Text:  strings.Repeat("Different text. ", 10),
	})
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, job.StatusSaved, cerr.Status)
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, CreateRequest{URL: "not a url"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "url")

	_, err = h.svc.Create(ctx, CreateRequest{URL: articleURL, ManualTitle: "Only a title"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "manual_text")

	_, err = h.svc.Create(ctx, CreateRequest{URL: "ftp://example.com/file"})
	assert.ErrorIs(t, err, urlguard.ErrInvalidURL)

	_, err = h.svc.Create(ctx, CreateRequest{URL: "http://127.0.0.1/admin"})
	assert.ErrorIs(t, err, urlguard.ErrInvalidURL)
}

type failingMarkStore struct {
	*memory.Store
}

func (failingMarkStore) MarkFailed(context.Context, uuid.UUID, []job.Status, string, time.Time) (*job.Job, bool, error) {
	return nil, false, errors.New("connection reset")
}

func TestFail_SecondaryErrorIsLoggedAndOriginalReturned(t *testing.T) {
	store := failingMarkStore{Store: memory.New()}
	h := newHarness(t, withJobs(store))
	h.fetcher.err = &fetch.Error{Code: fetch.CodeTimeout, URL: articleURL, Message: "timed out"}

	j, err := h.svc.Create(context.Background(), CreateRequest{URL: articleURL})
	require.NoError(t, err)

	_, err = h.svc.Fetch(context.Background(), j.ID)
	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, fetch.CodeTimeout, ferr.Code)

	entries := h.logs.FilterField(zap.Bool("critical", true)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stuck := h.create(t)
	fresh := h.create(t)

	_, ok, err := h.store.ClaimFetch(ctx, stuck.ID, h.clock.Now(), job.DefaultFetchLease)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(15 * time.Minute)
	_, ok, err = h.store.ClaimFetch(ctx, fresh.ID, h.clock.Now(), job.DefaultFetchLease)
	require.NoError(t, err)
	require.True(t, ok)

	stale, err := h.svc.Stale(ctx, 10*time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	res, err := h.svc.Sweep(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stuck.ID}, res.Failed)

	got, err := h.svc.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "[SWEEP] "))

	other, err := h.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFetching, other.Status)
}

func TestSweeper_StandaloneRespectsLimit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		j, err := store.CreateJob(ctx, &job.Job{ID: uuid.New(), URL: articleURL, Status: job.StatusQueued, CreatedAt: start})
		require.NoError(t, err)
		_, ok, err := store.ClaimGenerate(ctx, j.ID, start, job.DefaultGenerateLease)
		require.NoError(t, err)
		require.False(t, ok, "queued jobs cannot be claimed for generate")
		_, ok, err = store.ClaimFetch(ctx, j.ID, start, job.DefaultFetchLease)
		require.NoError(t, err)
		require.True(t, ok)
	}

	sw := NewSweeper(store, 2, nil, func() time.Time { return start.Add(time.Hour) })
	res, err := sw.Sweep(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Len(t, res.Failed, 2)
	assert.Zero(t, res.Skipped)

	res, err = sw.Sweep(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Len(t, res.Failed, 1)
}

func TestHandleTask_UnknownStage(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleTask(context.Background(), dispatch.Task{JobID: uuid.New(), Stage: "publish"})
	assert.Error(t, err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
