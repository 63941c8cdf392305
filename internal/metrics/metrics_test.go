package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, stageTotal)
	require.NotNil(t, fetchBytesTotal)
}

func TestObserveStage(t *testing.T) {
	before := testutil.ToFloat64(stageCounter("fetch", OutcomeSuccess))
	ObserveStage("fetch", OutcomeSuccess, 250*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(stageCounter("fetch", OutcomeSuccess)))
}

func TestAddFetchBytes_IgnoresNonPositive(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchBytesTotal)
	AddFetchBytes(0)
	AddFetchBytes(-5)
	AddFetchBytes(1024)
	assert.Equal(t, before+1024, testutil.ToFloat64(fetchBytesTotal))
}

func TestDispatchGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(dispatchInflight)
	IncDispatchInflight()
	IncDispatchInflight()
	DecDispatchInflight()
	assert.Equal(t, before+1, testutil.ToFloat64(dispatchInflight))
	DecDispatchInflight()
}

func TestHandlerExposesCollectors(t *testing.T) {
	IncRateLimitRejection()
	ObserveHTTPRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "story_ingest_ratelimit_rejections_total"))
	assert.True(t, strings.Contains(body, "story_ingest_http_requests_total"))
}

func stageCounter(stage, outcome string) prometheus.Counter {
	Init()
	return stageTotal.WithLabelValues(stage, outcome)
}
