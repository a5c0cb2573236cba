package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/candidate-feed/internal/breaker"
	"github.com/yourorg/candidate-feed/internal/cache"
	"github.com/yourorg/candidate-feed/internal/dedupe"
	"github.com/yourorg/candidate-feed/internal/host"
	"github.com/yourorg/candidate-feed/internal/model"
	"github.com/yourorg/candidate-feed/internal/monitor"
	"github.com/yourorg/candidate-feed/internal/recovery"
)

func snapshotBody(ticker string, score float64) string {
	return fmt.Sprintf(`{"asOf":%q,"results":[{"ticker":%q,"score":%.1f}]}`,
		time.Now().UTC().Format(time.RFC3339), ticker, score)
}

func fastConfig(endpoint string) Config {
	cfg := DefaultConfig(endpoint)
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.AttemptTimeout = 2 * time.Second
	return cfg
}

func newTestClient(cfg Config) (*Client, *recovery.Handler) {
	store := recovery.NewFallbackStore(host.NewMemoryEnvironment(), recovery.DefaultFallbackMaxAge)
	handler := recovery.NewHandler(store)
	return NewClient(cfg, cache.New(10), dedupe.New(), breaker.New(), handler, monitor.New()), handler
}

func TestFetchSnapshot_NetworkThenCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, snapshotBody("AAPL", 8.5))
	}))
	defer srv.Close()

	client, _ := newTestClient(fastConfig(srv.URL))

	snap := client.FetchSnapshot(context.Background())
	assert.Equal(t, model.SourceNetwork, snap.Source)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "AAPL", snap.Results[0].Ticker)

	snap = client.FetchSnapshot(context.Background())
	assert.Equal(t, model.SourceCache, snap.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "cache hit must not touch the network")
}

func TestFetchSnapshot_RetriesThenStaleCache(t *testing.T) {
	var hits int32
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if failing.Load() {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, snapshotBody("TSLA", 7.0))
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.CacheTTL = 10 * time.Millisecond
	client, _ := newTestClient(cfg)

	snap := client.FetchSnapshot(context.Background())
	require.Equal(t, model.SourceNetwork, snap.Source)

	// Let the cached entry expire, then make the upstream fail.
	time.Sleep(20 * time.Millisecond)
	failing.Store(true)
	atomic.StoreInt32(&hits, 0)

	snap = client.FetchSnapshot(context.Background())
	assert.Equal(t, model.SourceStaleCache, snap.Source)
	assert.NotEmpty(t, snap.Err)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "TSLA", snap.Results[0].Ticker)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "expected three attempts before giving up")
}

func TestFetchSnapshot_NoCacheNoStoreDegradesToError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.EnableCache = false
	cfg.MaxAttempts = 1
	client, _ := newTestClient(cfg)

	snap := client.FetchSnapshot(context.Background())
	assert.Equal(t, model.SourceError, snap.Source)
	assert.NotEmpty(t, snap.Err)
	assert.Empty(t, snap.Results)
	assert.False(t, snap.IsUsable())
}

func TestFetchSnapshot_RecoveryChainServesFallbackStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.EnableCache = false
	cfg.MaxAttempts = 1
	client, handler := newTestClient(cfg)
	handler.RecordSuccess(model.Snapshot{
		AsOf:    time.Now(),
		Results: []model.Candidate{{Ticker: "NVDA", Score: 9.1}},
		Source:  model.SourceNetwork,
	}, model.SourceNetwork)

	snap := client.FetchSnapshot(context.Background())
	assert.Equal(t, model.SourceFallbackCache, snap.Source)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "NVDA", snap.Results[0].Ticker)
}

func TestFetchSnapshot_OpenBreakerSkipsNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.EnableCache = false
	cfg.MaxAttempts = 1
	store := recovery.NewFallbackStore(host.NewMemoryEnvironment(), recovery.DefaultFallbackMaxAge)
	handler := recovery.NewHandler(store)
	b := breaker.New().WithFailureThreshold(2).WithResetTimeout(time.Minute)
	client := NewClient(cfg, nil, dedupe.New(), b, handler, monitor.New())

	client.FetchSnapshot(context.Background())
	client.FetchSnapshot(context.Background())
	require.Equal(t, breaker.StateOpen, b.State())
	atomic.StoreInt32(&hits, 0)

	snap := client.FetchSnapshot(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits), "open breaker must fast-fail without a request")
	assert.NotEmpty(t, snap.Err)
}

func TestFetchSnapshot_ValidationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"ticker":""}]}`)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.EnableCache = false
	client, handler := newTestClient(cfg)

	snap := client.FetchSnapshot(context.Background())
	assert.Equal(t, model.SourceError, snap.Source)

	history := handler.History()
	require.NotEmpty(t, history)
	assert.Equal(t, recovery.TypeValidation, history[len(history)-1].Type)
}

func TestFetchSnapshot_RetryStormFeedsMonitorPerAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.EnableCache = false
	mon := monitor.New()
	store := recovery.NewFallbackStore(host.NewMemoryEnvironment(), recovery.DefaultFallbackMaxAge)
	client := NewClient(cfg, nil, dedupe.New(), nil, recovery.NewHandler(store), mon)

	snap := client.FetchSnapshot(context.Background())
	assert.Equal(t, model.SourceError, snap.Source)
	require.Equal(t, int32(DefaultMaxAttempts), atomic.LoadInt32(&hits))

	// Every attempt must land in the outcome series, not just the
	// terminal failure.
	sum := mon.Summary(time.Minute)
	assert.GreaterOrEqual(t, sum.RequestsPerMinute, float64(DefaultMaxAttempts))
	assert.Equal(t, 100.0, sum.ErrorRate)
}

func TestFetchSnapshot_FreshnessMeasuredFromAsOf(t *testing.T) {
	asOf := time.Now().Add(-2 * time.Second).UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"asOf":%q,"results":[{"ticker":"AAPL","score":8.5}]}`,
			asOf.Format(time.RFC3339))
	}))
	defer srv.Close()

	mon := monitor.New()
	store := recovery.NewFallbackStore(host.NewMemoryEnvironment(), recovery.DefaultFallbackMaxAge)
	client := NewClient(fastConfig(srv.URL), cache.New(10), dedupe.New(), nil, recovery.NewHandler(store), mon)

	snap := client.FetchSnapshot(context.Background())
	require.Equal(t, model.SourceNetwork, snap.Source)
	snap = client.FetchSnapshot(context.Background())
	require.Equal(t, model.SourceCache, snap.Source)

	// Both samples measure data age from AsOf; a cache hit seconds after
	// the network fetch is nearly as old, not near zero.
	sum := mon.Summary(time.Minute)
	assert.Greater(t, sum.AvgDataFreshness, 1800.0)
}

func TestBackoff_BoundsAndGrowth(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		nominal := float64(base) * float64(int(1)<<(attempt-1))
		if nominal > float64(max) {
			nominal = float64(max)
		}
		for i := 0; i < 50; i++ {
			d := Backoff(base, max, attempt)
			assert.GreaterOrEqual(t, float64(d), nominal*0.75)
			assert.LessOrEqual(t, float64(d), nominal*1.25)
		}
	}
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Backoff(time.Second, 10*time.Second, 30)
		assert.LessOrEqual(t, d, time.Duration(float64(10*time.Second)*1.25))
	}
}
