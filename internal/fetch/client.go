package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/candidate-feed/internal/breaker"
	"github.com/yourorg/candidate-feed/internal/cache"
	"github.com/yourorg/candidate-feed/internal/dedupe"
	"github.com/yourorg/candidate-feed/internal/model"
	"github.com/yourorg/candidate-feed/internal/monitor"
	"github.com/yourorg/candidate-feed/internal/otel"
	"github.com/yourorg/candidate-feed/internal/recovery"
	"github.com/yourorg/candidate-feed/internal/validation"
)

const maxErrorBodyBytes = 512

// Config tunes a single upstream endpoint.
type Config struct {
	Endpoint       string
	CacheKey       string
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	CacheTTL       time.Duration
	EnableCache    bool
	BypassBreaker  bool
}

// DefaultConfig returns the standard tuning for an endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		CacheKey:       endpoint,
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		CacheTTL:       cache.DefaultTTL,
		EnableCache:    true,
	}
}

// Client fetches candidate snapshots from the upstream endpoint. Every
// fetch runs through the cache, the deduplicator and the circuit breaker,
// and every failure is routed through the recovery handler, so callers
// always get a snapshot back even when the upstream is down.
type Client struct {
	cfg      Config
	http     *retryablehttp.Client
	cache    *cache.Cache
	dedupe   *dedupe.Deduplicator
	breaker  *breaker.Breaker
	recovery *recovery.Handler
	monitor  *monitor.Monitor
	tracer   trace.Tracer
	log      *logrus.Entry
}

// NewClient wires a fetch client from its collaborators. Any of them may
// be nil except the recovery handler; a nil cache or breaker simply
// disables that layer.
func NewClient(cfg Config, c *cache.Cache, d *dedupe.Deduplicator, b *breaker.Breaker, r *recovery.Handler, m *monitor.Monitor) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.CacheKey == "" {
		cfg.CacheKey = cfg.Endpoint
	}
	if d == nil {
		d = dedupe.New()
	}

	cl := &Client{
		cfg:      cfg,
		cache:    c,
		dedupe:   d,
		breaker:  b,
		recovery: r,
		monitor:  m,
		tracer:   otel.Tracer(),
		log:      logrus.WithField("component", "fetch"),
	}
	cl.http = cl.newRetryClient()
	return cl
}

func (c *Client) newRetryClient() *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = c.cfg.MaxAttempts - 1
	rc.HTTPClient.Timeout = c.cfg.AttemptTimeout
	rc.Logger = nil

	next := rc.HTTPClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	rc.HTTPClient.Transport = &attemptRecorder{next: next, client: c}

	rc.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, attemptNum+1)
	}

	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			c.log.WithFields(logrus.Fields{
				"url":     req.URL.String(),
				"attempt": attempt + 1,
			}).Warn("Retrying upstream request")
		}
	}

	// Surface the terminal status or transport error instead of the
	// generic "giving up" wrapper so classification sees the real cause.
	rc.ErrorHandler = func(resp *http.Response, err error, attempts int) (*http.Response, error) {
		if resp != nil {
			return nil, statusError(resp)
		}
		return nil, fmt.Errorf("upstream request failed after %d attempts: %w", attempts, err)
	}

	return rc
}

// FetchSnapshot returns the freshest snapshot it can obtain. It never
// returns an error: failures degrade through stale cache and the recovery
// chain down to an empty snapshot with Source "error".
func (c *Client) FetchSnapshot(ctx context.Context) model.Snapshot {
	ctx, span := c.tracer.Start(ctx, "fetch.snapshot",
		trace.WithAttributes(attribute.String("endpoint", c.cfg.Endpoint)))
	defer span.End()

	start := time.Now()

	if c.cfg.EnableCache && c.cache != nil {
		if snap, stale, ok := c.cache.Get(c.cfg.CacheKey); ok && !stale {
			snap.Source = model.SourceCache
			c.recordFetch(start, true, true)
			if c.monitor != nil && !snap.AsOf.IsZero() {
				c.monitor.RecordFreshness(time.Since(snap.AsOf))
			}
			span.SetAttributes(attribute.String("source", snap.Source))
			return snap
		}
	}

	snap, shared, err := c.dedupe.Do(c.cfg.CacheKey, func() (model.Snapshot, error) {
		return c.fetchThroughBreaker(ctx)
	})

	if err == nil {
		snap.Source = model.SourceNetwork
		if c.cfg.EnableCache && c.cache != nil && !shared {
			c.cache.Set(c.cfg.CacheKey, snap, c.cfg.CacheTTL, true)
		}
		if c.recovery != nil && !shared {
			c.recovery.RecordSuccess(snap, model.SourceNetwork)
		}
		c.recordFetch(start, true, false)
		if c.monitor != nil && !snap.AsOf.IsZero() {
			c.monitor.RecordFreshness(time.Since(snap.AsOf))
		}
		span.SetAttributes(attribute.String("source", snap.Source))
		return snap
	}

	c.recordFetch(start, false, false)
	otel.RecordError(ctx, err)
	c.log.WithError(err).WithField("endpoint", c.cfg.Endpoint).Error("Fetch failed")

	return c.degrade(ctx, err, span)
}

// degrade picks the best substitute for a failed fetch: stale cache first,
// then whatever the recovery chain produces, then an empty error snapshot.
func (c *Client) degrade(ctx context.Context, err error, span trace.Span) model.Snapshot {
	var result recovery.Result
	if c.recovery != nil {
		result = c.recovery.HandleError(ctx, err, c.cfg.Endpoint)
	}

	if c.cfg.EnableCache && c.cache != nil {
		if cached, _, ok := c.cache.Get(c.cfg.CacheKey); ok {
			cached.Source = model.SourceStaleCache
			cached.Err = err.Error()
			if age, ok := c.cache.Age(c.cfg.CacheKey); ok {
				c.log.WithField("age", age).Warn("Serving stale cached snapshot")
			}
			span.SetAttributes(attribute.String("source", cached.Source))
			return cached
		}
	}

	if result.Snapshot != nil {
		span.SetAttributes(attribute.String("source", result.Snapshot.Source))
		return *result.Snapshot
	}

	snap := model.NewEmptySnapshot(model.SourceError, err.Error())
	span.SetAttributes(attribute.String("source", snap.Source))
	return snap
}

func (c *Client) fetchThroughBreaker(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	op := func(ctx context.Context) error {
		s, err := c.fetchNetwork(ctx)
		if err != nil {
			return err
		}
		snap = s
		return nil
	}

	var err error
	if c.breaker == nil || c.cfg.BypassBreaker {
		err = op(ctx)
	} else {
		err = c.breaker.Execute(ctx, op)
	}
	if err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

// fetchNetwork performs the retrying HTTP GET and validates the payload.
// A payload that fails validation counts as a fetch failure.
func (c *Client) fetchNetwork(ctx context.Context) (model.Snapshot, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint, nil)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Snapshot{}, statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("reading response body: %w", err)
	}

	return validation.ParseSnapshot(body)
}

// CacheSize reports the number of cached entries, for status endpoints.
func (c *Client) CacheSize() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

func (c *Client) recordFetch(start time.Time, success, cacheHit bool) {
	if c.monitor != nil {
		c.monitor.RecordFetch(time.Since(start), success, cacheHit)
	}
}

// attemptRecorder feeds every HTTP attempt to the monitor as it happens,
// so retries count toward request volume and error rate instead of
// collapsing into the terminal outcome sample.
type attemptRecorder struct {
	next   http.RoundTripper
	client *Client
}

func (a *attemptRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := a.next.RoundTrip(req)
	if a.client.monitor != nil {
		success := err == nil && resp.StatusCode == http.StatusOK
		a.client.monitor.RecordAttempt(time.Since(start), success)
	}
	return resp, err
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()
	return &recovery.StatusError{
		Code: resp.StatusCode,
		Body: strings.TrimSpace(string(body)),
	}
}
