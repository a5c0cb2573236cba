// Package monitor records rolling metric windows for the fetch pipeline,
// raises and resolves threshold alerts, and derives a single 0-100 health
// score. Samples are mirrored into Prometheus collectors when a registry is
// attached.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Well-known metric names recorded by the fetch pipeline.
const (
	MetricResponseTime  = "response_time"   // milliseconds per fetch
	MetricFetchOutcome  = "fetch_outcome"   // 1 success, 0 failure
	MetricCacheHit      = "cache_hit"       // 1 hit, 0 miss
	MetricSuccessRate   = "success_rate"    // rolling percentage
	MetricCacheHitRate  = "cache_hit_rate"  // rolling percentage
	MetricErrorRate     = "error_rate"      // rolling percentage
	MetricDataFreshness = "data_freshness"  // milliseconds since asOf
)

// Bounds
const (
	maxSamplesPerMetric = 1000
	rollingRateWindow   = 20 // outcomes folded into the derived rates
	maxResolvedAlerts   = 50
)

// Alert levels
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Sample is one recorded metric observation.
type Sample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Threshold holds the warning/critical pair for one metric. LowerIsBetter
// decides the alert direction: response time alerts above the threshold,
// success rate alerts below it.
type Threshold struct {
	Warning       float64
	Critical      float64
	LowerIsBetter bool
}

// Alert is raised when a sample crosses a threshold and resolved when the
// metric returns under it. At most one active alert exists per metric.
type Alert struct {
	ID        string    `json:"id"`
	Metric    string    `json:"metric"`
	Level     string    `json:"level"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
}

// Monitor is the in-process telemetry hub for the fetch pipeline.
type Monitor struct {
	mu         sync.Mutex
	series     map[string][]Sample
	thresholds map[string]Threshold
	active     map[string]*Alert
	resolved   []Alert
	onAlert    []func(Alert)

	prom *promMetrics
}

// promMetrics holds the Prometheus collectors mirroring recorded samples.
type promMetrics struct {
	fetchDuration prometheus.Histogram
	fetchTotal    *prometheus.CounterVec
	cacheHitRatio prometheus.Gauge
	healthScore   prometheus.Gauge
	alertsTotal   *prometheus.CounterVec
}

// New creates a Monitor with the default thresholds.
func New() *Monitor {
	return &Monitor{
		series: make(map[string][]Sample),
		thresholds: map[string]Threshold{
			MetricResponseTime: {Warning: 2000, Critical: 5000, LowerIsBetter: true},
			MetricSuccessRate:  {Warning: 95, Critical: 85, LowerIsBetter: false},
			MetricErrorRate:    {Warning: 10, Critical: 25, LowerIsBetter: true},
		},
		active: make(map[string]*Alert),
	}
}

// WithThreshold overrides or adds the threshold pair for a metric.
func (m *Monitor) WithThreshold(metric string, t Threshold) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[metric] = t
	return m
}

// WithPrometheus registers the mirroring collectors on reg.
func (m *Monitor) WithPrometheus(reg prometheus.Registerer) *Monitor {
	p := &promMetrics{
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candidate_feed_fetch_duration_seconds",
			Help:    "Snapshot fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candidate_feed_fetch_total",
				Help: "Total snapshot fetches by outcome",
			},
			[]string{"outcome"},
		),
		cacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candidate_feed_cache_hit_ratio",
			Help: "Rolling cache hit ratio",
		}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candidate_feed_health_score",
			Help: "Composite health score (0-100)",
		}),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candidate_feed_alerts_total",
				Help: "Performance alerts raised by level",
			},
			[]string{"level"},
		),
	}

	reg.MustRegister(p.fetchDuration, p.fetchTotal, p.cacheHitRatio, p.healthScore, p.alertsTotal)
	m.prom = p
	return m
}

// OnAlert registers a callback invoked whenever an alert is raised or
// resolved. Callbacks run synchronously in emission order.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = append(m.onAlert, fn)
}

// Record appends one sample to the metric's bounded ring buffer and
// immediately checks thresholds.
func (m *Monitor) Record(name string, value float64) {
	m.mu.Lock()
	samples := append(m.series[name], Sample{Value: value, At: time.Now()})
	if len(samples) > maxSamplesPerMetric {
		samples = samples[len(samples)-maxSamplesPerMetric:]
	}
	m.series[name] = samples
	notify := m.checkThresholdLocked(name, value)
	m.mu.Unlock()

	for _, alert := range notify {
		m.emit(alert)
	}
}

// RecordFetch is the convenience entry point the fetch client uses for every
// terminal outcome: it records latency and outcome samples plus the derived
// rolling rates the thresholds watch.
func (m *Monitor) RecordFetch(latency time.Duration, success, cacheHit bool) {
	m.Record(MetricResponseTime, float64(latency.Milliseconds()))
	m.Record(MetricFetchOutcome, boolValue(success))
	m.Record(MetricCacheHit, boolValue(cacheHit))

	successRate := m.rollingRate(MetricFetchOutcome, rollingRateWindow)
	m.Record(MetricSuccessRate, successRate)
	m.Record(MetricErrorRate, 100-successRate)
	m.Record(MetricCacheHitRate, m.rollingRate(MetricCacheHit, rollingRateWindow))

	if m.prom != nil {
		m.prom.fetchDuration.Observe(latency.Seconds())
		m.prom.fetchTotal.WithLabelValues(outcomeLabel(success)).Inc()
		m.prom.cacheHitRatio.Set(m.rollingRate(MetricCacheHit, rollingRateWindow) / 100)
		m.prom.healthScore.Set(m.HealthScore())
	}
}

// RecordAttempt records a single HTTP attempt inside a fetch. Retried
// attempts feed the latency and outcome series individually, so a retry
// storm shows up in request volume and error rate instead of collapsing
// into one terminal sample.
func (m *Monitor) RecordAttempt(latency time.Duration, success bool) {
	m.Record(MetricResponseTime, float64(latency.Milliseconds()))
	m.Record(MetricFetchOutcome, boolValue(success))

	if m.prom != nil {
		m.prom.fetchDuration.Observe(latency.Seconds())
		m.prom.fetchTotal.WithLabelValues(outcomeLabel(success)).Inc()
	}
}

// RecordFreshness records how old the emitted data was.
func (m *Monitor) RecordFreshness(age time.Duration) {
	m.Record(MetricDataFreshness, float64(age.Milliseconds()))
}

// ActiveAlerts returns the unresolved alerts.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// ResolvedAlerts returns recently resolved alerts, oldest first.
func (m *Monitor) ResolvedAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.resolved))
	copy(out, m.resolved)
	return out
}

// checkThresholdLocked evaluates the newest sample against the metric's
// thresholds, mutating alert state. Returns alerts to notify about.
// Caller holds mu.
func (m *Monitor) checkThresholdLocked(name string, value float64) []Alert {
	t, ok := m.thresholds[name]
	if !ok {
		return nil
	}

	level := ""
	threshold := 0.0
	if t.LowerIsBetter {
		switch {
		case value > t.Critical:
			level, threshold = LevelCritical, t.Critical
		case value > t.Warning:
			level, threshold = LevelWarning, t.Warning
		}
	} else {
		switch {
		case value < t.Critical:
			level, threshold = LevelCritical, t.Critical
		case value < t.Warning:
			level, threshold = LevelWarning, t.Warning
		}
	}

	if level == "" {
		// Back under both thresholds: resolve any active alert
		if active, exists := m.active[name]; exists {
			active.Resolved = true
			active.ResolvedAt = time.Now()
			delete(m.active, name)
			m.resolved = append(m.resolved, *active)
			if len(m.resolved) > maxResolvedAlerts {
				m.resolved = m.resolved[len(m.resolved)-maxResolvedAlerts:]
			}
			logrus.WithField("metric", name).Info("Performance alert resolved")
			return []Alert{*active}
		}
		return nil
	}

	if active, exists := m.active[name]; exists {
		// One active alert per metric: update in place, notify on escalation
		escalated := active.Level == LevelWarning && level == LevelCritical
		active.Level = level
		active.Value = value
		active.Threshold = threshold
		if !escalated {
			return nil
		}
		active.Message = alertMessage(name, level, value, threshold)
		if m.prom != nil {
			m.prom.alertsTotal.WithLabelValues(level).Inc()
		}
		return []Alert{*active}
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		Metric:    name,
		Level:     level,
		Value:     value,
		Threshold: threshold,
		Message:   alertMessage(name, level, value, threshold),
		Timestamp: time.Now(),
	}
	m.active[name] = alert
	if m.prom != nil {
		m.prom.alertsTotal.WithLabelValues(level).Inc()
	}
	logrus.WithFields(logrus.Fields{
		"metric": name,
		"level":  level,
		"value":  value,
	}).Warn("Performance alert raised")
	return []Alert{*alert}
}

// emit fires alert callbacks outside the monitor lock.
func (m *Monitor) emit(alert Alert) {
	m.mu.Lock()
	callbacks := make([]func(Alert), len(m.onAlert))
	copy(callbacks, m.onAlert)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(alert)
	}
}

// rollingRate computes the percentage of 1-valued samples over the most
// recent window of a 0/1 metric.
func (m *Monitor) rollingRate(name string, window int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.series[name]
	if len(samples) == 0 {
		return 100
	}
	if len(samples) > window {
		samples = samples[len(samples)-window:]
	}

	hits := 0.0
	for _, s := range samples {
		hits += s.Value
	}
	return hits / float64(len(samples)) * 100
}

func alertMessage(name, level string, value, threshold float64) string {
	return fmt.Sprintf("%s %s: %.1f crossed threshold %.1f", name, level, value, threshold)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
