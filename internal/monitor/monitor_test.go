package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_RingBufferBounded(t *testing.T) {
	m := New()
	for i := 0; i < maxSamplesPerMetric+100; i++ {
		m.Record("some_metric", float64(i))
	}

	m.mu.Lock()
	n := len(m.series["some_metric"])
	last := m.series["some_metric"][n-1].Value
	m.mu.Unlock()

	assert.Equal(t, maxSamplesPerMetric, n)
	assert.Equal(t, float64(maxSamplesPerMetric+99), last)
}

func TestMonitor_CriticalAlertRaisedAndResolved(t *testing.T) {
	m := New()
	var events []Alert
	m.OnAlert(func(a Alert) { events = append(events, a) })

	// Sustained 6000ms samples: critical response-time alert
	for i := 0; i < 5; i++ {
		m.Record(MetricResponseTime, 6000)
	}

	active := m.ActiveAlerts()
	require.Len(t, active, 1, "at most one active alert per metric")
	assert.Equal(t, LevelCritical, active[0].Level)
	assert.Equal(t, MetricResponseTime, active[0].Metric)
	require.NotEmpty(t, events)
	assert.False(t, events[0].Resolved)

	// Back under both thresholds: alert resolves
	m.Record(MetricResponseTime, 500)

	assert.Empty(t, m.ActiveAlerts())
	resolved := m.ResolvedAlerts()
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Resolved)

	last := events[len(events)-1]
	assert.True(t, last.Resolved, "subscribers must see the resolution")
}

func TestMonitor_ExactThresholdDoesNotAlert(t *testing.T) {
	m := New()

	// Alerts fire only on crossings, never on exact threshold values.
	m.Record(MetricResponseTime, 2000)
	m.Record(MetricSuccessRate, 95)
	m.Record(MetricErrorRate, 10)

	assert.Empty(t, m.ActiveAlerts())

	// A sample exactly at the critical threshold stays a warning.
	m.Record(MetricResponseTime, 5000)
	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, LevelWarning, active[0].Level)

	m.Record(MetricResponseTime, 5001)
	active = m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, LevelCritical, active[0].Level)
}

func TestMonitor_WarningThenEscalation(t *testing.T) {
	m := New()
	var events []Alert
	m.OnAlert(func(a Alert) { events = append(events, a) })

	m.Record(MetricResponseTime, 3000)
	require.Len(t, m.ActiveAlerts(), 1)
	assert.Equal(t, LevelWarning, m.ActiveAlerts()[0].Level)

	m.Record(MetricResponseTime, 6000)
	require.Len(t, m.ActiveAlerts(), 1, "escalation must not create a second alert")
	assert.Equal(t, LevelCritical, m.ActiveAlerts()[0].Level)

	// raise + escalation notified, same alert ID throughout
	require.Len(t, events, 2)
	assert.Equal(t, events[0].ID, events[1].ID)
}

func TestMonitor_InvertedThresholdDirection(t *testing.T) {
	m := New()

	// Success rate alerts when it falls below the threshold
	m.Record(MetricSuccessRate, 90)
	require.Len(t, m.ActiveAlerts(), 1)
	assert.Equal(t, LevelWarning, m.ActiveAlerts()[0].Level)

	m.Record(MetricSuccessRate, 80)
	assert.Equal(t, LevelCritical, m.ActiveAlerts()[0].Level)

	m.Record(MetricSuccessRate, 99)
	assert.Empty(t, m.ActiveAlerts())
}

func TestMonitor_HealthScoreDegradation(t *testing.T) {
	m := New()

	// Healthy baseline
	for i := 0; i < 10; i++ {
		m.RecordFetch(200*time.Millisecond, true, false)
	}
	assert.Equal(t, 100.0, m.HealthScore())

	// Sustained slow responses: avg > 2000ms drops the score by at least 20,
	// plus a critical response-time alert (−15)
	for i := 0; i < 20; i++ {
		m.RecordFetch(6*time.Second, true, false)
	}
	score := m.HealthScore()
	assert.LessOrEqual(t, score, 80.0, "slow average must cost at least 20 points")

	active := m.ActiveAlerts()
	require.NotEmpty(t, active)
	found := false
	for _, a := range active {
		if a.Metric == MetricResponseTime && a.Level == LevelCritical {
			found = true
		}
	}
	assert.True(t, found, "critical response-time alert must be active")
}

func TestMonitor_HealthScorePenalizesFailures(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		m.RecordFetch(100*time.Millisecond, i%2 == 0, false)
	}

	// 50% error rate: -2*50 and -(95-50), clamped at 0
	assert.Equal(t, 0.0, m.HealthScore())
}

func TestMonitor_SummaryStatistics(t *testing.T) {
	m := New()
	latencies := []time.Duration{100, 200, 300, 400, 500}
	for _, l := range latencies {
		m.RecordFetch(l*time.Millisecond, true, true)
	}

	s := m.Summary(time.Minute)
	assert.InDelta(t, 300, s.AvgResponseTime, 1)
	assert.Equal(t, 100.0, s.MinResponseTime)
	assert.Equal(t, 500.0, s.MaxResponseTime)
	assert.Equal(t, 500.0, s.P95ResponseTime)
	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Equal(t, 0.0, s.ErrorRate)
	assert.Equal(t, 100.0, s.CacheHitRate)
	assert.Equal(t, 5.0, s.RequestsPerMinute)
}

func TestMonitor_TrendPolarity(t *testing.T) {
	m := New()

	// Response time rising: degrading (lower is better)
	for i := 0; i < 10; i++ {
		m.Record(MetricResponseTime, 100)
	}
	for i := 0; i < 10; i++ {
		m.Record(MetricResponseTime, 4000)
	}

	// Cache hit rate rising: improving (higher is better)
	for i := 0; i < 10; i++ {
		m.Record(MetricCacheHitRate, 20)
	}
	for i := 0; i < 10; i++ {
		m.Record(MetricCacheHitRate, 90)
	}

	s := m.Summary(time.Minute)
	assert.Equal(t, TrendDegrading, s.Trends[MetricResponseTime])
	assert.Equal(t, TrendImproving, s.Trends[MetricCacheHitRate])
}

func TestMonitor_TrendStableBelowSensitivity(t *testing.T) {
	m := New()
	for i := 0; i < 20; i++ {
		m.Record(MetricResponseTime, 1000)
	}
	s := m.Summary(time.Minute)
	assert.Equal(t, TrendStable, s.Trends[MetricResponseTime])
}

func TestMonitor_PrometheusRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New().WithPrometheus(reg)

	m.RecordFetch(100*time.Millisecond, true, true)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["candidate_feed_fetch_duration_seconds"])
	assert.True(t, names["candidate_feed_fetch_total"])
	assert.True(t, names["candidate_feed_health_score"])
}

func TestPercentile_NearestRank(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	assert.Equal(t, 95.0, percentile(values, 95))
	assert.Equal(t, 99.0, percentile(values, 99))
	assert.Equal(t, 42.0, percentile([]float64{42}, 95))
}
