package monitor

import (
	"math"
	"sort"
	"time"
)

// Trend classifications
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

// Trend sensitivity: more than 5% relative change between the halves of the
// recent sample window counts as a trend.
const (
	trendSampleWindow  = 20
	trendMinSamples    = 10
	trendChangeFactor  = 0.05
	healthScoreWindow  = 5 * time.Minute
)

// Summary aggregates the recorded samples over one time window.
type Summary struct {
	Window time.Duration `json:"window"`

	AvgResponseTime float64 `json:"avgResponseTime"`
	MinResponseTime float64 `json:"minResponseTime"`
	MaxResponseTime float64 `json:"maxResponseTime"`
	P95ResponseTime float64 `json:"p95ResponseTime"`
	P99ResponseTime float64 `json:"p99ResponseTime"`

	SuccessRate       float64 `json:"successRate"`
	ErrorRate         float64 `json:"errorRate"`
	RequestsPerMinute float64 `json:"requestsPerMinute"`
	CacheHitRate      float64 `json:"cacheHitRate"`
	AvgDataFreshness  float64 `json:"avgDataFreshness"`

	ActiveAlerts []Alert           `json:"activeAlerts"`
	Trends       map[string]string `json:"trends"`
}

// Summary computes the aggregate view over samples recorded within window.
func (m *Monitor) Summary(window time.Duration) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)

	latencies := valuesSince(m.series[MetricResponseTime], cutoff)
	outcomes := valuesSince(m.series[MetricFetchOutcome], cutoff)
	cacheHits := valuesSince(m.series[MetricCacheHit], cutoff)
	freshness := valuesSince(m.series[MetricDataFreshness], cutoff)

	s := Summary{
		Window:           window,
		AvgResponseTime:  mean(latencies),
		MinResponseTime:  minOf(latencies),
		MaxResponseTime:  maxOf(latencies),
		P95ResponseTime:  percentile(latencies, 95),
		P99ResponseTime:  percentile(latencies, 99),
		SuccessRate:      ratePercent(outcomes),
		CacheHitRate:     ratePercent(cacheHits),
		AvgDataFreshness: mean(freshness),
		Trends:           make(map[string]string),
	}
	s.ErrorRate = 100 - s.SuccessRate
	if window > 0 {
		s.RequestsPerMinute = float64(len(outcomes)) / window.Minutes()
	}

	for _, a := range m.active {
		s.ActiveAlerts = append(s.ActiveAlerts, *a)
	}

	for _, name := range []string{MetricResponseTime, MetricSuccessRate, MetricErrorRate, MetricCacheHitRate} {
		s.Trends[name] = m.trendLocked(name)
	}

	return s
}

// HealthScore derives the composite 0-100 score from the last five minutes.
func (m *Monitor) HealthScore() float64 {
	m.mu.Lock()
	cutoff := time.Now().Add(-healthScoreWindow)
	latencies := valuesSince(m.series[MetricResponseTime], cutoff)
	outcomes := valuesSince(m.series[MetricFetchOutcome], cutoff)

	criticalAlerts, warningAlerts := 0, 0
	for _, a := range m.active {
		if a.Level == LevelCritical {
			criticalAlerts++
		} else {
			warningAlerts++
		}
	}
	m.mu.Unlock()

	score := 100.0

	avgLatency := mean(latencies)
	if avgLatency > 2000 {
		score -= 20
	} else if avgLatency > 1000 {
		score -= 10
	}

	successRate := ratePercent(outcomes)
	errorRate := 100 - successRate
	score -= 2 * errorRate
	if successRate < 95 {
		score -= 95 - successRate
	}

	score -= float64(15*criticalAlerts + 5*warningAlerts)

	return math.Max(0, math.Min(100, score))
}

// trendLocked classifies the recent direction of one metric. Polarity comes
// from the metric's threshold registration: a rising mean is degrading only
// when lower is better. Caller holds mu.
func (m *Monitor) trendLocked(name string) string {
	samples := m.series[name]
	if len(samples) < trendMinSamples {
		return TrendStable
	}
	if len(samples) > trendSampleWindow {
		samples = samples[len(samples)-trendSampleWindow:]
	}

	half := len(samples) / 2
	firstMean := meanSamples(samples[:half])
	secondMean := meanSamples(samples[half:])

	if firstMean == 0 {
		return TrendStable
	}
	change := (secondMean - firstMean) / math.Abs(firstMean)
	if math.Abs(change) <= trendChangeFactor {
		return TrendStable
	}

	lowerIsBetter := true
	if t, ok := m.thresholds[name]; ok {
		lowerIsBetter = t.LowerIsBetter
	} else if name == MetricCacheHitRate {
		lowerIsBetter = false
	}

	rising := change > 0
	if rising == lowerIsBetter {
		return TrendDegrading
	}
	return TrendImproving
}

func valuesSince(samples []Sample, cutoff time.Time) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.At.After(cutoff) {
			out = append(out, s.Value)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func meanSamples(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}

func minOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// percentile computes the pth percentile using nearest-rank on a sorted copy.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// ratePercent converts 0/1 outcome samples into a percentage. An empty
// window reads as fully healthy rather than fully broken.
func ratePercent(values []float64) float64 {
	if len(values) == 0 {
		return 100
	}
	return mean(values) * 100
}
