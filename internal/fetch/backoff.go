package fetch

import (
	"math"
	"math/rand"
	"time"
)

// Retry tuning defaults
const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 15 * time.Second
	DefaultBaseDelay      = 1 * time.Second
	DefaultMaxDelay       = 10 * time.Second

	exponentialBase = 2.0
	jitterFactor    = 0.25 // ±25% jitter
)

// Backoff returns the delay before retry attempt k (1-based):
// min(max, base*2^(k-1)), with ±25% uniform jitter applied.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base) * math.Pow(exponentialBase, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}

	jitter := 1 + jitterFactor*(2*rand.Float64()-1)
	return time.Duration(delay * jitter)
}
