// Package breaker provides a circuit breaker that isolates a failing upstream
// endpoint: after enough consecutive failures, calls are rejected immediately
// until a cooldown elapses and a single probe is let through.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned when the circuit is open and the cooldown has not
// elapsed. The operation is not invoked; the upstream sees zero load.
var ErrOpen = errors.New("circuit breaker open: upstream protection engaged")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls rejected until nextAttempt
	StateHalfOpen              // Cooldown elapsed, one probe allowed through
)

// String returns the lowercase state name used in logs and status endpoints.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Default configuration
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
)

// Breaker implements the circuit breaker pattern around a single upstream
// dependency. All state is owned here and mutated only through the
// success/failure transitions Execute drives.
type Breaker struct {
	// Consecutive failures required to trip the circuit
	failureThreshold int

	// Duration the circuit stays open before allowing a probe
	resetTimeout time.Duration

	// Event callback for monitoring/alerting
	onTrip func(reason string)

	// Mutex for thread safety
	mu sync.Mutex

	state        State
	failureCount int
	lastFailure  time.Time
	nextAttempt  time.Time

	// Clock indirection for tests
	now func() time.Time
}

// New creates a Breaker with the default threshold and reset timeout.
func New() *Breaker {
	return &Breaker{
		failureThreshold: DefaultFailureThreshold,
		resetTimeout:     DefaultResetTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// WithFailureThreshold sets the consecutive-failure count that trips the
// circuit and returns the breaker.
func (b *Breaker) WithFailureThreshold(n int) *Breaker {
	if n > 0 {
		b.failureThreshold = n
	}
	return b
}

// WithResetTimeout sets the open-state cooldown and returns the breaker.
func (b *Breaker) WithResetTimeout(d time.Duration) *Breaker {
	if d > 0 {
		b.resetTimeout = d
	}
	return b
}

// WithTripCallback sets a callback invoked whenever the circuit trips.
func (b *Breaker) WithTripCallback(fn func(reason string)) *Breaker {
	b.onTrip = fn
	return b
}

// Execute runs op if the circuit allows it, feeding the result back into the
// state machine. While open and before the cooldown elapses it returns ErrOpen
// without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.onFailure(err)
		return err
	}

	b.onSuccess()
	return nil
}

// allow decides whether a call may proceed, transitioning OPEN -> HALF_OPEN
// once the cooldown has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Before(b.nextAttempt) {
			return ErrOpen
		}
		b.state = StateHalfOpen
		logrus.Info("Circuit breaker half-open: probing upstream recovery")
	}
	return nil
}

// onSuccess closes the circuit and resets failure bookkeeping. A single
// successful half-open probe is enough; there is no multi-probe confirmation.
func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		logrus.Info("Circuit breaker closed: upstream has recovered")
	}
	b.state = StateClosed
	b.failureCount = 0
}

// onFailure records a failure. In HALF_OPEN a single failure reopens the
// circuit; in CLOSED the circuit trips once the threshold is reached.
func (b *Breaker) onFailure(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen {
		b.trip("half-open probe failed: " + cause.Error())
		return
	}

	if b.failureCount >= b.failureThreshold {
		b.trip(cause.Error())
	}
}

// trip opens the circuit and schedules the next probe. Caller must hold mu.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.nextAttempt = b.now().Add(b.resetTimeout)
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if b.onTrip != nil {
		go b.onTrip(reason)
	}
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the current failure count, the last failure time, and the
// earliest time a probe will be allowed through.
func (b *Breaker) Counts() (failures int, lastFailure, nextAttempt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.lastFailure, b.nextAttempt
}

// Reset forcibly returns the circuit breaker to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}
