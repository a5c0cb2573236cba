package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream exploded")

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errUpstream
	}
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return nil
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := New()
	assert.Equal(t, StateClosed, b.State(), "breaker should start closed")

	calls := 0
	err := b.Execute(context.Background(), succeeding(&calls))
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New().WithFailureThreshold(3)
	calls := 0

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failing(&calls))
		require.ErrorIs(t, err, errUpstream)
	}

	assert.Equal(t, StateOpen, b.State(), "breaker should open at the failure threshold")
	assert.Equal(t, 3, calls)
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b := New().WithFailureThreshold(2).WithResetTimeout(time.Minute)
	calls := 0

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	require.Equal(t, StateOpen, b.State())

	// Call while open: rejected fast, operation never runs
	err := b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, calls, "operation must not be invoked while open")

	failures, _, next := b.Counts()
	assert.Equal(t, 2, failures)
	assert.True(t, next.After(time.Now()), "next attempt should be in the future")
}

func TestBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	b := New().WithFailureThreshold(1).WithResetTimeout(30 * time.Millisecond)
	calls := 0

	_ = b.Execute(context.Background(), failing(&calls))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	// Probe allowed through and succeeds: circuit closes, counts reset
	err := b.Execute(context.Background(), succeeding(&calls))
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State(), "successful probe should close the circuit")

	failures, _, _ := b.Counts()
	assert.Zero(t, failures, "failure count should reset on success")
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New().WithFailureThreshold(1).WithResetTimeout(30 * time.Millisecond)
	calls := 0

	_ = b.Execute(context.Background(), failing(&calls))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	// Single probe failure reopens immediately with a fresh cooldown
	err := b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.State(), "failed probe should reopen the circuit")

	// And the very next call is rejected again
	err = b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestBreaker_FiveFailuresThenFastFailScenario(t *testing.T) {
	b := New().WithResetTimeout(50 * time.Millisecond)
	calls := 0

	for i := 0; i < DefaultFailureThreshold; i++ {
		_ = b.Execute(context.Background(), failing(&calls))
	}
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, DefaultFailureThreshold, calls)

	// Sixth call issued immediately: zero upstream attempts
	err := b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, DefaultFailureThreshold, calls)

	// After the reset timeout, a probe goes through
	time.Sleep(60 * time.Millisecond)
	err = b.Execute(context.Background(), succeeding(&calls))
	assert.NoError(t, err)
	assert.Equal(t, DefaultFailureThreshold+1, calls)
}

func TestBreaker_TripCallback(t *testing.T) {
	tripped := make(chan string, 1)
	b := New().WithFailureThreshold(1).WithTripCallback(func(reason string) {
		tripped <- reason
	})

	calls := 0
	_ = b.Execute(context.Background(), failing(&calls))

	select {
	case reason := <-tripped:
		assert.Contains(t, reason, "upstream exploded")
	case <-time.After(time.Second):
		t.Fatal("trip callback was not invoked")
	}
}

func TestBreaker_ManualReset(t *testing.T) {
	b := New().WithFailureThreshold(1)
	calls := 0

	_ = b.Execute(context.Background(), failing(&calls))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())

	err := b.Execute(context.Background(), succeeding(&calls))
	assert.NoError(t, err)
}
