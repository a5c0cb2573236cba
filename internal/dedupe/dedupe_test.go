package dedupe

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/candidate-feed/internal/model"
)

func TestDeduplicator_ConcurrentCallsShareOneInvocation(t *testing.T) {
	d := New()
	var invocations int32
	release := make(chan struct{})

	fn := func() (model.Snapshot, error) {
		atomic.AddInt32(&invocations, 1)
		<-release
		return model.Snapshot{Source: model.SourceNetwork, Results: []model.Candidate{{Ticker: "ABCD", Score: 81}}}, nil
	}

	const callers = 8
	results := make([]model.Snapshot, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, _, err := d.Do("candidates", fn)
			require.NoError(t, err)
			results[i] = snap
		}(i)
	}

	// Let all callers pile up on the in-flight entry before releasing
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations), "requestFn must run exactly once")
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i], "all callers must observe the identical result")
	}
}

func TestDeduplicator_MarkerReleasedAfterSettle(t *testing.T) {
	d := New()
	var invocations int32

	fn := func() (model.Snapshot, error) {
		atomic.AddInt32(&invocations, 1)
		return model.Snapshot{Source: model.SourceNetwork}, nil
	}

	_, _, err := d.Do("candidates", fn)
	require.NoError(t, err)
	_, _, err = d.Do("candidates", fn)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&invocations), "sequential calls must each start fresh")
}

func TestDeduplicator_ErrorSharedAndMarkerReleased(t *testing.T) {
	d := New()
	boom := errors.New("boom")
	var invocations int32
	release := make(chan struct{})

	failing := func() (model.Snapshot, error) {
		atomic.AddInt32(&invocations, 1)
		<-release
		return model.Snapshot{}, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = d.Do("candidates", failing)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	assert.ErrorIs(t, errs[0], boom)
	assert.ErrorIs(t, errs[1], boom)

	// Failure releases the marker too
	_, _, err := d.Do("candidates", func() (model.Snapshot, error) {
		return model.Snapshot{}, nil
	})
	assert.NoError(t, err)
}

func TestDeduplicator_DistinctKeysDoNotCollapse(t *testing.T) {
	d := New()
	var invocations int32
	fn := func() (model.Snapshot, error) {
		atomic.AddInt32(&invocations, 1)
		return model.Snapshot{}, nil
	}

	_, _, _ = d.Do("a", fn)
	_, _, _ = d.Do("b", fn)

	assert.Equal(t, int32(2), atomic.LoadInt32(&invocations))
}
