package recovery

import (
	"context"

	"github.com/yourorg/candidate-feed/internal/model"
)

// Strategy is one rung of the recovery ladder. Strategies declare whether
// they apply to a failure and attempt to produce a substitute snapshot.
type Strategy interface {
	// Name identifies the strategy in logs and results
	Name() string

	// CanRecover reports whether this strategy applies to the failure
	CanRecover(ectx ErrorContext) bool

	// Recover attempts to produce a substitute snapshot
	Recover(ctx context.Context, ectx ErrorContext) (model.Snapshot, bool)
}

// cachedDataRecovery replays the last known-good fallback snapshot. Priority 1:
// usable for anything except validation failures, where replaying old data
// would mask a schema break.
type cachedDataRecovery struct {
	store *FallbackStore
}

func (s *cachedDataRecovery) Name() string { return "cached-data-recovery" }

func (s *cachedDataRecovery) CanRecover(ectx ErrorContext) bool {
	return ectx.Type != TypeValidation
}

func (s *cachedDataRecovery) Recover(_ context.Context, ectx ErrorContext) (model.Snapshot, bool) {
	entry, ok := s.store.Load()
	if !ok {
		return model.Snapshot{}, false
	}

	snap := entry.Data
	snap.Source = model.SourceFallbackCache
	snap.Err = ectx.Message
	return snap, true
}

// degradedService returns an explicitly empty snapshot instead of stale data.
// Priority 2: for timeouts and API errors, where freshness matters more than
// availability.
type degradedService struct{}

func (s *degradedService) Name() string { return "degraded-service" }

func (s *degradedService) CanRecover(ectx ErrorContext) bool {
	return ectx.Type == TypeTimeout || ectx.Type == TypeAPIError
}

func (s *degradedService) Recover(_ context.Context, ectx ErrorContext) (model.Snapshot, bool) {
	return model.NewEmptySnapshot(model.SourceDegraded, ectx.UserMessage), true
}

// emergencyMock is the guaranteed last resort: whatever fallback data exists,
// regardless of age. Priority 3, always applicable.
type emergencyMock struct {
	store *FallbackStore
}

func (s *emergencyMock) Name() string { return "emergency-mock" }

func (s *emergencyMock) CanRecover(ErrorContext) bool { return true }

func (s *emergencyMock) Recover(_ context.Context, ectx ErrorContext) (model.Snapshot, bool) {
	entry, ok := s.store.LoadAny()
	if !ok {
		return model.Snapshot{}, false
	}

	snap := entry.Data
	snap.Source = model.SourceEmergency
	snap.Err = ectx.Message
	return snap, true
}

// defaultStrategies builds the fixed priority-ordered chain.
func defaultStrategies(store *FallbackStore) []Strategy {
	return []Strategy{
		&cachedDataRecovery{store: store},
		&degradedService{},
		&emergencyMock{store: store},
	}
}
