package recovery

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/candidate-feed/internal/host"
	"github.com/yourorg/candidate-feed/internal/model"
)

// DefaultFallbackMaxAge is the staleness cutoff for last-known-good replays.
const DefaultFallbackMaxAge = time.Hour

// FallbackStore keeps the single last-known-good snapshot, persisted through
// the host environment independently of the short-TTL response cache. Writes
// happen only on successful fetches; reads respect the staleness cutoff
// except for the emergency path.
type FallbackStore struct {
	mu     sync.Mutex
	env    host.Environment
	maxAge time.Duration
}

// NewFallbackStore creates a store backed by env. A non-positive maxAge falls
// back to DefaultFallbackMaxAge.
func NewFallbackStore(env host.Environment, maxAge time.Duration) *FallbackStore {
	if maxAge <= 0 {
		maxAge = DefaultFallbackMaxAge
	}
	return &FallbackStore{env: env, maxAge: maxAge}
}

// Save persists snap as the new last-known-good entry.
func (s *FallbackStore) Save(snap model.Snapshot, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := model.FallbackEntry{
		Data:        snap,
		Source:      source,
		StoredAt:    time.Now().UTC(),
		Reliability: reliabilityFor(source),
	}
	if err := s.env.SaveFallback(entry); err != nil {
		// Best-effort store: log and move on
		logrus.WithError(err).Warn("Failed to persist fallback snapshot")
	}
}

// Load returns the stored entry if it is within the staleness cutoff.
func (s *FallbackStore) Load() (model.FallbackEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, present, err := s.env.LoadFallback()
	if err != nil {
		logrus.WithError(err).Warn("Failed to load fallback snapshot")
		return model.FallbackEntry{}, false
	}
	if !present {
		return model.FallbackEntry{}, false
	}
	if time.Since(entry.StoredAt) > s.maxAge {
		logrus.WithField("stored_at", entry.StoredAt).Debug("Fallback snapshot beyond staleness cutoff")
		return model.FallbackEntry{}, false
	}
	return entry, true
}

// LoadAny returns the stored entry regardless of age. The emergency strategy
// uses whatever exists rather than nothing.
func (s *FallbackStore) LoadAny() (model.FallbackEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, present, err := s.env.LoadFallback()
	if err != nil || !present {
		return model.FallbackEntry{}, false
	}
	return entry, true
}

// reliabilityFor grades how trustworthy data from a given source is.
func reliabilityFor(source string) float64 {
	switch source {
	case model.SourceNetwork, model.SourcePush:
		return 1.0
	case model.SourceCache:
		return 0.9
	case model.SourceStaleCache:
		return 0.7
	default:
		return 0.5
	}
}
