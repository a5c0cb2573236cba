package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/candidate-feed/internal/model"
)

// History and retry-storm bounds
const (
	maxHistorySize   = 50
	retryStormWindow = 60 * time.Second
	retryStormLimit  = 3
)

// Result is what HandleError hands back to the fetch path: the recorded
// classification, the substitute snapshot (nil only when no strategy had
// data), and whether the caller should bother retrying.
type Result struct {
	// Context is the recorded classification of the failure
	Context ErrorContext

	// Snapshot is the recovered data, nil when nothing was recoverable
	Snapshot *model.Snapshot

	// Strategy names the strategy that produced Snapshot
	Strategy string

	// ShouldRetry is the caller-side guard against retry storms, independent
	// of the circuit breaker
	ShouldRetry bool
}

// Handler owns the error history, the recovery chain, and the fallback store
// write path.
type Handler struct {
	mu         sync.Mutex
	history    []ErrorContext
	strategies []Strategy
	store      *FallbackStore
}

// NewHandler creates a Handler with the fixed default strategy chain.
func NewHandler(store *FallbackStore) *Handler {
	return &Handler{
		strategies: defaultStrategies(store),
		store:      store,
	}
}

// HandleError classifies err, records it, and walks the strategy chain in
// priority order. The first strategy that both applies and yields data wins.
func (h *Handler) HandleError(ctx context.Context, err error, endpoint string) Result {
	ectx := NewErrorContext(err, endpoint)
	h.record(ectx)

	logrus.WithFields(logrus.Fields{
		"error_id": ectx.ID,
		"type":     ectx.Type,
		"severity": ectx.Severity,
		"endpoint": endpoint,
	}).Warn("Handling fetch failure")

	result := Result{
		Context:     ectx,
		ShouldRetry: ectx.Retryable && h.recentSameType(ectx.Type) < retryStormLimit,
	}

	for _, strategy := range h.strategies {
		if !strategy.CanRecover(ectx) {
			continue
		}
		if snap, ok := strategy.Recover(ctx, ectx); ok {
			logrus.WithFields(logrus.Fields{
				"strategy": strategy.Name(),
				"source":   snap.Source,
			}).Info("Recovery strategy produced substitute data")
			result.Snapshot = &snap
			result.Strategy = strategy.Name()
			return result
		}
	}

	logrus.WithField("type", ectx.Type).Warn("No recovery strategy produced data")
	return result
}

// RecordSuccess refreshes the persisted fallback snapshot. This is the only
// write path to the fallback store.
func (h *Handler) RecordSuccess(snap model.Snapshot, source string) {
	h.store.Save(snap, source)
}

// Store exposes the fallback store for background-refresh writes.
func (h *Handler) Store() *FallbackStore {
	return h.store
}

// History returns a copy of the recorded error contexts, newest last.
func (h *Handler) History() []ErrorContext {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ErrorContext, len(h.history))
	copy(out, h.history)
	return out
}

// record appends to the bounded rolling history.
func (h *Handler) record(ectx ErrorContext) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, ectx)
	if len(h.history) > maxHistorySize {
		h.history = h.history[len(h.history)-maxHistorySize:]
	}
}

// recentSameType counts errors of type t recorded within the storm window,
// the freshly recorded one included.
func (h *Handler) recentSameType(t Type) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-retryStormWindow)
	count := 0
	for _, e := range h.history {
		if e.Type == t && e.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}
