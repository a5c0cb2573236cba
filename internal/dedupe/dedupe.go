// Package dedupe collapses concurrent identical fetches into one in-flight
// upstream call per key.
package dedupe

import (
	"github.com/yourorg/candidate-feed/internal/model"
	"golang.org/x/sync/singleflight"
)

// Deduplicator guarantees at most one outstanding upstream call per key at any
// instant. Callers arriving while a call is in flight block until it settles
// and observe the same result; once settled, the in-flight marker is released
// so the next call starts fresh.
type Deduplicator struct {
	group singleflight.Group
}

// New creates a Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{}
}

// Do runs fn under key, or joins an in-flight run of the same key. shared is
// true when the result was produced by another caller's invocation.
func (d *Deduplicator) Do(key string, fn func() (model.Snapshot, error)) (snap model.Snapshot, shared bool, err error) {
	v, err, shared := d.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if s, ok := v.(model.Snapshot); ok {
		snap = s
	}
	return snap, shared, err
}
