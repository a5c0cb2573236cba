// Package model defines the core data structures for the candidate feed client.
package model

import (
	"encoding/json"
	"time"
)

// Source tags identify where a snapshot's data came from. The UI uses these to
// distinguish live data from the various degraded-service fallbacks.
const (
	// SourceNetwork marks data fetched directly from the upstream endpoint
	SourceNetwork = "network"

	// SourceCache marks a fresh response-cache hit
	SourceCache = "cache"

	// SourceStaleCache marks an expired cache entry served after a fetch failure
	SourceStaleCache = "stale-cache"

	// SourceFallbackCache marks the persisted last-known-good snapshot
	SourceFallbackCache = "fallback-cache"

	// SourceDegraded marks an intentionally empty snapshot served when
	// freshness matters more than availability
	SourceDegraded = "degraded"

	// SourceEmergency marks the guaranteed last-resort fallback
	SourceEmergency = "emergency"

	// SourceError marks an empty snapshot produced when nothing else was usable
	SourceError = "error"

	// SourcePush marks data received over the push channel
	SourcePush = "push"
)

// Candidate represents one tradable symbol with its score and pass-through
// analysis payloads. Identity is the ticker symbol, unique within a snapshot.
type Candidate struct {
	// Ticker is the symbol identifying this candidate
	Ticker string `json:"ticker" validate:"required"`

	// Score is the numeric trading score assigned upstream
	Score float64 `json:"score"`

	// Price is the last observed price, if provided
	Price float64 `json:"price,omitempty"`

	// Name is the company name, if provided
	Name string `json:"name,omitempty"`

	// VolumeSpike is the volume ratio against the trailing average
	VolumeSpike float64 `json:"volumeSpike,omitempty"`

	// Momentum is the short-horizon momentum reading
	Momentum float64 `json:"momentum,omitempty"`

	// Confidence is the upstream confidence in this candidate (0-1)
	Confidence float64 `json:"confidence,omitempty"`

	// Plan, Catalyst and Sentiment are opaque upstream payloads. They are
	// passed through untouched; only their presence is ever checked.
	Plan      json.RawMessage `json:"plan,omitempty"`
	Catalyst  json.RawMessage `json:"catalyst,omitempty"`
	Sentiment json.RawMessage `json:"sentiment,omitempty"`
}

// Snapshot is one validated view of the candidate list. Results is never nil
// after validation; failures are folded into Err rather than raised.
type Snapshot struct {
	// AsOf is the upstream timestamp for this view of the list
	AsOf time.Time `json:"asOf"`

	// Results is the ordered candidate list. Always an array, never null.
	Results []Candidate `json:"results"`

	// Source tags where this snapshot came from (see Source constants)
	Source string `json:"source"`

	// Err carries the failure message when the snapshot is a fallback
	Err string `json:"error,omitempty"`
}

// NewEmptySnapshot returns a snapshot with no candidates, tagged with the
// given source. The worst case every failure path terminates in.
func NewEmptySnapshot(source, errMsg string) Snapshot {
	return Snapshot{
		AsOf:    time.Now().UTC(),
		Results: []Candidate{},
		Source:  source,
		Err:     errMsg,
	}
}

// IsUsable reports whether this snapshot carries live or recovered data, as
// opposed to the empty error terminal state.
func (s Snapshot) IsUsable() bool {
	return s.Source != SourceError
}

// ConnectionState describes the real-time manager's lifecycle state.
type ConnectionState string

// Connection states
const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// DataUpdate is the unit emitted to subscribers: a snapshot plus the metadata
// the UI needs to render "what changed" indicators.
type DataUpdate struct {
	// Data is the validated snapshot
	Data Snapshot `json:"data"`

	// Timestamp is when the manager emitted this update
	Timestamp time.Time `json:"timestamp"`

	// Source mirrors Data.Source for quick inspection
	Source string `json:"source"`

	// IsIncremental is true for updates delivered over the push channel;
	// polled snapshots are always full refreshes
	IsIncremental bool `json:"isIncremental"`

	// ChangeCount is the number of tickers added, removed, or re-scored by
	// more than one point relative to the previous snapshot
	ChangeCount int `json:"changeCount"`
}

// FallbackEntry is the single persisted last-known-good record. Best-effort:
// it survives fetch cycles but not necessarily process restarts.
type FallbackEntry struct {
	// Data is the snapshot saved on the last successful fetch
	Data Snapshot `json:"data"`

	// Source records which path produced the saved snapshot
	Source string `json:"source"`

	// StoredAt is when the entry was written
	StoredAt time.Time `json:"storedAt"`

	// Reliability scores how trustworthy this entry is (1.0 = live network data)
	Reliability float64 `json:"reliability"`
}
