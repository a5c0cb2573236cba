// Package validation enforces the snapshot schema once at the deserialization
// boundary. Everything past this point is a fully typed Snapshot; anything
// that fails here is a VALIDATION-class fetch failure, never partially-typed
// data leaking downstream.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/candidate-feed/internal/model"
)

var validate = validator.New()

// Options holds configuration for the validation process.
type Options struct {
	// RequireAsOf rejects payloads whose asOf is missing or unparseable
	RequireAsOf bool

	// MaxScore rejects first-candidate scores beyond this bound; zero disables
	MaxScore float64
}

// DefaultOptions returns the validation defaults used by the fetch client.
func DefaultOptions() Options {
	return Options{
		RequireAsOf: true,
		MaxScore:    0,
	}
}

// wireSnapshot matches the upstream JSON envelope before type conversion.
type wireSnapshot struct {
	AsOf    string            `json:"asOf" validate:"required"`
	Results []model.Candidate `json:"results"`
}

// ParseSnapshot decodes and validates an upstream response body. On success
// the returned snapshot has a non-nil Results slice; on failure the error
// message always carries the "validation" marker the classifier keys on.
func ParseSnapshot(body []byte) (model.Snapshot, error) {
	return ParseSnapshotWithOptions(body, DefaultOptions())
}

// ParseSnapshotWithOptions decodes and validates with custom options.
func ParseSnapshotWithOptions(body []byte, opts Options) (model.Snapshot, error) {
	var wire wireSnapshot
	if err := json.Unmarshal(body, &wire); err != nil {
		return model.Snapshot{}, fmt.Errorf("validation failed: malformed response body: %w", err)
	}

	if err := validate.Struct(wire); err != nil {
		if opts.RequireAsOf {
			return model.Snapshot{}, fmt.Errorf("validation failed: %w", err)
		}
	}

	asOf, err := parseAsOf(wire.AsOf, opts)
	if err != nil {
		return model.Snapshot{}, err
	}

	// The contract only pins down the head of the list: a non-empty results
	// array must lead with a well-formed candidate.
	if len(wire.Results) > 0 {
		first := wire.Results[0]
		if first.Ticker == "" {
			return model.Snapshot{}, fmt.Errorf("validation failed: first candidate has empty ticker")
		}
		if math.IsNaN(first.Score) || math.IsInf(first.Score, 0) {
			return model.Snapshot{}, fmt.Errorf("validation failed: first candidate score is not numeric")
		}
		if opts.MaxScore > 0 && first.Score > opts.MaxScore {
			return model.Snapshot{}, fmt.Errorf("validation failed: score %.2f exceeds maximum %.2f", first.Score, opts.MaxScore)
		}
	}

	results := wire.Results
	if results == nil {
		results = []model.Candidate{}
	}

	logrus.WithFields(logrus.Fields{
		"candidates": len(results),
		"as_of":      asOf,
	}).Debug("Snapshot validated")

	return model.Snapshot{
		AsOf:    asOf,
		Results: results,
		Source:  model.SourceNetwork,
	}, nil
}

// parseAsOf interprets the upstream timestamp, tolerating absence only when
// the options allow it.
func parseAsOf(raw string, opts Options) (time.Time, error) {
	if raw == "" {
		if opts.RequireAsOf {
			return time.Time{}, fmt.Errorf("validation failed: missing asOf timestamp")
		}
		return time.Now().UTC(), nil
	}

	asOf, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		if opts.RequireAsOf {
			return time.Time{}, fmt.Errorf("validation failed: invalid asOf timestamp %q: %w", raw, err)
		}
		return time.Now().UTC(), nil
	}
	return asOf, nil
}
