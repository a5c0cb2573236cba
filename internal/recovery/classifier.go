// Package recovery classifies fetch failures into a fixed taxonomy and walks
// an ordered chain of recovery strategies until one produces usable data. No
// error ever escapes this subsystem: the worst case is an empty snapshot with
// its source and error tagged.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/candidate-feed/internal/breaker"
)

// Type is the failure taxonomy every error is classified into.
type Type string

// Failure types, in classification order
const (
	TypeNetwork        Type = "NETWORK"
	TypeTimeout        Type = "TIMEOUT"
	TypeAPIError       Type = "API_ERROR"
	TypeCircuitBreaker Type = "CIRCUIT_BREAKER"
	TypeValidation     Type = "VALIDATION"
	TypeUnknown        Type = "UNKNOWN"
)

// Severity grades how bad a failure is for alerting and triage.
type Severity string

// Severity levels
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// StatusError carries an upstream HTTP status through the error chain so the
// classifier can split API_ERROR by status class.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream API error: status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("upstream API error: status %d", e.Code)
}

// ErrorContext is the classification result recorded for every failure.
type ErrorContext struct {
	// ID uniquely identifies this failure occurrence
	ID string `json:"id"`

	// Type is the taxonomy bucket
	Type Type `json:"type"`

	// Severity grades the failure
	Severity Severity `json:"severity"`

	// Message is the raw error text
	Message string `json:"message"`

	// UserMessage is the human-readable text surfaced to the UI
	UserMessage string `json:"userMessage"`

	// Retryable reports whether retrying could help
	Retryable bool `json:"retryable"`

	// Timestamp is when the failure was recorded
	Timestamp time.Time `json:"timestamp"`

	// Endpoint is the upstream endpoint involved, if known
	Endpoint string `json:"endpoint,omitempty"`

	// StatusCode is the upstream HTTP status, if any
	StatusCode int `json:"statusCode,omitempty"`
}

// Classify buckets an error by matching its message against the fixed ordered
// category list, with typed sentinels checked first where they exist.
func Classify(err error) Type {
	if err == nil {
		return TypeUnknown
	}

	if errors.Is(err, breaker.ErrOpen) {
		return TypeCircuitBreaker
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return TypeAPIError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "no such host", "network", "connection reset", "broken pipe", "dial tcp"):
		return TypeNetwork
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return TypeTimeout
	case containsAny(msg, "api error", "status 4", "status 5", "unexpected status"):
		return TypeAPIError
	case strings.Contains(msg, "circuit"):
		return TypeCircuitBreaker
	case containsAny(msg, "validation", "malformed", "invalid", "schema"):
		return TypeValidation
	default:
		return TypeUnknown
	}
}

// StatusCode extracts the upstream HTTP status from an error chain, or zero.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}

// SeverityFor is the pure severity lookup keyed by type and status class.
func SeverityFor(t Type, statusCode int) Severity {
	switch t {
	case TypeNetwork:
		return SeverityHigh
	case TypeTimeout:
		return SeverityMedium
	case TypeAPIError:
		if statusCode >= 500 {
			return SeverityHigh
		}
		return SeverityMedium
	case TypeCircuitBreaker:
		return SeverityCritical
	case TypeValidation:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// RetryableFor is the pure retryability lookup keyed by type and status class.
func RetryableFor(t Type, statusCode int) bool {
	switch t {
	case TypeNetwork, TypeTimeout:
		return true
	case TypeAPIError:
		return statusCode >= 500
	default:
		// CIRCUIT_BREAKER, VALIDATION, UNKNOWN
		return false
	}
}

// userMessage maps a failure type to the text the UI shows.
func userMessage(t Type) string {
	switch t {
	case TypeNetwork:
		return "Connection problem - check your network and try again"
	case TypeTimeout:
		return "The data service is responding slowly - showing the latest available data"
	case TypeAPIError:
		return "The data service reported a problem - showing the latest available data"
	case TypeCircuitBreaker:
		return "The data service is temporarily unavailable - recovery in progress"
	case TypeValidation:
		return "Received unexpected data from the service - showing the last good view"
	default:
		return "Something went wrong - showing the latest available data"
	}
}

// NewErrorContext classifies err and builds the full context record.
func NewErrorContext(err error, endpoint string) ErrorContext {
	t := Classify(err)
	status := StatusCode(err)

	return ErrorContext{
		ID:          uuid.NewString(),
		Type:        t,
		Severity:    SeverityFor(t, status),
		Message:     err.Error(),
		UserMessage: userMessage(t),
		Retryable:   RetryableFor(t, status),
		Timestamp:   time.Now().UTC(),
		Endpoint:    endpoint,
		StatusCode:  status,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
