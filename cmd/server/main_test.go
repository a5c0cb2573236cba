package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/candidate-feed/internal/config"
	"github.com/yourorg/candidate-feed/internal/model"
)

func testServer(t *testing.T, upstream string) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.UpstreamURL = upstream
	cfg.MaxAttempts = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return NewServer(cfg)
}

func TestHandleCandidates_ServesUpstreamSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"asOf":%q,"results":[{"ticker":"AAPL","score":8.0}]}`,
			time.Now().UTC().Format(time.RFC3339))
	}))
	defer upstream.Close()

	s := testServer(t, upstream.URL)

	rec := httptest.NewRecorder()
	s.handleCandidates(rec, httptest.NewRequest(http.MethodGet, "/candidates", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"AAPL"`)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("%q", model.SourceNetwork))
}

func TestHandleCandidates_DegradesInsteadOfFailing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	s := testServer(t, upstream.URL)

	rec := httptest.NewRecorder()
	s.handleCandidates(rec, httptest.NewRequest(http.MethodGet, "/candidates", nil))

	require.Equal(t, http.StatusOK, rec.Code, "degraded data still answers 200")
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestHandleHealthAndStatus(t *testing.T) {
	s := testServer(t, "http://127.0.0.1:1/unreachable")

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthScore")

	rec = httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuit")
	assert.Contains(t, rec.Body.String(), "performance")
}

func TestHandleCircuit_Reset(t *testing.T) {
	s := testServer(t, "http://127.0.0.1:1/unreachable")

	rec := httptest.NewRecorder()
	s.handleCircuit(rec, httptest.NewRequest(http.MethodPost, "/circuit?action=reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Circuit breaker reset")
	assert.Contains(t, rec.Body.String(), "closed")
}

func TestHandleVisibility(t *testing.T) {
	s := testServer(t, "http://127.0.0.1:1/unreachable")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/visibility", strings.NewReader(`{"visible":false}`))
	s.handleVisibility(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.manager.Status().Visible)
}
