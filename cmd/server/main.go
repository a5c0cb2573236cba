// Package main is the entry point for the candidate feed service, a
// fault-tolerant real-time client for trading candidate data that exposes
// the latest snapshot and its own health over HTTP.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/candidate-feed/internal/breaker"
	"github.com/yourorg/candidate-feed/internal/cache"
	"github.com/yourorg/candidate-feed/internal/config"
	"github.com/yourorg/candidate-feed/internal/dedupe"
	"github.com/yourorg/candidate-feed/internal/fetch"
	"github.com/yourorg/candidate-feed/internal/host"
	"github.com/yourorg/candidate-feed/internal/model"
	"github.com/yourorg/candidate-feed/internal/monitor"
	"github.com/yourorg/candidate-feed/internal/otel"
	"github.com/yourorg/candidate-feed/internal/realtime"
	"github.com/yourorg/candidate-feed/internal/recovery"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

const version = "1.0.0"

// Server wires the feed pipeline to its HTTP surface.
type Server struct {
	cfg       config.Config
	fetcher   *fetch.Client
	manager   *realtime.Manager
	breaker   *breaker.Breaker
	monitor   *monitor.Monitor
	recovery  *recovery.Handler
	registry  *prometheus.Registry
	rateLimit *rate.Limiter
	server    *http.Server
	upgrader  websocket.Upgrader

	mu     sync.RWMutex
	latest *model.DataUpdate
}

// main is the entry point for the application
func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Error loading configuration: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	server := NewServer(cfg)
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// NewServer builds the full pipeline: cache, deduplicator, breaker,
// recovery chain, monitor, fetch client and real-time manager.
func NewServer(cfg config.Config) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mon := monitor.New().WithPrometheus(registry)

	var env host.Environment
	if cfg.FallbackPath != "" {
		env = host.NewFileEnvironment(cfg.FallbackPath)
	} else {
		env = host.NewMemoryEnvironment()
	}

	store := recovery.NewFallbackStore(env, cfg.FallbackMaxAge)
	handler := recovery.NewHandler(store)

	brk := breaker.New().
		WithFailureThreshold(cfg.FailureThreshold).
		WithResetTimeout(cfg.ResetTimeout).
		WithTripCallback(func(reason string) {
			logrus.Warnf("Circuit breaker tripped: %s", reason)
		})

	fetchCfg := fetch.DefaultConfig(cfg.UpstreamURL)
	fetchCfg.MaxAttempts = cfg.MaxAttempts
	fetchCfg.AttemptTimeout = cfg.AttemptTimeout
	fetchCfg.BaseDelay = cfg.RetryBaseDelay
	fetchCfg.MaxDelay = cfg.RetryMaxDelay
	fetchCfg.CacheTTL = cfg.CacheTTL
	fetchCfg.EnableCache = cfg.EnableCache

	fetcher := fetch.NewClient(fetchCfg,
		cache.New(cfg.CacheCapacity),
		dedupe.New(),
		brk,
		handler,
		mon,
	)

	manager := realtime.New(realtime.Config{
		Strategy:                  realtime.Strategy(cfg.Strategy),
		PollingInterval:           cfg.PollingInterval,
		MaxPollingInterval:        cfg.MaxPollingInterval,
		BackoffMultiplier:         cfg.BackoffMultiplier,
		PushURL:                   cfg.PushURL,
		ReconnectBaseDelay:        cfg.ReconnectBaseDelay,
		MaxReconnectAttempts:      cfg.MaxReconnectAttempts,
		BackgroundRefreshInterval: cfg.BackgroundRefreshInterval,
		EnableBackgroundRefresh:   cfg.EnableBackgroundRefresh,
		EnableVisibilityGating:    cfg.EnableVisibilityGating,
	}, fetcher, env, mon)

	logrus.WithFields(logrus.Fields{
		"port":              cfg.Port,
		"upstream":          cfg.UpstreamURL,
		"strategy":          cfg.Strategy,
		"polling_interval":  cfg.PollingInterval,
		"failure_threshold": cfg.FailureThreshold,
		"cache_ttl":         cfg.CacheTTL,
	}).Info("Server initialized")

	return &Server{
		cfg:       cfg,
		fetcher:   fetcher,
		manager:   manager,
		breaker:   brk,
		monitor:   mon,
		recovery:  handler,
		registry:  registry,
		rateLimit: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Start begins the update loop and HTTP server and sets up graceful
// shutdown.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.manager.Start(ctx)
	go s.retainUpdates(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/candidates", s.handleCandidates)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/errors", s.handleErrors)
	mux.HandleFunc("/circuit", s.handleCircuit)
	mux.HandleFunc("/visibility", s.handleVisibility)
	mux.HandleFunc("/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	s.manager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Fatalf("Server shutdown failed: %v", err)
	}

	logrus.Info("Server stopped")
}

// retainUpdates keeps the newest DataUpdate from the manager so reads do
// not have to wait on an upstream round trip.
func (s *Server) retainUpdates(ctx context.Context) {
	updates, cancel := s.manager.Subscribe(16)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.mu.Lock()
			s.latest = &update
			s.mu.Unlock()
		}
	}
}

// handleCandidates serves the freshest snapshot the pipeline can produce:
// the retained manager update when one exists, otherwise a direct fetch.
// It always answers 200 with a tagged snapshot; degraded sources are
// visible in the payload, not the status code.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rateLimit.Allow() {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest != nil {
		writeJSON(w, http.StatusOK, latest)
		return
	}

	snap := s.fetcher.FetchSnapshot(r.Context())
	writeJSON(w, http.StatusOK, model.DataUpdate{
		Data:        snap,
		Timestamp:   time.Now(),
		Source:      snap.Source,
		ChangeCount: len(snap.Results),
	})
}

// handleHealth reports the computed health score alongside liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	score := s.monitor.HealthScore()
	status := "OK"
	if score < 50 {
		status = "DEGRADED"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"healthScore": score,
		"version":     version,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	failures, lastFailure, nextAttempt := s.breaker.Counts()

	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"manager": s.manager.Status(),
		"circuit": map[string]interface{}{
			"state":       s.breaker.State().String(),
			"failures":    failures,
			"lastFailure": lastFailure,
			"nextAttempt": nextAttempt,
		},
		"performance": s.monitor.Summary(5 * time.Minute),
		"cache": map[string]interface{}{
			"entries": s.fetcher.CacheSize(),
			"ttl":     s.cfg.CacheTTL.String(),
			"enabled": s.cfg.EnableCache,
		},
		"configuration": map[string]interface{}{
			"strategy":         s.cfg.Strategy,
			"polling_interval": s.cfg.PollingInterval.String(),
			"max_attempts":     s.cfg.MaxAttempts,
			"upstream":         s.cfg.UpstreamURL,
		},
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAlerts lists unresolved and recently resolved performance alerts.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":   s.monitor.ActiveAlerts(),
		"resolved": s.monitor.ResolvedAlerts(),
	})
}

// handleErrors exposes the recovery handler's recent error history.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recovery.History())
}

// handleCircuit allows viewing and resetting the circuit breaker.
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"state": s.breaker.State().String(),
	}

	if r.Method == http.MethodPost && r.URL.Query().Get("action") == "reset" {
		s.breaker.Reset()
		response["state"] = s.breaker.State().String()
		response["message"] = "Circuit breaker reset"
	}

	writeJSON(w, http.StatusOK, response)
}

// handleVisibility lets the consumer report foreground state, driving the
// manager's visibility gating.
func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Visible bool `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.manager.SetVisible(body.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": body.Visible})
}

// handleStream upgrades to a websocket and forwards DataUpdate events.
// Slow consumers miss updates rather than stalling the manager.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := s.manager.Subscribe(16)
	defer cancel()

	// Detect client disconnects; inbound messages are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(update); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
