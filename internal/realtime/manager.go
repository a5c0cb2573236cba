// Package realtime owns the update loop: it drives the fetch client on an
// adaptive polling cadence, optionally consumes a websocket push channel,
// pauses work while the consumer is hidden, and fans snapshots out to
// subscribers as DataUpdate events with a change count.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/candidate-feed/internal/host"
	"github.com/yourorg/candidate-feed/internal/model"
	"github.com/yourorg/candidate-feed/internal/monitor"
)

// Strategy selects how the manager obtains updates.
type Strategy string

const (
	StrategyPolling Strategy = "polling"
	StrategyPush    Strategy = "push"
	StrategyHybrid  Strategy = "hybrid"
)

// Cadence defaults
const (
	DefaultPollingInterval           = 30 * time.Second
	DefaultMaxPollingInterval        = 300 * time.Second
	DefaultBackoffMultiplier         = 2.0
	DefaultBackgroundRefreshInterval = 60 * time.Second

	// catchUpFactor is how stale the last update may get, in polling
	// intervals, before regaining visibility triggers an immediate fetch.
	catchUpFactor = 1.5
)

// Fetcher is the slice of the fetch client the manager needs.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) model.Snapshot
}

// Config tunes the manager's update cadence and strategy.
type Config struct {
	Strategy                  Strategy
	PollingInterval           time.Duration
	MaxPollingInterval        time.Duration
	BackoffMultiplier         float64
	PushURL                   string
	ReconnectBaseDelay        time.Duration
	MaxReconnectAttempts      int
	BackgroundRefreshInterval time.Duration
	EnableBackgroundRefresh   bool
	EnableVisibilityGating    bool
}

// DefaultConfig returns a polling-only manager configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:                  StrategyPolling,
		PollingInterval:           DefaultPollingInterval,
		MaxPollingInterval:        DefaultMaxPollingInterval,
		BackoffMultiplier:         DefaultBackoffMultiplier,
		ReconnectBaseDelay:        DefaultReconnectBaseDelay,
		MaxReconnectAttempts:      DefaultMaxReconnectAttempts,
		BackgroundRefreshInterval: DefaultBackgroundRefreshInterval,
		EnableBackgroundRefresh:   true,
		EnableVisibilityGating:    true,
	}
}

// Manager runs the update loop and fans out DataUpdate events. All methods
// are safe for concurrent use.
type Manager struct {
	cfg      Config
	fetcher  Fetcher
	env      host.Environment
	log      *logrus.Entry

	mu            sync.Mutex
	state         model.ConnectionState
	subs          map[int]chan model.DataUpdate
	stateSubs     map[int]chan model.ConnectionState
	alertSubs     map[int]chan monitor.Alert
	nextSubID     int
	visible       bool
	lastUpdate    time.Time
	lastResults   []model.Candidate
	pushAbandoned bool
	pushConnected bool
	running       bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a manager around the fetch client. The monitor is optional;
// when present its alerts are forwarded to alert subscribers.
func New(cfg Config, fetcher Fetcher, env host.Environment, mon *monitor.Monitor) *Manager {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPolling
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = DefaultPollingInterval
	}
	if cfg.MaxPollingInterval <= 0 {
		cfg.MaxPollingInterval = DefaultMaxPollingInterval
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.BackgroundRefreshInterval <= 0 {
		cfg.BackgroundRefreshInterval = DefaultBackgroundRefreshInterval
	}
	if env == nil {
		env = host.NewMemoryEnvironment()
	}

	m := &Manager{
		cfg:       cfg,
		fetcher:   fetcher,
		env:       env,
		log:       logrus.WithField("component", "realtime"),
		state:     model.StateDisconnected,
		subs:      make(map[int]chan model.DataUpdate),
		stateSubs: make(map[int]chan model.ConnectionState),
		alertSubs: make(map[int]chan monitor.Alert),
		visible:   env.Foreground(),
		wake:      make(chan struct{}, 1),
	}

	if mon != nil {
		mon.OnAlert(m.forwardAlert)
	}
	return m
}

// Start launches the update loops. Calling Start on a running manager is a
// no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.setState(model.StateConnecting)

	switch m.cfg.Strategy {
	case StrategyPush:
		m.wg.Add(1)
		go m.pushLoop(ctx, true)
	case StrategyHybrid:
		m.wg.Add(2)
		go m.pushLoop(ctx, false)
		go m.pollLoop(ctx)
	default:
		m.wg.Add(1)
		go m.pollLoop(ctx)
	}

	if m.cfg.EnableBackgroundRefresh {
		m.wg.Add(1)
		go m.backgroundRefreshLoop(ctx)
	}
}

// Stop tears the loops down and disconnects. Safe to call more than once;
// any tick that fires after Stop is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.setState(model.StateDisconnected)
}

// Subscribe registers a DataUpdate channel with the given buffer size. The
// returned cancel function unregisters and closes the channel. Updates are
// dropped for subscribers that fall behind.
func (m *Manager) Subscribe(buffer int) (<-chan model.DataUpdate, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan model.DataUpdate, buffer)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// SubscribeState registers for connection-state transitions.
func (m *Manager) SubscribeState() (<-chan model.ConnectionState, func()) {
	ch := make(chan model.ConnectionState, 4)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.stateSubs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if _, ok := m.stateSubs[id]; ok {
			delete(m.stateSubs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// SubscribeAlerts registers for performance alert notifications, both
// raised and resolved.
func (m *Manager) SubscribeAlerts() (<-chan monitor.Alert, func()) {
	ch := make(chan monitor.Alert, 8)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.alertSubs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if _, ok := m.alertSubs[id]; ok {
			delete(m.alertSubs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status is a point-in-time view of the manager for status endpoints.
type Status struct {
	State         model.ConnectionState `json:"state"`
	Strategy      Strategy              `json:"strategy"`
	Visible       bool                  `json:"visible"`
	LastUpdate    time.Time             `json:"lastUpdate,omitempty"`
	PushAbandoned bool                  `json:"pushAbandoned"`
	Subscribers   int                   `json:"subscribers"`
}

// Status reports the manager's current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:         m.state,
		Strategy:      m.cfg.Strategy,
		Visible:       m.visible,
		LastUpdate:    m.lastUpdate,
		PushAbandoned: m.pushAbandoned,
		Subscribers:   len(m.subs),
	}
}

// SetVisible records consumer visibility. Regaining visibility after the
// last update has gone stale triggers one immediate out-of-band fetch.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	wasVisible := m.visible
	m.visible = visible
	last := m.lastUpdate
	running := m.running
	m.mu.Unlock()

	if !running || wasVisible || !visible {
		return
	}

	staleAfter := time.Duration(catchUpFactor * float64(m.cfg.PollingInterval))
	if last.IsZero() || time.Since(last) > staleAfter {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// pollLoop fetches on an adaptive cadence. The interval resets to the base
// on success and grows by the backoff multiplier, capped at the max, on
// failure. Hidden ticks, and hybrid ticks while the push connection is
// healthy, are rescheduled without fetching.
func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.PollingInterval
	bo.Multiplier = m.cfg.BackoffMultiplier
	bo.MaxInterval = m.cfg.MaxPollingInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	bo.NextBackOff() // consume the base so the first failure grows past it

	m.setState(model.StateConnected)

	// Immediate first poll, then interval-driven.
	interval := m.pollOnce(ctx, bo)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			interval = m.pollOnce(ctx, bo)
		case <-timer.C:
			if m.gatedHidden() || m.pushCovers() {
				// Skip the fetch but keep the cadence alive.
				timer.Reset(interval)
				continue
			}
			interval = m.pollOnce(ctx, bo)
		}
		if ctx.Err() != nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// pollOnce runs a single fetch-and-emit cycle and returns the next interval.
func (m *Manager) pollOnce(ctx context.Context, bo *backoff.ExponentialBackOff) time.Duration {
	snap := m.fetcher.FetchSnapshot(ctx)
	if ctx.Err() != nil {
		return m.cfg.PollingInterval
	}

	m.emit(snap, false)

	if liveSource(snap.Source) {
		bo.Reset()
		bo.NextBackOff()
		return m.cfg.PollingInterval
	}

	next := bo.NextBackOff()
	if next == backoff.Stop || next > m.cfg.MaxPollingInterval {
		next = m.cfg.MaxPollingInterval
	}
	m.log.WithField("next_interval", next).Warn("Poll failed, backing off")
	return next
}

// pushLoop consumes the push channel. When the reconnect budget is spent
// the manager permanently falls back to polling; a push-only manager
// starts a polling loop at that point, a hybrid one already has it.
func (m *Manager) pushLoop(ctx context.Context, startPollingOnFailure bool) {
	defer m.wg.Done()

	push := newPushChannel(m.cfg.PushURL, m.cfg.ReconnectBaseDelay, m.cfg.MaxReconnectAttempts,
		func(snap model.Snapshot) { m.emit(snap, true) },
		func(state model.ConnectionState) {
			m.mu.Lock()
			m.pushConnected = state == model.StateConnected
			m.mu.Unlock()
			m.setState(state)
		},
	)

	err := push.run(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.WithError(err).Warn("Push channel abandoned, falling back to polling")
		m.mu.Lock()
		m.pushAbandoned = true
		startPolling := startPollingOnFailure && m.running
		if startPolling {
			m.wg.Add(1)
		}
		m.mu.Unlock()
		if startPolling {
			go m.pollLoop(ctx)
		}
	}
}

// backgroundRefreshLoop keeps the emergency fallback store warm while the
// consumer is hidden. Results are never emitted to subscribers; the fetch
// client's success path writes the store.
func (m *Manager) backgroundRefreshLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.BackgroundRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.gatedHidden() || m.State() != model.StateConnected {
				continue
			}
			snap := m.fetcher.FetchSnapshot(ctx)
			if snap.IsUsable() {
				m.log.WithField("candidates", len(snap.Results)).Debug("Background refresh kept fallback warm")
			}
		}
	}
}

// emit fans a snapshot out to subscribers with diff metadata attached.
// Slow subscribers lose updates rather than blocking the loop.
func (m *Manager) emit(snap model.Snapshot, incremental bool) {
	now := time.Now()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	update := model.DataUpdate{
		Data:          snap,
		Timestamp:     now,
		Source:        snap.Source,
		IsIncremental: incremental,
		ChangeCount:   ChangeCount(m.lastResults, snap.Results),
	}

	if liveSource(snap.Source) {
		m.lastUpdate = now
		m.lastResults = snap.Results
	}

	for _, ch := range m.subs {
		select {
		case ch <- update:
		default:
		}
	}
	m.mu.Unlock()
}

func (m *Manager) setState(s model.ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	for _, ch := range m.stateSubs {
		select {
		case ch <- s:
		default:
		}
	}
	m.mu.Unlock()

	m.log.WithField("state", s).Info("Connection state changed")
}

func (m *Manager) forwardAlert(a monitor.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.alertSubs {
		select {
		case ch <- a:
		default:
		}
	}
}

// liveSource reports whether a snapshot came from the upstream or the
// fresh cache rather than a degradation path. Only live snapshots reset
// the polling cadence and advance the last-update clock.
func liveSource(source string) bool {
	switch source {
	case model.SourceNetwork, model.SourceCache, model.SourcePush:
		return true
	}
	return false
}

// gatedHidden reports whether visibility gating is on and the consumer is
// hidden.
func (m *Manager) gatedHidden() bool {
	if !m.cfg.EnableVisibilityGating {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.visible
}

// pushCovers reports whether a healthy push connection is delivering
// updates, making a hybrid manager's polling ticks redundant. Polling
// resumes as soon as the connection drops.
func (m *Manager) pushCovers() bool {
	if m.cfg.Strategy != StrategyHybrid {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushConnected && !m.pushAbandoned
}
