package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/candidate-feed/internal/model"
	"github.com/yourorg/candidate-feed/internal/validation"
)

// errPushExhausted signals that the reconnect budget is spent and the
// manager should fall back to polling for the rest of its lifetime.
var errPushExhausted = errors.New("push channel reconnect attempts exhausted")

const (
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultMaxReconnectAttempts = 5

	pushHandshakeTimeout = 10 * time.Second
)

// pushChannel maintains a websocket connection to the push endpoint and
// feeds incoming snapshots back to the manager. Push payloads use the same
// JSON envelope as the HTTP endpoint, minus the asOf requirement.
type pushChannel struct {
	url         string
	baseDelay   time.Duration
	maxAttempts int
	onSnapshot  func(model.Snapshot)
	onState     func(model.ConnectionState)
	log         *logrus.Entry
}

func newPushChannel(url string, baseDelay time.Duration, maxAttempts int,
	onSnapshot func(model.Snapshot), onState func(model.ConnectionState)) *pushChannel {
	if baseDelay <= 0 {
		baseDelay = DefaultReconnectBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	return &pushChannel{
		url:         url,
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		onSnapshot:  onSnapshot,
		onState:     onState,
		log:         logrus.WithField("component", "push"),
	}
}

// run dials the push endpoint and reads until the context is cancelled.
// Each successful connect resets the reconnect counter; each failure waits
// baseDelay times the attempt number before redialing. Returns
// errPushExhausted once maxAttempts consecutive attempts have failed.
func (p *pushChannel) run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.onState(model.StateConnecting)
		conn, err := p.dial(ctx)
		if err != nil {
			attempt++
			p.log.WithError(err).WithField("attempt", attempt).Warn("Push connect failed")
			p.onState(model.StateError)
			if attempt >= p.maxAttempts {
				return errPushExhausted
			}
			if !p.sleep(ctx, time.Duration(attempt)*p.baseDelay) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		p.onState(model.StateConnected)
		p.log.WithField("url", p.url).Info("Push channel connected")

		err = p.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.WithError(err).Warn("Push channel dropped, reconnecting")
	}
}

func (p *pushChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: pushHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, p.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (p *pushChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage when the manager stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		snap, err := validation.ParseSnapshotWithOptions(message, validation.Options{RequireAsOf: false})
		if err != nil {
			p.log.WithError(err).Debug("Discarding malformed push message")
			continue
		}
		snap.Source = model.SourcePush
		p.onSnapshot(snap)
	}
}

func (p *pushChannel) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
