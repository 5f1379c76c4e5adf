package directory

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tandemapp/tandem/internal/bus"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// subscribedTables are the change feeds the engine consumes.
var subscribedTables = []string{"conversations", "messages", "presence"}

// envelope is the realtime wire format. Channel "push" carries table
// change events; channel "auth" carries advisory auth lifecycle events.
type envelope struct {
	Channel string          `json:"channel"`
	Table   string          `json:"table,omitempty"`
	Type    string          `json:"type,omitempty"`
	Row     json.RawMessage `json:"row,omitempty"`
	Event   string          `json:"event,omitempty"`
	Session *Session        `json:"session,omitempty"`
}

// Realtime maintains the push subscription to the directory. Delivery is
// at-least-once: consumers reconcile idempotently. Events are normalized
// onto the bus as "push.<table>.<type>" and "auth.<event>".
type Realtime struct {
	url     string
	tokenFn func() string
	bus     *bus.Bus
	logger  *zap.Logger
	dialer  *websocket.Dialer
	cancel  context.CancelFunc
}

// NewRealtime creates a realtime client. tokenFn is consulted on every
// (re)connect so a refreshed token is picked up without a restart.
func NewRealtime(url string, tokenFn func() string, b *bus.Bus, logger *zap.Logger) *Realtime {
	return &Realtime{
		url:     url,
		tokenFn: tokenFn,
		bus:     b,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Start connects in the background and keeps reconnecting with
// exponential backoff until the context is cancelled.
func (r *Realtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
}

// Stop tears down the connection loop. Idempotent.
func (r *Realtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Realtime) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := r.dial(ctx)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			r.logger.Warn("realtime dial failed",
				zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		r.bus.Publish(bus.Event{Kind: "push.connected", Timestamp: time.Now()})

		r.pump(ctx, conn)

		_ = conn.Close()
		r.bus.Publish(bus.Event{Kind: "push.disconnected", Timestamp: time.Now()})
	}
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if tok := r.tokenFn(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		return nil, &NetworkError{Op: "dial realtime", Err: err}
	}

	sub := map[string]any{"action": "subscribe", "tables": subscribedTables}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, &NetworkError{Op: "subscribe realtime", Err: err}
	}
	return conn, nil
}

// pump reads envelopes until the connection breaks or ctx is cancelled.
// A side goroutine keeps the connection alive with pings.
func (r *Realtime) pump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			case <-pingCtx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("realtime read error", zap.Error(err))
			}
			return
		}
		r.dispatch(env)
	}
}

func (r *Realtime) dispatch(env envelope) {
	switch env.Channel {
	case "push":
		if env.Table == "" || env.Type == "" {
			return
		}
		r.bus.Publish(bus.Event{
			Kind:      "push." + env.Table + "." + env.Type,
			Timestamp: time.Now(),
			Payload:   PushEvent{Table: env.Table, Type: env.Type, Row: env.Row},
		})
	case "auth":
		if env.Event == "" {
			return
		}
		r.bus.Publish(bus.Event{
			Kind:      "auth." + env.Event,
			Timestamp: time.Now(),
			Payload:   AuthEvent{Event: env.Event, Session: env.Session},
		})
	}
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(reconnectBaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	// Jitter in [0.5d, 1.5d) to avoid thundering reconnects.
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
