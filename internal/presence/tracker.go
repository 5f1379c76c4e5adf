// Package presence announces local liveness to the directory and keeps
// a read-through cache of other users' online state. Its core
// correctness property is TTL demotion: a record whose heartbeat stops
// is reported offline even if the final "going offline" push is lost.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/directory"
	"github.com/tandemapp/tandem/internal/session"
	"github.com/tandemapp/tandem/internal/store"
	"go.uber.org/zap"
)

// DirectoryAPI is the presence surface of the remote directory.
type DirectoryAPI interface {
	UpsertPresence(ctx context.Context, row directory.PresenceRow) error
	GetPresence(ctx context.Context, userID string) (*directory.PresenceRow, error)
}

// Options tune the tracker.
type Options struct {
	HeartbeatInterval time.Duration
	TTL               time.Duration
	RequestTimeout    time.Duration
}

func (o *Options) defaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.TTL == 0 {
		o.TTL = 90 * time.Second
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 10 * time.Second
	}
}

// Changed is the payload of "presence.changed" events.
type Changed struct {
	Record store.PresenceRecord
}

// Tracker maintains presence state for the signed-in user and their
// counterparts. Heartbeat and directory failures are entirely silent to
// the user; presence is non-critical.
type Tracker struct {
	dir    DirectoryAPI
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	selfID func() string

	mu       sync.Mutex
	hbCancel context.CancelFunc
	cancel   context.CancelFunc
}

// NewTracker creates a presence tracker. selfID returns the current
// user id, or "" when signed out.
func NewTracker(dir DirectoryAPI, db *store.DB, b *bus.Bus, logger *zap.Logger, opts Options, selfID func() string) *Tracker {
	opts.defaults()
	return &Tracker{
		dir:    dir,
		db:     db,
		bus:    b,
		logger: logger,
		opts:   opts,
		selfID: selfID,
	}
}

// Start runs the TTL sweep loop and follows session status changes:
// heartbeat begins on sign-in and stops immediately on sign-out.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.sweepLoop(ctx)
	go t.followSession(ctx)
}

// Stop shuts the tracker down. Idempotent and safe from error paths.
func (t *Tracker) Stop() {
	t.StopHeartbeat()
	if t.cancel != nil {
		t.cancel()
	}
}

// StartHeartbeat begins announcing liveness on a fixed interval.
// Idempotent: a second call while running is a no-op.
func (t *Tracker) StartHeartbeat(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hbCancel != nil {
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	t.hbCancel = cancel
	go t.heartbeatLoop(hbCtx)
}

// StopHeartbeat stops announcing liveness. Idempotent and safe to call
// from error paths; it also makes a best-effort offline announcement.
func (t *Tracker) StopHeartbeat() {
	t.mu.Lock()
	cancel := t.hbCancel
	t.hbCancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	if id := t.selfID(); id != "" {
		ctx, done := context.WithTimeout(context.Background(), t.opts.RequestTimeout)
		defer done()
		_ = t.dir.UpsertPresence(ctx, directory.PresenceRow{
			UserID:     id,
			IsOnline:   false,
			LastSeenAt: time.Now().UnixMilli(),
		})
	}
}

// Beat announces liveness once, used on resume-from-background.
func (t *Tracker) Beat(ctx context.Context) {
	t.beat(ctx)
}

// PresenceOf returns the presence record for a user, read-through: a
// cache miss fetches from the directory. A record older than the TTL is
// reported offline regardless of its stored flag.
func (t *Tracker) PresenceOf(ctx context.Context, userID string) (store.PresenceRecord, error) {
	rec, err := t.db.GetPresence(userID)
	if err != nil {
		return store.PresenceRecord{}, err
	}
	if rec == nil {
		cctx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
		row, err := t.dir.GetPresence(cctx, userID)
		cancel()
		if err != nil {
			if directory.IsNotFound(err) {
				return store.PresenceRecord{UserID: userID}, nil
			}
			return store.PresenceRecord{}, err
		}
		rec = &store.PresenceRecord{UserID: row.UserID, IsOnline: row.IsOnline, LastSeenAt: row.LastSeenAt}
		if err := t.db.UpsertPresence(rec); err != nil {
			return store.PresenceRecord{}, err
		}
	}

	out := *rec
	if out.IsOnline && t.stale(out.LastSeenAt) {
		out.IsOnline = false
	}
	return out, nil
}

// Apply merges a push-delivered presence row into the cache and
// notifies subscribers. Last-writer-wins by LastSeenAt.
func (t *Tracker) Apply(row directory.PresenceRow) error {
	rec := &store.PresenceRecord{UserID: row.UserID, IsOnline: row.IsOnline, LastSeenAt: row.LastSeenAt}
	if err := t.db.UpsertPresence(rec); err != nil {
		return err
	}
	t.bus.Publish(bus.Event{
		Kind:      "presence.changed",
		Timestamp: time.Now(),
		Payload:   Changed{Record: *rec},
	})
	return nil
}

func (t *Tracker) stale(lastSeenMillis int64) bool {
	return time.Now().UnixMilli()-lastSeenMillis > t.opts.TTL.Milliseconds()
}

func (t *Tracker) followSession(ctx context.Context) {
	ch, unsub := t.bus.Subscribe("session.status_changed", 32)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			change, ok := evt.Payload.(session.StatusChange)
			if !ok {
				continue
			}
			switch change.To.State {
			case session.SignedIn:
				t.StartHeartbeat(ctx)
			case session.SignedOut:
				t.StopHeartbeat()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	t.beat(ctx)
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) beat(ctx context.Context) {
	id := t.selfID()
	if id == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()
	err := t.dir.UpsertPresence(cctx, directory.PresenceRow{
		UserID:     id,
		IsOnline:   true,
		LastSeenAt: time.Now().UnixMilli(),
	})
	if err != nil {
		// Non-critical; the next tick retries.
		t.logger.Debug("heartbeat failed", zap.Error(err))
		return
	}
	_ = t.db.UpsertPresence(&store.PresenceRecord{
		UserID:     id,
		IsOnline:   true,
		LastSeenAt: time.Now().UnixMilli(),
	})
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	period := t.opts.TTL / 3
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep demotes every cached record whose heartbeat window elapsed.
func (t *Tracker) sweep() {
	cutoff := time.Now().Add(-t.opts.TTL).UnixMilli()
	ids, err := t.db.DemoteStalePresence(cutoff)
	if err != nil {
		t.logger.Warn("presence sweep failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		rec, err := t.db.GetPresence(id)
		if err != nil || rec == nil {
			continue
		}
		t.bus.Publish(bus.Event{
			Kind:      "presence.changed",
			Timestamp: time.Now(),
			Payload:   Changed{Record: *rec},
		})
	}
}
