package presence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/directory"
	"github.com/tandemapp/tandem/internal/store"
	"go.uber.org/zap"
)

type mockDirectory struct {
	mu        sync.Mutex
	upserts   []directory.PresenceRow
	getRow    *directory.PresenceRow
	getErr    error
	upsertErr error
}

func (m *mockDirectory) UpsertPresence(_ context.Context, row directory.PresenceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts = append(m.upserts, row)
	return nil
}

func (m *mockDirectory) GetPresence(_ context.Context, userID string) (*directory.PresenceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getRow != nil {
		return m.getRow, nil
	}
	return nil, &directory.NotFoundError{Resource: "presence", ID: userID}
}

func (m *mockDirectory) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upserts)
}

func (m *mockDirectory) lastUpsert() directory.PresenceRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts[len(m.upserts)-1]
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestTracker(t *testing.T, dir *mockDirectory, db *store.DB, b *bus.Bus, opts Options) *Tracker {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewTracker(dir, db, b, logger, opts, func() string { return "me" })
}

func TestHeartbeatAnnouncesOnline(t *testing.T) {
	dir := &mockDirectory{}
	db := testDB(t)
	tr := newTestTracker(t, dir, db, bus.New(), Options{HeartbeatInterval: 50 * time.Millisecond})

	tr.StartHeartbeat(context.Background())
	defer tr.StopHeartbeat()

	deadline := time.Now().Add(2 * time.Second)
	for dir.upsertCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if dir.upsertCount() < 2 {
		t.Fatalf("got %d heartbeats, want at least 2", dir.upsertCount())
	}
	row := dir.lastUpsert()
	if row.UserID != "me" || !row.IsOnline {
		t.Errorf("heartbeat row = %+v, want me/online", row)
	}
}

func TestStartHeartbeatIsIdempotent(t *testing.T) {
	dir := &mockDirectory{}
	db := testDB(t)
	tr := newTestTracker(t, dir, db, bus.New(), Options{HeartbeatInterval: time.Hour})

	tr.StartHeartbeat(context.Background())
	tr.StartHeartbeat(context.Background())
	defer tr.StopHeartbeat()

	time.Sleep(100 * time.Millisecond)
	// One loop, one initial beat.
	if got := dir.upsertCount(); got != 1 {
		t.Errorf("got %d beats from double start, want 1", got)
	}
}

func TestStopHeartbeatAnnouncesOfflineOnce(t *testing.T) {
	dir := &mockDirectory{}
	db := testDB(t)
	tr := newTestTracker(t, dir, db, bus.New(), Options{HeartbeatInterval: time.Hour})

	tr.StartHeartbeat(context.Background())
	time.Sleep(50 * time.Millisecond)
	before := dir.upsertCount()

	tr.StopHeartbeat()
	if got := dir.upsertCount(); got != before+1 {
		t.Fatalf("got %d upserts after stop, want %d", got, before+1)
	}
	if row := dir.lastUpsert(); row.IsOnline {
		t.Error("stop announced online, want offline")
	}

	// Second stop is a no-op, including the offline announce.
	tr.StopHeartbeat()
	if got := dir.upsertCount(); got != before+1 {
		t.Errorf("second stop added %d upserts, want 0", got-before-1)
	}
}

func TestPresenceOfDemotesStaleRecord(t *testing.T) {
	dir := &mockDirectory{}
	db := testDB(t)
	tr := newTestTracker(t, dir, db, bus.New(), Options{TTL: 100 * time.Millisecond})

	// Cached as online, but older than the TTL: reported offline even
	// though no sweep has run yet.
	if err := db.UpsertPresence(&store.PresenceRecord{
		UserID:     "u1",
		IsOnline:   true,
		LastSeenAt: time.Now().Add(-time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := tr.PresenceOf(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.IsOnline {
		t.Error("stale record reported online")
	}
}

func TestPresenceOfReadsThroughOnMiss(t *testing.T) {
	dir := &mockDirectory{getRow: &directory.PresenceRow{
		UserID:     "u2",
		IsOnline:   true,
		LastSeenAt: time.Now().UnixMilli(),
	}}
	db := testDB(t)
	tr := newTestTracker(t, dir, db, bus.New(), Options{TTL: time.Minute})

	rec, err := tr.PresenceOf(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.IsOnline {
		t.Error("fetched record not online")
	}

	// Now cached.
	cached, err := db.GetPresence("u2")
	if err != nil {
		t.Fatal(err)
	}
	if cached == nil {
		t.Error("read-through did not populate the cache")
	}
}

func TestPresenceOfUnknownUser(t *testing.T) {
	dir := &mockDirectory{}
	db := testDB(t)
	tr := newTestTracker(t, dir, db, bus.New(), Options{TTL: time.Minute})

	rec, err := tr.PresenceOf(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if rec.IsOnline || rec.LastSeenAt != 0 {
		t.Errorf("unknown user = %+v, want zero offline record", rec)
	}
}

func TestApplyPublishesChange(t *testing.T) {
	dir := &mockDirectory{}
	db := testDB(t)
	b := bus.New()
	tr := newTestTracker(t, dir, db, b, Options{TTL: time.Minute})

	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	if err := tr.Apply(directory.PresenceRow{UserID: "u3", IsOnline: true, LastSeenAt: time.Now().UnixMilli()}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		changed, ok := evt.Payload.(Changed)
		if !ok {
			t.Fatalf("payload type %T, want Changed", evt.Payload)
		}
		if changed.Record.UserID != "u3" || !changed.Record.IsOnline {
			t.Errorf("record = %+v, want u3 online", changed.Record)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence.changed")
	}
}

func TestSweepDemotesAndNotifies(t *testing.T) {
	dir := &mockDirectory{}
	db := testDB(t)
	b := bus.New()
	tr := newTestTracker(t, dir, db, b, Options{TTL: 200 * time.Millisecond})

	if err := db.UpsertPresence(&store.PresenceRecord{
		UserID:     "u4",
		IsOnline:   true,
		LastSeenAt: time.Now().Add(-time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr.Start(context.Background())
	defer tr.Stop()

	select {
	case evt := <-ch:
		changed := evt.Payload.(Changed)
		if changed.Record.UserID != "u4" || changed.Record.IsOnline {
			t.Errorf("record = %+v, want u4 offline", changed.Record)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for sweep demotion")
	}
}
