package message

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/directory"
	"github.com/tandemapp/tandem/internal/store"
	"go.uber.org/zap"
)

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

type mockUploader struct {
	calls []string
	err   error
}

func (m *mockUploader) Upload(_ context.Context, fileName string, data []byte) (*directory.UploadResult, error) {
	m.calls = append(m.calls, fileName)
	if m.err != nil {
		return nil, m.err
	}
	return &directory.UploadResult{
		URL:      "https://files.test/" + fileName,
		FileName: fileName,
		Size:     int64(len(data)),
	}, nil
}

func newTestStream(t *testing.T, db *store.DB, b *bus.Bus) *Stream {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewStream(db, b, logger, &mockUploader{}, func() string { return "me" })
}

func seedConversation(t *testing.T, db *store.DB) {
	t.Helper()
	if err := db.UpsertConversation(&store.Conversation{ID: "c1", CounterpartID: "alice"}); err != nil {
		t.Fatal(err)
	}
}

func TestSendOptimisticInsert(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	s := newTestStream(t, db, b)
	seedConversation(t, db)

	ch, unsub := b.Subscribe("message.upserted", 10)
	defer unsub()

	corrID, err := s.Send("c1", store.KindText, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if corrID == "" {
		t.Fatal("empty correlation id")
	}

	// The message is visible immediately, before any directory call.
	m, err := db.GetMessage(corrID)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("optimistic message missing")
	}
	if m.Status != store.StatusSending {
		t.Errorf("status = %q, want sending", m.Status)
	}
	if m.SenderID != "me" || m.ReceiverID != "alice" {
		t.Errorf("participants = %s -> %s, want me -> alice", m.SenderID, m.ReceiverID)
	}

	queued, err := db.QueuedActions()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Kind != store.ActionSend || queued[0].CorrelationID != corrID {
		t.Fatalf("queued = %+v, want one send action under %s", queued, corrID)
	}

	// The conversation preview follows the optimistic row.
	c, _ := db.GetConversation("c1")
	if c.LastMessagePreview != "hello" {
		t.Errorf("preview = %q, want hello", c.LastMessagePreview)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.upserted")
	}
}

func TestSendValidation(t *testing.T) {
	db := testDB(t)
	s := newTestStream(t, db, bus.New())
	seedConversation(t, db)

	if _, err := s.Send("c1", "carrier-pigeon", "x"); !directory.IsValidation(err) {
		t.Errorf("unknown kind: err = %v, want validation error", err)
	}
	if _, err := s.Send("c1", store.KindText, ""); !directory.IsValidation(err) {
		t.Errorf("empty payload: err = %v, want validation error", err)
	}
	if _, err := s.Send("missing", store.KindText, "x"); !directory.IsNotFound(err) {
		t.Errorf("unknown conversation: err = %v, want not found", err)
	}
}

func TestRetryUsesFreshCorrelationID(t *testing.T) {
	db := testDB(t)
	s := newTestStream(t, db, bus.New())
	seedConversation(t, db)

	corrID, err := s.Send("c1", store.KindText, "flaky")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the outbox failing the send.
	if _, err := db.MarkPendingFailed(corrID, "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMessageStatus(corrID, store.StatusFailed); err != nil {
		t.Fatal(err)
	}

	newID, err := s.Retry(corrID)
	if err != nil {
		t.Fatal(err)
	}
	if newID == corrID {
		t.Error("retry reused the correlation id")
	}

	// The failed row is replaced, not duplicated.
	if m, _ := db.GetMessage(corrID); m != nil {
		t.Error("failed row still present after retry")
	}
	m, _ := db.GetMessage(newID)
	if m == nil || m.Status != store.StatusSending {
		t.Fatalf("retried row = %+v, want sending", m)
	}

	queued, _ := db.QueuedActions()
	if len(queued) != 1 || queued[0].CorrelationID != newID {
		t.Fatalf("queued = %+v, want one action under the new id", queued)
	}
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	db := testDB(t)
	s := newTestStream(t, db, bus.New())
	seedConversation(t, db)

	corrID, err := s.Send("c1", store.KindText, "in flight")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Retry(corrID); !directory.IsValidation(err) {
		t.Errorf("retry of in-flight send: err = %v, want validation error", err)
	}
}

func TestEditSenderOnly(t *testing.T) {
	db := testDB(t)
	s := newTestStream(t, db, bus.New())
	seedConversation(t, db)

	msgs := []store.Message{
		{ID: "mine", ConversationID: "c1", SenderID: "me", ReceiverID: "alice", Kind: store.KindText, Payload: "typo", CreatedAt: 1, Status: store.StatusSent},
		{ID: "theirs", ConversationID: "c1", SenderID: "alice", ReceiverID: "me", Kind: store.KindText, Payload: "hi", CreatedAt: 2, Status: store.StatusReceived},
		{ID: "photo", ConversationID: "c1", SenderID: "me", ReceiverID: "alice", Kind: store.KindImage, Payload: "url", CreatedAt: 3, Status: store.StatusSent},
	}
	for i := range msgs {
		if err := db.UpsertMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Edit("mine", "fixed"); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage("mine")
	if m.Payload != "fixed" || !m.IsEdited {
		t.Errorf("edited row = %+v, want fixed/edited", m)
	}

	if err := s.Edit("theirs", "nope"); !directory.IsValidation(err) {
		t.Errorf("editing counterpart message: err = %v, want validation error", err)
	}
	if err := s.Edit("photo", "nope"); !directory.IsValidation(err) {
		t.Errorf("editing non-text message: err = %v, want validation error", err)
	}
}

func TestSoftDeleteKeepsSlot(t *testing.T) {
	db := testDB(t)
	s := newTestStream(t, db, bus.New())
	seedConversation(t, db)

	msgs := []store.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "me", ReceiverID: "alice", Kind: store.KindText, Payload: "first", CreatedAt: 1, Status: store.StatusSent},
		{ID: "m2", ConversationID: "c1", SenderID: "me", ReceiverID: "alice", Kind: store.KindText, Payload: "oops", CreatedAt: 2, Status: store.StatusSent},
	}
	for i := range msgs {
		if err := db.UpsertMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.SoftDelete("m2"); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := s.SoftDelete("m2"); err != nil {
		t.Fatal(err)
	}

	all, err := s.List("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d messages, want 2 (slot preserved)", len(all))
	}
	if !all[1].IsDeleted {
		t.Error("m2 not flagged deleted")
	}

	c, _ := db.GetConversation("c1")
	if c.LastMessagePreview != "first" {
		t.Errorf("preview = %q, want first after delete", c.LastMessagePreview)
	}

	// One delete action queued despite the second call.
	queued, _ := db.QueuedActions()
	if len(queued) != 1 || queued[0].Kind != store.ActionDelete {
		t.Fatalf("queued = %+v, want one delete action", queued)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	s := newTestStream(t, db, b)
	seedConversation(t, db)

	msgs := []store.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "alice", ReceiverID: "me", Kind: store.KindText, Payload: "a", CreatedAt: 1, Status: store.StatusReceived},
		{ID: "m2", ConversationID: "c1", SenderID: "alice", ReceiverID: "me", Kind: store.KindText, Payload: "b", CreatedAt: 2, Status: store.StatusReceived},
	}
	for i := range msgs {
		if err := db.UpsertMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RecountUnread("c1", "me"); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkRead("c1"); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetConversation("c1")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
	queued, _ := db.QueuedActions()
	if len(queued) != 1 || queued[0].Kind != store.ActionMarkRead {
		t.Fatalf("queued = %+v, want one mark_read action", queued)
	}

	// Nothing unread: the second call queues no directory write.
	if err := s.MarkRead("c1"); err != nil {
		t.Fatal(err)
	}
	queued, _ = db.QueuedActions()
	if len(queued) != 1 {
		t.Errorf("second mark read queued %d extra actions, want 0", len(queued)-1)
	}
}

func TestPinLifecycle(t *testing.T) {
	db := testDB(t)
	s := newTestStream(t, db, bus.New())
	seedConversation(t, db)

	if err := db.UpsertMessage(&store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", ReceiverID: "me",
		Kind: store.KindText, Payload: "keep this", CreatedAt: 1, Status: store.StatusReceived,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Pin("m1", time.Time{}); err != nil {
		t.Fatal(err)
	}
	pinned, err := s.Pinned("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pinned) != 1 || pinned[0].ID != "m1" {
		t.Fatalf("pinned = %+v, want [m1]", pinned)
	}

	if err := s.Pin("m1", time.Now().Add(-time.Minute)); !directory.IsValidation(err) {
		t.Errorf("past expiry: err = %v, want validation error", err)
	}

	if err := s.Unpin("m1"); err != nil {
		t.Fatal(err)
	}
	// Unpinning again only re-confirms the state.
	if err := s.Unpin("m1"); err != nil {
		t.Fatal(err)
	}
	pinned, _ = s.Pinned("c1")
	if len(pinned) != 0 {
		t.Errorf("pinned = %+v, want empty after unpin", pinned)
	}

	// pin + unpin actions queued; the idempotent second unpin adds none.
	queued, _ := db.QueuedActions()
	if len(queued) != 2 {
		t.Errorf("queued %d actions, want 2 (pin, unpin)", len(queued))
	}
}

func TestActionsRejectedForUndeliveredMessages(t *testing.T) {
	db := testDB(t)
	s := newTestStream(t, db, bus.New())
	seedConversation(t, db)

	corrID, err := s.Send("c1", store.KindText, "still sending")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Edit(corrID, "too early"); !directory.IsValidation(err) {
		t.Errorf("edit of sending message: err = %v, want validation error", err)
	}
	if err := s.Pin(corrID, time.Time{}); !directory.IsValidation(err) {
		t.Errorf("pin of sending message: err = %v, want validation error", err)
	}
}

func TestSendAttachment(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	up := &mockUploader{}
	s := NewStream(db, b, logger, up, func() string { return "me" })
	seedConversation(t, db)

	corrID, err := s.SendAttachment(context.Background(), "c1", "photo.png", []byte("bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if len(up.calls) != 1 || up.calls[0] != "photo.png" {
		t.Fatalf("uploader calls = %v, want [photo.png]", up.calls)
	}

	msg, err := db.GetMessage(corrID)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("no optimistic message row")
	}
	if msg.Kind != store.KindImage {
		t.Errorf("kind = %q, want %q", msg.Kind, store.KindImage)
	}
	if msg.Payload != "https://files.test/photo.png" {
		t.Errorf("payload = %q, want served URL", msg.Payload)
	}
	if msg.Status != store.StatusSending {
		t.Errorf("status = %q, want %q", msg.Status, store.StatusSending)
	}
}

func TestSendAttachmentUploadFailureLeavesNoRow(t *testing.T) {
	db := testDB(t)
	logger, _ := zap.NewDevelopment()
	up := &mockUploader{err: &directory.NetworkError{Op: "upload", Err: context.DeadlineExceeded}}
	s := NewStream(db, bus.New(), logger, up, func() string { return "me" })
	seedConversation(t, db)

	if _, err := s.SendAttachment(context.Background(), "c1", "doc.pdf", []byte("bytes")); !directory.IsNetwork(err) {
		t.Fatalf("err = %v, want network error", err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want 0 after failed upload", len(msgs))
	}
	queued, _ := db.QueuedActions()
	if len(queued) != 0 {
		t.Errorf("queued %d actions, want 0 after failed upload", len(queued))
	}
}

func TestAttachmentKindFollowsMime(t *testing.T) {
	cases := map[string]string{
		"video/mp4":                store.KindVideo,
		"audio/ogg":                store.KindVoice,
		"image/jpeg":               store.KindImage,
		"application/pdf":          store.KindDocument,
		"application/octet-stream": store.KindDocument,
	}
	for mime, want := range cases {
		if got := kindForMime(mime); got != want {
			t.Errorf("kind for %q = %q, want %q", mime, got, want)
		}
	}
}
