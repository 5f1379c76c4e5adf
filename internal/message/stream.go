// Package message implements the per-conversation message log:
// optimistic send, edit, soft delete, read receipts and pins, all
// reconciled against the directory through correlation-id pending
// actions. Ordering within a conversation is strictly (createdAt, id);
// nothing here reorders on receipt.
package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/directory"
	"github.com/tandemapp/tandem/internal/store"
	"go.uber.org/zap"
)

// Upserted is the payload of "message.upserted" events.
type Upserted struct {
	ConversationID string
	MessageID      string
}

// MarkedRead is the payload of "message.marked_read" events.
type MarkedRead struct {
	ConversationID string
	Count          int64
}

// Uploader stores attachment bytes in the directory's object storage
// and returns a serving URL.
type Uploader interface {
	Upload(ctx context.Context, fileName string, data []byte) (*directory.UploadResult, error)
}

// Stream owns local message state. Directory writes happen through the
// pending-action outbox; this type applies the optimistic side.
type Stream struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	uploader Uploader
	selfID   func() string
}

// NewStream creates a message stream. selfID returns the current user
// id, or "" when signed out.
func NewStream(db *store.DB, b *bus.Bus, logger *zap.Logger, uploader Uploader, selfID func() string) *Stream {
	return &Stream{db: db, bus: b, logger: logger, uploader: uploader, selfID: selfID}
}

var validKinds = map[string]bool{
	store.KindText:     true,
	store.KindImage:    true,
	store.KindVideo:    true,
	store.KindVoice:    true,
	store.KindDocument: true,
	store.KindLocation: true,
}

// Send appends an optimistic message in "sending" state and queues the
// directory write. It returns the correlation id used to reconcile the
// eventual confirmation, rejection or timeout.
func (s *Stream) Send(conversationID, kind, payload string) (string, error) {
	me := s.selfID()
	if me == "" {
		return "", &directory.AuthError{Reason: "not signed in"}
	}
	if !validKinds[kind] {
		return "", &directory.ValidationError{Field: "kind", Detail: fmt.Sprintf("unknown kind %q", kind)}
	}
	if payload == "" {
		return "", &directory.ValidationError{Field: "payload", Detail: "required"}
	}
	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", &directory.NotFoundError{Resource: "conversation", ID: conversationID}
	}

	corrID := uuid.NewString()
	now := time.Now().UnixMilli()
	msg := &store.Message{
		ID:             corrID,
		ConversationID: conversationID,
		SenderID:       me,
		ReceiverID:     conv.CounterpartID,
		Kind:           kind,
		Payload:        payload,
		CreatedAt:      now,
		IsRead:         false,
		Status:         store.StatusSending,
	}
	if err := s.db.UpsertMessage(msg); err != nil {
		return "", err
	}
	if err := s.db.RefreshLastMessage(conversationID); err != nil {
		return "", err
	}
	if err := s.db.QueuePendingAction(&store.PendingAction{
		CorrelationID:  corrID,
		Kind:           store.ActionSend,
		ConversationID: conversationID,
		MessageID:      corrID,
	}); err != nil {
		return "", err
	}

	s.logger.Debug("queued message send",
		zap.String("conversation_id", conversationID),
		zap.String("correlation_id", corrID))
	s.notifyUpserted(conversationID, corrID)
	s.notifyConversation(conversationID)
	return corrID, nil
}

// SendAttachment uploads a file to the directory's object storage and
// sends the serving URL as the message payload. The upload happens
// before anything touches the local log so a storage failure leaves no
// optimistic row behind.
func (s *Stream) SendAttachment(ctx context.Context, conversationID, fileName string, data []byte) (string, error) {
	if s.selfID() == "" {
		return "", &directory.AuthError{Reason: "not signed in"}
	}
	if s.uploader == nil {
		return "", &directory.ValidationError{Field: "attachment", Detail: "uploads are not available"}
	}
	if len(data) == 0 {
		return "", &directory.ValidationError{Field: "attachment", Detail: "empty file"}
	}
	res, err := s.uploader.Upload(ctx, fileName, data)
	if err != nil {
		return "", err
	}
	s.logger.Debug("attachment uploaded",
		zap.String("file_name", fileName),
		zap.String("url", res.URL))
	return s.Send(conversationID, kindForMime(directory.GuessMimeType(fileName)), res.URL)
}

func kindForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return store.KindImage
	case strings.HasPrefix(mime, "video/"):
		return store.KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return store.KindVoice
	default:
		return store.KindDocument
	}
}

// Retry re-sends a failed message under a fresh correlation id. The
// failed entry is replaced; a correlation id is never reused.
func (s *Stream) Retry(correlationID string) (string, error) {
	old, err := s.db.GetMessage(correlationID)
	if err != nil {
		return "", err
	}
	if old == nil {
		return "", &directory.NotFoundError{Resource: "message", ID: correlationID}
	}
	if old.Status != store.StatusFailed {
		return "", &directory.ValidationError{Field: "message", Detail: "only failed messages can be retried"}
	}

	newID := uuid.NewString()
	now := time.Now().UnixMilli()
	fresh := *old
	fresh.ID = newID
	fresh.CreatedAt = now
	fresh.Status = store.StatusSending
	if err := s.db.UpsertMessage(&fresh); err != nil {
		return "", err
	}
	if err := s.db.DropMessage(old.ID); err != nil {
		return "", err
	}
	if err := s.db.RefreshLastMessage(old.ConversationID); err != nil {
		return "", err
	}
	if err := s.db.QueuePendingAction(&store.PendingAction{
		CorrelationID:  newID,
		Kind:           store.ActionSend,
		ConversationID: old.ConversationID,
		MessageID:      newID,
	}); err != nil {
		return "", err
	}

	s.logger.Debug("retrying failed send",
		zap.String("old_correlation_id", old.ID),
		zap.String("correlation_id", newID))
	s.notifyUpserted(old.ConversationID, newID)
	return newID, nil
}

// deliveredMessage loads a message and checks it is past the optimistic
// window, since the directory only knows authoritative ids.
func (s *Stream) deliveredMessage(messageID string) (*store.Message, error) {
	m, err := s.db.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &directory.NotFoundError{Resource: "message", ID: messageID}
	}
	if m.Status == store.StatusSending || m.Status == store.StatusFailed {
		return nil, &directory.ValidationError{Field: "message", Detail: "message is not delivered yet"}
	}
	return m, nil
}

// Edit replaces a text message's payload. Only the original sender may
// edit, and the message is flagged edited.
func (s *Stream) Edit(messageID, newPayload string) error {
	if newPayload == "" {
		return &directory.ValidationError{Field: "payload", Detail: "required"}
	}
	m, err := s.deliveredMessage(messageID)
	if err != nil {
		return err
	}
	if m.SenderID != s.selfID() {
		return &directory.ValidationError{Field: "message", Detail: "only the sender may edit"}
	}
	if m.Kind != store.KindText {
		return &directory.ValidationError{Field: "kind", Detail: "only text messages can be edited"}
	}
	if m.IsDeleted {
		return &directory.NotFoundError{Resource: "message", ID: messageID}
	}

	if err := s.db.EditMessagePayload(messageID, newPayload); err != nil {
		return err
	}
	if err := s.db.RefreshLastMessage(m.ConversationID); err != nil {
		return err
	}
	if err := s.db.QueuePendingAction(&store.PendingAction{
		CorrelationID:  uuid.NewString(),
		Kind:           store.ActionEdit,
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		Payload:        newPayload,
	}); err != nil {
		return err
	}

	s.notifyUpserted(m.ConversationID, messageID)
	s.notifyConversation(m.ConversationID)
	return nil
}

// SoftDelete marks a message deleted. The row keeps its ordering slot;
// only display filtering changes. Only the original sender may delete.
func (s *Stream) SoftDelete(messageID string) error {
	m, err := s.deliveredMessage(messageID)
	if err != nil {
		return err
	}
	if m.SenderID != s.selfID() {
		return &directory.ValidationError{Field: "message", Detail: "only the sender may delete"}
	}
	if m.IsDeleted {
		return nil // idempotent
	}

	if err := s.db.SoftDeleteMessage(messageID); err != nil {
		return err
	}
	if err := s.db.RefreshLastMessage(m.ConversationID); err != nil {
		return err
	}
	if err := s.db.RecountUnread(m.ConversationID, s.selfID()); err != nil {
		return err
	}
	if err := s.db.QueuePendingAction(&store.PendingAction{
		CorrelationID:  uuid.NewString(),
		Kind:           store.ActionDelete,
		ConversationID: m.ConversationID,
		MessageID:      messageID,
	}); err != nil {
		return err
	}

	s.notifyUpserted(m.ConversationID, messageID)
	s.notifyConversation(m.ConversationID)
	return nil
}

// MarkRead flags every unread message addressed to me in the
// conversation and zeroes its unread counter. Batched and idempotent;
// it is invoked when a conversation is actually opened, never on mere
// listing.
func (s *Stream) MarkRead(conversationID string) error {
	me := s.selfID()
	if me == "" {
		return &directory.AuthError{Reason: "not signed in"}
	}

	n, err := s.db.MarkConversationRead(conversationID, me)
	if err != nil {
		return err
	}
	if err := s.db.RecountUnread(conversationID, me); err != nil {
		return err
	}
	if n == 0 {
		return nil // nothing was unread; no directory write needed
	}

	if err := s.db.QueuePendingAction(&store.PendingAction{
		CorrelationID:  uuid.NewString(),
		Kind:           store.ActionMarkRead,
		ConversationID: conversationID,
	}); err != nil {
		return err
	}

	s.bus.Publish(bus.Event{
		Kind:      "message.marked_read",
		Timestamp: time.Now(),
		Payload:   MarkedRead{ConversationID: conversationID, Count: n},
	})
	s.notifyConversation(conversationID)
	return nil
}

// Pin pins a message, optionally until an expiry instant (zero = no
// expiry). The expiry is honored at read time; re-pinning refreshes it.
func (s *Stream) Pin(messageID string, until time.Time) error {
	m, err := s.deliveredMessage(messageID)
	if err != nil {
		return err
	}
	if m.IsDeleted {
		return &directory.NotFoundError{Resource: "message", ID: messageID}
	}

	var untilMillis int64
	if !until.IsZero() {
		if until.Before(time.Now()) {
			return &directory.ValidationError{Field: "expiry", Detail: "expiry is in the past"}
		}
		untilMillis = until.UnixMilli()
	}

	if err := s.db.PinMessage(messageID, untilMillis); err != nil {
		return err
	}
	if err := s.db.QueuePendingAction(&store.PendingAction{
		CorrelationID:  uuid.NewString(),
		Kind:           store.ActionPin,
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		Expiry:         untilMillis,
	}); err != nil {
		return err
	}

	s.notifyUpserted(m.ConversationID, messageID)
	return nil
}

// Unpin clears a pin. Idempotent: unpinning an unpinned message only
// re-confirms the state.
func (s *Stream) Unpin(messageID string) error {
	m, err := s.deliveredMessage(messageID)
	if err != nil {
		return err
	}
	if m.PinnedAt == 0 {
		return nil
	}

	if err := s.db.UnpinMessage(messageID); err != nil {
		return err
	}
	if err := s.db.QueuePendingAction(&store.PendingAction{
		CorrelationID:  uuid.NewString(),
		Kind:           store.ActionUnpin,
		ConversationID: m.ConversationID,
		MessageID:      messageID,
	}); err != nil {
		return err
	}

	s.notifyUpserted(m.ConversationID, messageID)
	return nil
}

// List returns the conversation's messages in (createdAt, id) order,
// soft-deleted rows included so display slots stay stable.
func (s *Stream) List(conversationID string) ([]store.Message, error) {
	return s.db.ListMessages(conversationID)
}

// Pinned returns the messages whose pin is active right now.
func (s *Stream) Pinned(conversationID string) ([]store.Message, error) {
	return s.db.ListPinnedMessages(conversationID, time.Now().UnixMilli())
}

func (s *Stream) notifyUpserted(conversationID, messageID string) {
	s.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   Upserted{ConversationID: conversationID, MessageID: messageID},
	})
}

func (s *Stream) notifyConversation(conversationID string) {
	s.bus.Publish(bus.Event{
		Kind:      "conversation.changed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}
