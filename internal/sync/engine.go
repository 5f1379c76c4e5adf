// Package sync ingests directory push events into the local mirror.
// Ingestion is idempotent and keyed by server ids, so the at-least-once
// push stream can deliver the same change twice without drift. A full
// catch-up pass runs whenever the push stream (re)connects, covering
// whatever happened during the gap.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/directory"
	"github.com/tandemapp/tandem/internal/session"
	"github.com/tandemapp/tandem/internal/store"
	"go.uber.org/zap"
)

const checkpointLastCatchup = "last_catchup_at"

// ConversationSync is the slice of the conversation store the engine
// feeds.
type ConversationSync interface {
	Refresh(ctx context.Context) error
	ApplyRow(ctx context.Context, row directory.ConversationRow) error
}

// PresenceSync is the slice of the presence tracker the engine feeds.
type PresenceSync interface {
	Apply(row directory.PresenceRow) error
}

// DirectoryAPI is the slice of the directory client used for catch-up.
type DirectoryAPI interface {
	ListMessages(ctx context.Context, conversationID string) ([]directory.MessageRow, error)
}

// Engine subscribes to push events and reconciles them into the store.
type Engine struct {
	db      *store.DB
	dir     DirectoryAPI
	convs   ConversationSync
	pres    PresenceSync
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  func() string
	timeout time.Duration
	cancel  context.CancelFunc
}

// NewEngine creates a sync engine. selfID returns the signed-in user id
// or "" when signed out; timeout bounds each catch-up directory call.
func NewEngine(db *store.DB, dir DirectoryAPI, convs ConversationSync, pres PresenceSync, b *bus.Bus, logger *zap.Logger, selfID func() string, timeout time.Duration) *Engine {
	return &Engine{
		db:      db,
		dir:     dir,
		convs:   convs,
		pres:    pres,
		bus:     b,
		logger:  logger,
		selfID:  selfID,
		timeout: timeout,
	}
}

// Start subscribes to push and session events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	pushCh, unsubPush := e.bus.Subscribe("push.", 256)
	sessCh, unsubSess := e.bus.Subscribe("session.", 16)

	go func() {
		defer unsubPush()
		defer unsubSess()
		for {
			select {
			case evt := <-pushCh:
				e.handlePush(ctx, evt)
			case evt := <-sessCh:
				e.handleSession(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handlePush(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "push.connected":
		e.Catchup(ctx)
		return
	case "push.disconnected":
		return
	}

	pe, ok := evt.Payload.(directory.PushEvent)
	if !ok {
		return
	}
	if err := e.Ingest(ctx, pe); err != nil {
		e.logger.Error("failed to ingest push event",
			zap.Error(err),
			zap.String("table", pe.Table),
			zap.String("type", pe.Type))
	}
}

func (e *Engine) handleSession(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(session.StatusChange)
	if !ok {
		return
	}
	// A fresh sign-in means the mirror may belong to a stale session;
	// reconciling from the directory brings it current.
	if change.To.State == session.SignedIn && change.From.State != session.SignedIn && change.From.State != session.Refreshing {
		e.Catchup(ctx)
	}
}

// Ingest applies one push event to the mirror. Safe to call twice with
// the same event.
func (e *Engine) Ingest(ctx context.Context, pe directory.PushEvent) error {
	switch pe.Table {
	case "messages":
		var row directory.MessageRow
		if err := json.Unmarshal(pe.Row, &row); err != nil {
			return fmt.Errorf("decode message row: %w", err)
		}
		return e.ingestMessage(row)
	case "conversations":
		var row directory.ConversationRow
		if err := json.Unmarshal(pe.Row, &row); err != nil {
			return fmt.Errorf("decode conversation row: %w", err)
		}
		return e.convs.ApplyRow(ctx, row)
	case "presence":
		var row directory.PresenceRow
		if err := json.Unmarshal(pe.Row, &row); err != nil {
			return fmt.Errorf("decode presence row: %w", err)
		}
		return e.pres.Apply(row)
	default:
		e.logger.Debug("ignoring push for unknown table", zap.String("table", pe.Table))
		return nil
	}
}

func (e *Engine) ingestMessage(row directory.MessageRow) error {
	me := e.selfID()
	if row.ID == "" || row.ConversationID == "" {
		return nil
	}

	// Our own message echoed back: settle the pending send if its HTTP
	// response has not landed yet, and retire the optimistic row.
	if row.SenderID == me && row.CorrelationID != "" {
		matched, err := e.db.MarkPendingConfirmed(row.CorrelationID)
		if err != nil {
			return fmt.Errorf("confirm pending send: %w", err)
		}
		if matched {
			if err := e.db.ReplaceMessageID(row.CorrelationID, row.ID, row.CreatedAt, store.StatusSent); err != nil {
				return fmt.Errorf("adopt server message id: %w", err)
			}
			e.bus.Publish(bus.Event{
				Kind:      "message.send_ack",
				Timestamp: time.Now(),
				Payload: map[string]string{
					"correlation_id": row.CorrelationID,
					"message_id":     row.ID,
				},
			})
		}
	}

	status := store.StatusReceived
	if row.SenderID == me {
		status = store.StatusSent
	}
	if err := e.db.UpsertMessage(&store.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		ReceiverID:     row.ReceiverID,
		Kind:           row.Kind,
		Payload:        row.Payload,
		CreatedAt:      row.CreatedAt,
		IsRead:         row.IsRead,
		IsEdited:       row.IsEdited,
		IsDeleted:      row.IsDeleted,
		PinnedAt:       row.PinnedAt,
		PinnedUntil:    row.PinnedUntil,
		Status:         status,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if err := e.ensureConversation(row, me); err != nil {
		return err
	}
	if err := e.db.RefreshLastMessage(row.ConversationID); err != nil {
		return fmt.Errorf("refresh conversation preview: %w", err)
	}
	if me != "" {
		if err := e.db.RecountUnread(row.ConversationID, me); err != nil {
			return fmt.Errorf("recount unread: %w", err)
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": row.ConversationID, "message_id": row.ID},
	})
	e.bus.Publish(bus.Event{
		Kind:      "conversation.changed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": row.ConversationID},
	})
	return nil
}

// ensureConversation creates a minimal local conversation when a
// message arrives for one we have not mirrored yet. The next push or
// catch-up pass fills in names and settings.
func (e *Engine) ensureConversation(row directory.MessageRow, me string) error {
	existing, err := e.db.GetConversation(row.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if existing != nil {
		return nil
	}

	counterpart := row.SenderID
	if counterpart == me {
		counterpart = row.ReceiverID
	}
	if err := e.db.UpsertConversation(&store.Conversation{
		ID:            row.ConversationID,
		CounterpartID: counterpart,
		LastMessageAt: row.CreatedAt,
	}); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// Catchup reconciles the full mirror against the directory: the
// conversation list first, then every conversation's message log. Rows
// already mirrored are re-upserted in place.
func (e *Engine) Catchup(ctx context.Context) {
	if e.selfID() == "" {
		return
	}
	started := time.Now()

	refreshCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err := e.convs.Refresh(refreshCtx)
	cancel()
	if err != nil {
		e.logger.Error("conversation catch-up failed", zap.Error(err))
		return
	}

	convs, err := e.db.ListConversations()
	if err != nil {
		e.logger.Error("failed to list conversations for catch-up", zap.Error(err))
		return
	}

	var ingested int
	for _, conv := range convs {
		if ctx.Err() != nil {
			return
		}
		listCtx, cancel := context.WithTimeout(ctx, e.timeout)
		rows, err := e.dir.ListMessages(listCtx, conv.ID)
		cancel()
		if err != nil {
			e.logger.Error("message catch-up failed",
				zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}
		for _, row := range rows {
			if err := e.ingestMessage(row); err != nil {
				e.logger.Error("failed to ingest message during catch-up",
					zap.Error(err), zap.String("message_id", row.ID))
				continue
			}
			ingested++
		}
	}

	if err := e.db.SetSyncValue(checkpointLastCatchup, strconv.FormatInt(started.UnixMilli(), 10)); err != nil {
		e.logger.Error("failed to record catch-up checkpoint", zap.Error(err))
	}
	e.logger.Info("catch-up complete",
		zap.Int("conversations", len(convs)),
		zap.Int("messages", ingested),
		zap.Duration("took", time.Since(started)))
	e.bus.Publish(bus.Event{
		Kind:      "sync.catchup_complete",
		Timestamp: time.Now(),
		Payload:   map[string]int{"conversations": len(convs), "messages": ingested},
	})
}
