// Package outbox drains queued pending actions against the directory.
// Every local mutation lands here as a correlation-id action; the
// sender replays them in order and reconciles confirmations back into
// the mirror, so a response that arrives late (or via the push stream
// first) is matched exactly once.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/directory"
	"github.com/tandemapp/tandem/internal/store"
	"go.uber.org/zap"
)

// DirectoryAPI is the slice of the directory client the sender needs.
type DirectoryAPI interface {
	InsertMessage(ctx context.Context, row directory.MessageRow) (*directory.MessageRow, error)
	UpdateMessage(ctx context.Context, id string, patch directory.MessagePatch) error
	MarkConversationRead(ctx context.Context, conversationID string) error
	UpdateConversationSettings(ctx context.Context, id string, patch directory.ConversationSettingsPatch) error
}

// SendAck is the payload of "message.send_ack" events.
type SendAck struct {
	CorrelationID  string
	MessageID      string
	ConversationID string
}

// SendFailed is the payload of "message.send_failed" events.
type SendFailed struct {
	CorrelationID  string
	ConversationID string
	Error          string
}

// Sender polls the pending_actions queue and replays it against the
// directory.
type Sender struct {
	db      *store.DB
	dir     DirectoryAPI
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration
	cancel  context.CancelFunc
}

// NewSender creates a sender. timeout bounds each directory call.
func NewSender(db *store.DB, dir DirectoryAPI, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Sender {
	return &Sender{
		db:      db,
		dir:     dir,
		bus:     b,
		logger:  logger,
		timeout: timeout,
	}
}

// Start begins polling for queued actions.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Drain replays every queued action once, in queue order. Exported so
// tests and the sync engine can force a pass without waiting a tick.
func (s *Sender) Drain(ctx context.Context) {
	queued, err := s.db.QueuedActions()
	if err != nil {
		s.logger.Error("failed to read pending actions", zap.Error(err))
		return
	}

	for i := range queued {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, &queued[i])
	}
}

func (s *Sender) dispatch(ctx context.Context, a *store.PendingAction) {
	if err := s.db.MarkPendingInflight(a.CorrelationID); err != nil {
		s.logger.Error("failed to mark action inflight",
			zap.Error(err), zap.String("correlation_id", a.CorrelationID))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	switch a.Kind {
	case store.ActionSend:
		err = s.sendMessage(callCtx, a)
	case store.ActionEdit:
		edited := true
		err = s.dir.UpdateMessage(callCtx, a.MessageID, directory.MessagePatch{
			Payload:  &a.Payload,
			IsEdited: &edited,
		})
	case store.ActionDelete:
		deleted := true
		err = s.dir.UpdateMessage(callCtx, a.MessageID, directory.MessagePatch{IsDeleted: &deleted})
	case store.ActionMarkRead:
		err = s.dir.MarkConversationRead(callCtx, a.ConversationID)
	case store.ActionPin:
		pinnedAt := time.Now().UnixMilli()
		err = s.dir.UpdateMessage(callCtx, a.MessageID, directory.MessagePatch{
			PinnedAt:    &pinnedAt,
			PinnedUntil: &a.Expiry,
		})
	case store.ActionUnpin:
		var zero int64
		err = s.dir.UpdateMessage(callCtx, a.MessageID, directory.MessagePatch{
			PinnedAt:    &zero,
			PinnedUntil: &zero,
		})
	case store.ActionSettings:
		var patch directory.ConversationSettingsPatch
		if err = json.Unmarshal([]byte(a.Payload), &patch); err == nil {
			err = s.dir.UpdateConversationSettings(callCtx, a.ConversationID, patch)
		}
	default:
		s.logger.Warn("dropping action of unknown kind",
			zap.String("kind", a.Kind), zap.String("correlation_id", a.CorrelationID))
		_, _ = s.db.MarkPendingFailed(a.CorrelationID, "unknown action kind")
		return
	}

	// sendMessage settles its own action so that a push-stream echo
	// racing the HTTP response is matched exactly once.
	if a.Kind == store.ActionSend {
		return
	}

	if err != nil {
		s.failAction(a, err)
		return
	}
	if matched, merr := s.db.MarkPendingConfirmed(a.CorrelationID); merr != nil {
		s.logger.Error("failed to confirm action",
			zap.Error(merr), zap.String("correlation_id", a.CorrelationID))
	} else if matched {
		s.bus.Publish(bus.Event{
			Kind:      "action.confirmed",
			Timestamp: time.Now(),
			Payload:   map[string]string{"correlation_id": a.CorrelationID, "kind": a.Kind},
		})
	}
}

func (s *Sender) sendMessage(ctx context.Context, a *store.PendingAction) error {
	msg, err := s.db.GetMessage(a.MessageID)
	if err != nil {
		s.logger.Error("failed to load outgoing message",
			zap.Error(err), zap.String("correlation_id", a.CorrelationID))
		return err
	}
	if msg == nil {
		// Optimistic row already reconciled (push echo won the race)
		// or retried under a new id.
		_, _ = s.db.MarkPendingConfirmed(a.CorrelationID)
		return nil
	}

	out, err := s.dir.InsertMessage(ctx, directory.MessageRow{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		CreatedAt:      msg.CreatedAt,
		CorrelationID:  a.CorrelationID,
	})
	if err != nil {
		s.failSend(a, msg, err)
		return err
	}

	matched, merr := s.db.MarkPendingConfirmed(a.CorrelationID)
	if merr != nil {
		s.logger.Error("failed to confirm send",
			zap.Error(merr), zap.String("correlation_id", a.CorrelationID))
		return merr
	}
	if !matched {
		// The push stream already delivered this message and settled
		// the action; the late response changes nothing.
		s.logger.Debug("send already reconciled via push",
			zap.String("correlation_id", a.CorrelationID))
		return nil
	}

	if err := s.db.ReplaceMessageID(a.CorrelationID, out.ID, out.CreatedAt, store.StatusSent); err != nil {
		s.logger.Error("failed to adopt server message id",
			zap.Error(err), zap.String("correlation_id", a.CorrelationID))
		return err
	}
	if err := s.db.RefreshLastMessage(msg.ConversationID); err != nil {
		s.logger.Error("failed to refresh conversation preview", zap.Error(err))
	}

	s.logger.Info("message sent",
		zap.String("correlation_id", a.CorrelationID),
		zap.String("message_id", out.ID))
	s.bus.Publish(bus.Event{
		Kind:      "message.send_ack",
		Timestamp: time.Now(),
		Payload: SendAck{
			CorrelationID:  a.CorrelationID,
			MessageID:      out.ID,
			ConversationID: msg.ConversationID,
		},
	})
	s.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": msg.ConversationID, "message_id": out.ID},
	})
	return nil
}

// failSend marks a send failed and flips the optimistic row so the UI
// can offer a retry. Timeouts land here too: the message stays visible
// in failed state instead of silently vanishing.
func (s *Sender) failSend(a *store.PendingAction, msg *store.Message, err error) {
	s.logger.Error("failed to send message",
		zap.Error(err), zap.String("correlation_id", a.CorrelationID))

	matched, merr := s.db.MarkPendingFailed(a.CorrelationID, err.Error())
	if merr != nil {
		s.logger.Error("failed to mark action failed",
			zap.Error(merr), zap.String("correlation_id", a.CorrelationID))
		return
	}
	if !matched {
		return
	}
	if serr := s.db.SetMessageStatus(a.MessageID, store.StatusFailed); serr != nil {
		s.logger.Error("failed to mark message failed", zap.Error(serr))
	}
	s.bus.Publish(bus.Event{
		Kind:      "message.send_failed",
		Timestamp: time.Now(),
		Payload: SendFailed{
			CorrelationID:  a.CorrelationID,
			ConversationID: msg.ConversationID,
			Error:          err.Error(),
		},
	})
	s.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": msg.ConversationID, "message_id": a.MessageID},
	})
}

func (s *Sender) failAction(a *store.PendingAction, err error) {
	s.logger.Error("failed to replay action",
		zap.Error(err),
		zap.String("kind", a.Kind),
		zap.String("correlation_id", a.CorrelationID))
	if _, merr := s.db.MarkPendingFailed(a.CorrelationID, err.Error()); merr != nil {
		s.logger.Error("failed to mark action failed",
			zap.Error(merr), zap.String("correlation_id", a.CorrelationID))
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "action.failed",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"correlation_id": a.CorrelationID,
			"kind":           a.Kind,
			"error":          err.Error(),
		},
	})
}
