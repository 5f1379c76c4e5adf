// Package conversation maintains the ordered conversation list for the
// current identity: derived unread counts, previews and settings, kept
// fresh by push events and explicit refetches.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/directory"
	"github.com/tandemapp/tandem/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DirectoryAPI is the conversation surface of the remote directory.
type DirectoryAPI interface {
	GetOrCreateConversation(ctx context.Context, counterpartID string) (*directory.ConversationRow, error)
	ListConversations(ctx context.Context) ([]directory.ConversationRow, error)
	GetUser(ctx context.Context, id string) (*directory.User, error)
}

// Changed is the payload of "conversation.changed" events.
type Changed struct {
	ConversationID string
}

// Store owns the local conversation list. All mutation goes through its
// methods; readers get snapshots plus change notifications on the bus.
type Store struct {
	dir     DirectoryAPI
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration
	selfID  func() string

	// group collapses concurrent getOrCreate calls for the same pair.
	group singleflight.Group
}

// NewStore creates a conversation store. selfID returns the current
// user id, or "" when signed out.
func NewStore(dir DirectoryAPI, db *store.DB, b *bus.Bus, logger *zap.Logger, timeout time.Duration, selfID func() string) *Store {
	return &Store{
		dir:     dir,
		db:      db,
		bus:     b,
		logger:  logger,
		timeout: timeout,
		selfID:  selfID,
	}
}

// List returns conversations ordered by last message time descending,
// never-messaged ones last.
func (s *Store) List() ([]store.Conversation, error) {
	return s.db.ListConversations()
}

// Get returns one conversation, or nil if unknown locally.
func (s *Store) Get(id string) (*store.Conversation, error) {
	return s.db.GetConversation(id)
}

// GetOrCreate resolves the conversation with the given counterpart,
// creating it lazily. The directory operation is an atomic
// find-or-insert keyed by the unordered participant pair, and this
// method is idempotent: concurrent callers racing for the same pair
// resolve to the same conversation id.
func (s *Store) GetOrCreate(ctx context.Context, counterpartID string) (string, error) {
	me := s.selfID()
	if me == "" {
		return "", &directory.AuthError{Reason: "not signed in"}
	}
	if counterpartID == "" {
		return "", &directory.ValidationError{Field: "counterpart_id", Detail: "required"}
	}
	if counterpartID == me {
		return "", &directory.ValidationError{Field: "counterpart_id", Detail: "cannot converse with yourself"}
	}

	// Fast path: already mirrored locally.
	if c, err := s.db.GetConversationByCounterpart(counterpartID); err != nil {
		return "", err
	} else if c != nil {
		return c.ID, nil
	}

	key := pairKey(me, counterpartID)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.resolveRemote(ctx, me, counterpartID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) resolveRemote(ctx context.Context, me, counterpartID string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	row, err := s.dir.GetOrCreateConversation(cctx, counterpartID)
	cancel()
	if directory.IsConflict(err) {
		// Someone else inserted the pair first; the row exists now, so a
		// second lookup is the success path.
		cctx, cancel = context.WithTimeout(ctx, s.timeout)
		row, err = s.dir.GetOrCreateConversation(cctx, counterpartID)
		cancel()
	}
	if err != nil {
		return "", fmt.Errorf("get or create conversation: %w", err)
	}

	conv := &store.Conversation{
		ID:            row.ID,
		CounterpartID: row.Counterpart(me),
		LastMessageAt: row.LastMessageAt,
		IsMuted:       row.IsMuted,
		IsPinned:      row.IsPinned,
		IsArchived:    row.IsArchived,
	}
	s.fillCounterpartName(ctx, conv)
	if err := s.db.UpsertConversation(conv); err != nil {
		return "", err
	}
	s.notify(conv.ID)
	return row.ID, nil
}

// UpdateSettings applies a partial mute/pin/archive merge locally and
// queues the directory write as a pending action.
func (s *Store) UpdateSettings(id string, settings store.ConversationSettings) error {
	c, err := s.db.GetConversation(id)
	if err != nil {
		return err
	}
	if c == nil {
		return &directory.NotFoundError{Resource: "conversation", ID: id}
	}

	if err := s.db.UpdateConversationSettings(id, settings); err != nil {
		return err
	}

	payload, err := json.Marshal(directory.ConversationSettingsPatch{
		Mute:    settings.Mute,
		Pin:     settings.Pin,
		Archive: settings.Archive,
	})
	if err != nil {
		return fmt.Errorf("encode settings patch: %w", err)
	}
	if err := s.db.QueuePendingAction(&store.PendingAction{
		CorrelationID:  uuid.NewString(),
		Kind:           store.ActionSettings,
		ConversationID: id,
		Payload:        string(payload),
	}); err != nil {
		return err
	}

	s.notify(id)
	return nil
}

// Refresh replaces the local mirror from the directory's conversation
// list, used after connect and sign-in.
func (s *Store) Refresh(ctx context.Context) error {
	me := s.selfID()
	if me == "" {
		return &directory.AuthError{Reason: "not signed in"}
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	rows, err := s.dir.ListConversations(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	for _, row := range rows {
		if err := s.ApplyRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRow merges a directory conversation row into the mirror. Local
// derived fields (unread count, preview, display name) are preserved;
// the row is authoritative for settings and recency.
func (s *Store) ApplyRow(ctx context.Context, row directory.ConversationRow) error {
	me := s.selfID()
	if me == "" {
		return nil
	}

	existing, err := s.db.GetConversation(row.ID)
	if err != nil {
		return err
	}

	conv := &store.Conversation{
		ID:            row.ID,
		CounterpartID: row.Counterpart(me),
		LastMessageAt: row.LastMessageAt,
		IsMuted:       row.IsMuted,
		IsPinned:      row.IsPinned,
		IsArchived:    row.IsArchived,
	}
	if existing != nil {
		conv.DisplayName = existing.DisplayName
		conv.AvatarURL = existing.AvatarURL
		conv.LastMessagePreview = existing.LastMessagePreview
		conv.UnreadCount = existing.UnreadCount
		if existing.LastMessageAt > conv.LastMessageAt {
			conv.LastMessageAt = existing.LastMessageAt
		}
	} else {
		s.fillCounterpartName(ctx, conv)
	}

	if err := s.db.UpsertConversation(conv); err != nil {
		return err
	}
	s.notify(conv.ID)
	return nil
}

// fillCounterpartName resolves the counterpart's display fields
// best-effort; a failure leaves them blank for a later refresh.
func (s *Store) fillCounterpartName(ctx context.Context, conv *store.Conversation) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	u, err := s.dir.GetUser(cctx, conv.CounterpartID)
	if err != nil {
		s.logger.Warn("counterpart lookup failed",
			zap.String("user_id", conv.CounterpartID), zap.Error(err))
		return
	}
	conv.DisplayName = u.DisplayName
	conv.AvatarURL = u.AvatarURL
}

func (s *Store) notify(conversationID string) {
	s.bus.Publish(bus.Event{
		Kind:      "conversation.changed",
		Timestamp: time.Now(),
		Payload:   Changed{ConversationID: conversationID},
	})
}

// pairKey normalizes an unordered participant pair into one key.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
