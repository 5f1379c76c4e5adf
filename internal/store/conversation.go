package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record (idempotent on id).
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, counterpart_id, display_name, avatar_url, last_message_preview, last_message_at, unread_count, is_muted, is_pinned, is_archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			counterpart_id = excluded.counterpart_id,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			is_muted = excluded.is_muted,
			is_pinned = excluded.is_pinned,
			is_archived = excluded.is_archived,
			updated_at = excluded.updated_at`,
		c.ID, c.CounterpartID, c.DisplayName, c.AvatarURL, c.LastMessagePreview,
		c.LastMessageAt, c.UnreadCount, c.IsMuted, c.IsPinned, c.IsArchived, now)
	return err
}

const conversationColumns = `id, counterpart_id, display_name, avatar_url, last_message_preview, last_message_at, unread_count, is_muted, is_pinned, is_archived`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.CounterpartID, &c.DisplayName, &c.AvatarURL,
		&c.LastMessagePreview, &c.LastMessageAt, &c.UnreadCount,
		&c.IsMuted, &c.IsPinned, &c.IsArchived)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending, with never-messaged conversations last. Pinned conversations
// keep their recency slot; the pin is a display badge, not a sort key.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT ` + conversationColumns + `
		FROM conversations
		ORDER BY (last_message_at = 0) ASC, last_message_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`
		SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversationByCounterpart returns the conversation with the given
// counterpart, or nil if none exists locally yet.
func (db *DB) GetConversationByCounterpart(counterpartID string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`
		SELECT `+conversationColumns+` FROM conversations WHERE counterpart_id = ?`, counterpartID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConversationSettings holds a partial-field settings merge. Nil fields
// are left untouched.
type ConversationSettings struct {
	Mute    *bool
	Pin     *bool
	Archive *bool
}

// UpdateConversationSettings applies a partial settings merge.
func (db *DB) UpdateConversationSettings(id string, s ConversationSettings) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			is_muted = COALESCE(?, is_muted),
			is_pinned = COALESCE(?, is_pinned),
			is_archived = COALESCE(?, is_archived),
			updated_at = ?
		WHERE id = ?`,
		nullableBool(s.Mute), nullableBool(s.Pin), nullableBool(s.Archive), now, id)
	return err
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// RecountUnread recomputes a conversation's unread counter from the
// message rows. Recounting (rather than incrementing) keeps the counter
// exact under duplicate push delivery.
func (db *DB) RecountUnread(conversationID, currentUserID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			unread_count = (
				SELECT COUNT(*) FROM messages
				WHERE conversation_id = ? AND receiver_id = ? AND is_read = 0 AND is_deleted = 0
			),
			updated_at = ?
		WHERE id = ?`,
		conversationID, currentUserID, now, conversationID)
	return err
}

// RefreshLastMessage re-derives the preview fields from the newest
// non-deleted message in the conversation.
func (db *DB) RefreshLastMessage(conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_preview = COALESCE((
				SELECT payload FROM messages
				WHERE conversation_id = ? AND is_deleted = 0
				ORDER BY created_at DESC, id DESC LIMIT 1
			), ''),
			last_message_at = COALESCE((
				SELECT created_at FROM messages
				WHERE conversation_id = ? AND is_deleted = 0
				ORDER BY created_at DESC, id DESC LIMIT 1
			), 0),
			updated_at = ?
		WHERE id = ?`,
		conversationID, conversationID, now, conversationID)
	return err
}
