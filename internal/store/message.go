package store

import (
	"database/sql"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, receiver_id, kind, payload, created_at, is_read, is_edited, is_deleted, status, pinned_at, pinned_until`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Kind,
		&m.Payload, &m.CreatedAt, &m.IsRead, &m.IsEdited, &m.IsDeleted,
		&m.Status, &m.PinnedAt, &m.PinnedUntil)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMessage inserts or updates a message (idempotent on id). The
// immutable fields (sender, kind, created_at) are never overwritten by
// the conflict branch, so a duplicate push delivery cannot corrupt them.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, kind, payload, created_at, is_read, is_edited, is_deleted, status, pinned_at, pinned_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			is_read = excluded.is_read,
			is_edited = excluded.is_edited,
			is_deleted = excluded.is_deleted,
			status = excluded.status,
			pinned_at = excluded.pinned_at,
			pinned_until = excluded.pinned_until,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Kind, m.Payload,
		m.CreatedAt, m.IsRead, m.IsEdited, m.IsDeleted, m.Status,
		m.PinnedAt, m.PinnedUntil, now)
	return err
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns all messages of a conversation in (created_at, id)
// order. Soft-deleted rows are included; display filtering is the
// caller's concern so ordering slots stay meaningful.
func (db *DB) ListMessages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ReplaceMessageID swaps an optimistic client-generated id for the
// authoritative directory id, keeping the row's list position. If the
// authoritative row already arrived via push, the optimistic duplicate
// is dropped instead.
func (db *DB) ReplaceMessageID(oldID, newID string, createdAt int64, status string) error {
	now := time.Now().UnixMilli()
	existing, err := db.GetMessage(newID)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err = db.Exec(`DELETE FROM messages WHERE id = ?`, oldID)
		return err
	}
	_, err = db.Exec(`
		UPDATE messages SET id = ?, created_at = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		newID, createdAt, status, now, oldID)
	return err
}

// SetMessageStatus updates only the delivery status of a message.
func (db *DB) SetMessageStatus(id, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	return err
}

// EditMessagePayload replaces the payload and flags the message edited.
func (db *DB) EditMessagePayload(id, payload string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET payload = ?, is_edited = 1, updated_at = ? WHERE id = ?`,
		payload, now, id)
	return err
}

// SoftDeleteMessage marks a message deleted. The row keeps its ordering
// slot so surrounding timestamps remain meaningful.
func (db *DB) SoftDeleteMessage(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET is_deleted = 1, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// DropMessage removes a message row entirely. Only used for optimistic
// rows that were never acknowledged; delivered messages are soft
// deleted instead.
func (db *DB) DropMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// MarkConversationRead sets is_read on every unread message addressed to
// the given user. Returns the number of rows flipped; running it again
// is a no-op.
func (db *DB) MarkConversationRead(conversationID, receiverID string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE messages SET is_read = 1, updated_at = ?
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = 0`,
		now, conversationID, receiverID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PinMessage records a pin with an optional expiry (0 = no expiry).
// Re-pinning refreshes pinned_at and the expiry.
func (db *DB) PinMessage(id string, pinnedUntil int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET pinned_at = ?, pinned_until = ?, updated_at = ? WHERE id = ?`,
		now, pinnedUntil, now, id)
	return err
}

// UnpinMessage clears a pin. Idempotent.
func (db *DB) UnpinMessage(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET pinned_at = 0, pinned_until = 0, updated_at = ? WHERE id = ?`,
		now, id)
	return err
}

// ListPinnedMessages returns the messages of a conversation whose pin is
// still active at the given instant, newest pin first.
func (db *DB) ListPinnedMessages(conversationID string, nowMillis int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND is_deleted = 0 AND pinned_at > 0
			AND (pinned_until = 0 OR pinned_until > ?)
		ORDER BY pinned_at DESC`, conversationID, nowMillis)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
