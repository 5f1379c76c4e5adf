package store

import (
	"database/sql"
	"time"
)

// QueuePendingAction records a new optimistic action awaiting directory
// confirmation.
func (db *DB) QueuePendingAction(a *PendingAction) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO pending_actions (correlation_id, kind, conversation_id, message_id, payload, expiry, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		a.CorrelationID, a.Kind, a.ConversationID, a.MessageID, a.Payload, a.Expiry, now, now)
	return err
}

// MarkPendingInflight moves a queued action to inflight.
func (db *DB) MarkPendingInflight(correlationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE pending_actions SET status = 'inflight', updated_at = ? WHERE correlation_id = ?`,
		now, correlationID)
	return err
}

// MarkPendingConfirmed resolves an action as confirmed. The correlation
// id matches at most once: a late duplicate confirmation finds the row
// already terminal and changes nothing.
func (db *DB) MarkPendingConfirmed(correlationID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE pending_actions SET status = 'confirmed', updated_at = ?
		WHERE correlation_id = ? AND status IN ('queued', 'inflight')`,
		now, correlationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkPendingFailed resolves an action as failed with a reason.
func (db *DB) MarkPendingFailed(correlationID, errMsg string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE pending_actions SET status = 'failed', error_message = ?, updated_at = ?
		WHERE correlation_id = ? AND status IN ('queued', 'inflight')`,
		errMsg, now, correlationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetPendingAction returns an action by correlation id, or nil.
func (db *DB) GetPendingAction(correlationID string) (*PendingAction, error) {
	var a PendingAction
	err := db.QueryRow(`
		SELECT correlation_id, kind, conversation_id, message_id, payload, expiry, status, error_message, created_at
		FROM pending_actions WHERE correlation_id = ?`, correlationID).
		Scan(&a.CorrelationID, &a.Kind, &a.ConversationID, &a.MessageID,
			&a.Payload, &a.Expiry, &a.Status, &a.ErrorMessage, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// QueuedActions returns actions still waiting to be sent, oldest first.
func (db *DB) QueuedActions() ([]PendingAction, error) {
	rows, err := db.Query(`
		SELECT correlation_id, kind, conversation_id, message_id, payload, expiry, status, error_message, created_at
		FROM pending_actions WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingAction
	for rows.Next() {
		var a PendingAction
		if err := rows.Scan(&a.CorrelationID, &a.Kind, &a.ConversationID, &a.MessageID,
			&a.Payload, &a.Expiry, &a.Status, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
