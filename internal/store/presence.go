package store

import "database/sql"

// UpsertPresence applies a presence record last-writer-wins by
// last_seen_at: an older record never overwrites a newer one.
func (db *DB) UpsertPresence(p *PresenceRecord) error {
	_, err := db.Exec(`
		INSERT INTO presence (user_id, is_online, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_online = excluded.is_online,
			last_seen_at = excluded.last_seen_at
		WHERE excluded.last_seen_at >= presence.last_seen_at`,
		p.UserID, p.IsOnline, p.LastSeenAt)
	return err
}

// GetPresence returns the cached record for a user, or nil if unknown.
func (db *DB) GetPresence(userID string) (*PresenceRecord, error) {
	var p PresenceRecord
	err := db.QueryRow(`
		SELECT user_id, is_online, last_seen_at FROM presence WHERE user_id = ?`,
		userID).Scan(&p.UserID, &p.IsOnline, &p.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DemoteStalePresence flips is_online off for every record whose
// last_seen_at is older than the cutoff. Returns the demoted user ids so
// the caller can notify subscribers.
func (db *DB) DemoteStalePresence(cutoffMillis int64) ([]string, error) {
	rows, err := db.Query(`
		SELECT user_id FROM presence WHERE is_online = 1 AND last_seen_at < ?`, cutoffMillis)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = db.Exec(`UPDATE presence SET is_online = 0 WHERE is_online = 1 AND last_seen_at < ?`, cutoffMillis)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
