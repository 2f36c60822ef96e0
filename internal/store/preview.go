package store

import (
	"database/sql"
	"time"
)

// UpsertPreview inserts or updates a chat preview.
func (db *DB) UpsertPreview(p *ChatPreview) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chat_previews (pub, last_msg, last_time, hidden, has_new, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pub) DO UPDATE SET
			last_msg = excluded.last_msg,
			last_time = excluded.last_time,
			hidden = excluded.hidden,
			has_new = excluded.has_new,
			updated_at = excluded.updated_at`,
		p.Pub, p.LastMsg, p.LastTime, p.Hidden, p.HasNew, now)
	return err
}

// GetPreview returns the preview for one buddy chat, or nil.
func (db *DB) GetPreview(pub string) (*ChatPreview, error) {
	var p ChatPreview
	err := db.QueryRow(`
		SELECT pub, last_msg, last_time, hidden, has_new
		FROM chat_previews WHERE pub = ?`, pub).
		Scan(&p.Pub, &p.LastMsg, &p.LastTime, &p.Hidden, &p.HasNew)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPreviews returns visible chat previews, most recent first.
func (db *DB) ListPreviews() ([]ChatPreview, error) {
	rows, err := db.Query(`
		SELECT pub, last_msg, last_time, hidden, has_new
		FROM chat_previews WHERE hidden = 0 ORDER BY last_time DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var previews []ChatPreview
	for rows.Next() {
		var p ChatPreview
		if err := rows.Scan(&p.Pub, &p.LastMsg, &p.LastTime, &p.Hidden, &p.HasNew); err != nil {
			return nil, err
		}
		previews = append(previews, p)
	}
	return previews, rows.Err()
}

// DeletePreview removes a chat preview (chat deletion).
func (db *DB) DeletePreview(pub string) error {
	_, err := db.Exec(`DELETE FROM chat_previews WHERE pub = ?`, pub)
	return err
}

// SetCutoff records a chat's deletion cutoff: anything at or before this
// timestamp is ignored on ingestion.
func (db *DB) SetCutoff(chatID string, cutoff int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chat_deletions (chat_id, cutoff, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET cutoff = excluded.cutoff, updated_at = excluded.updated_at`,
		chatID, cutoff, now)
	return err
}

// GetCutoff returns a chat's deletion cutoff, defaulting to 0.
func (db *DB) GetCutoff(chatID string) (int64, error) {
	var cutoff int64
	err := db.QueryRow(`SELECT cutoff FROM chat_deletions WHERE chat_id = ?`, chatID).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cutoff, err
}
