package store

import (
	"database/sql"
	"time"

	"github.com/ponzS/talkflow-core/internal/msg"
)

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_id).
func (db *DB) UpsertMessage(m *msg.LocalMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, sender, msg_type, text_plain, audio_plain, content,
			signature, hash, timestamp, duration, status, is_sending, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			status = excluded.status,
			is_sending = excluded.is_sending,
			text_plain = excluded.text_plain,
			audio_plain = excluded.audio_plain`,
		m.ChatID, m.MsgID, m.From, string(m.Type), m.Text, m.Audio, m.Content,
		m.Signature, m.Hash, m.Timestamp, m.Duration, string(m.Status), m.IsSending, m.Deleted, now)
	return err
}

// HasMessage reports whether a message is already recorded (including
// tombstoned rows, which still block re-ingestion).
func (db *DB) HasMessage(chatID, msgID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetMessage returns a single message, or nil when absent.
func (db *DB) GetMessage(chatID, msgID string) (*msg.LocalMessage, error) {
	row := db.QueryRow(`
		SELECT chat_id, msg_id, sender, msg_type, text_plain, audio_plain, content,
			signature, hash, timestamp, duration, status, is_sending, deleted
		FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMessages returns live messages for a chat using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]msg.LocalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT chat_id, msg_id, sender, msg_type, text_plain, audio_plain, content,
			signature, hash, timestamp, duration, status, is_sending, deleted
		FROM messages
		WHERE chat_id = ? AND timestamp < ? AND deleted = 0
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []msg.LocalMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// SetMessageStatus records a delivery-status transition.
func (db *DB) SetMessageStatus(chatID, msgID string, status msg.Status, isSending bool) error {
	_, err := db.Exec(`UPDATE messages SET status = ?, is_sending = ? WHERE chat_id = ? AND msg_id = ?`,
		string(status), isSending, chatID, msgID)
	return err
}

// HasSending reports whether any message in the chat is visibly in flight.
func (db *DB) HasSending(chatID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(1) FROM messages WHERE chat_id = ? AND is_sending = 1`, chatID).Scan(&n)
	return n > 0, err
}

// TombstoneMessage soft-deletes a message (retraction). A retracted
// message no longer counts as a send in flight.
func (db *DB) TombstoneMessage(chatID, msgID string) error {
	_, err := db.Exec(`UPDATE messages SET deleted = 1, is_sending = 0 WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*msg.LocalMessage, error) {
	var m msg.LocalMessage
	var typ, status string
	if err := r.Scan(&m.ChatID, &m.MsgID, &m.From, &typ, &m.Text, &m.Audio, &m.Content,
		&m.Signature, &m.Hash, &m.Timestamp, &m.Duration, &status, &m.IsSending, &m.Deleted); err != nil {
		return nil, err
	}
	m.Type = msg.Type(typ)
	m.Status = msg.Status(status)
	return &m, nil
}
