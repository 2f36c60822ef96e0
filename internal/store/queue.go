package store

import "time"

// EnqueueEntry persists a delivery-queue row. Re-enqueueing the same msgId
// is a no-op: the queue is idempotent on its id.
func (db *DB) EnqueueEntry(e *QueueEntry) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO queue (id, chat_id, envelope, retry_count, next_retry_at, created_at, last_attempt, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.ChatID, e.Envelope, e.RetryCount, e.NextRetryAt, e.CreatedAt, e.LastAttempt, e.Error)
	return err
}

// ReadyEntries returns every row due for dispatch (next_retry_at <= now),
// oldest first. The queue table is the single source of truth for what must
// still be sent.
func (db *DB) ReadyEntries(now int64) ([]QueueEntry, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, envelope, retry_count, next_retry_at, created_at, last_attempt, error
		FROM queue WHERE next_retry_at <= ? ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Envelope, &e.RetryCount, &e.NextRetryAt,
			&e.CreatedAt, &e.LastAttempt, &e.Error); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// QueueDepth returns the number of undelivered rows.
func (db *DB) QueueDepth() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&n)
	return n, err
}

// RecordAttempt marks a failed dispatch: bumps the retry count and schedules
// the next try. The row is never dropped on failure.
func (db *DB) RecordAttempt(id string, retryCount int, nextRetryAt int64, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE queue SET retry_count = ?, next_retry_at = ?, last_attempt = ?, error = ?
		WHERE id = ?`, retryCount, nextRetryAt, now, errMsg, id)
	return err
}

// DeleteEntry removes a row after a confirmed write ack.
func (db *DB) DeleteEntry(id string) error {
	_, err := db.Exec(`DELETE FROM queue WHERE id = ?`, id)
	return err
}
