package store

import (
	"database/sql"
	"time"
)

// UpsertBuddy records a contact. Existing key state is preserved.
func (db *DB) UpsertBuddy(pub string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO buddies (pub, added_at) VALUES (?, ?)
		ON CONFLICT(pub) DO NOTHING`, pub, now)
	return err
}

// GetBuddy returns a contact, or nil when unknown.
func (db *DB) GetBuddy(pub string) (*Buddy, error) {
	var b Buddy
	var source string
	err := db.QueryRow(`
		SELECT pub, epub, epub_source, verification_time, sync_retry_count, added_at
		FROM buddies WHERE pub = ?`, pub).
		Scan(&b.Pub, &b.Epub, &source, &b.VerificationTime, &b.SyncRetryCount, &b.AddedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.EpubSource = EpubSource(source)
	return &b, nil
}

// ListBuddies returns all contacts.
func (db *DB) ListBuddies() ([]Buddy, error) {
	rows, err := db.Query(`
		SELECT pub, epub, epub_source, verification_time, sync_retry_count, added_at
		FROM buddies ORDER BY added_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var buddies []Buddy
	for rows.Next() {
		var b Buddy
		var source string
		if err := rows.Scan(&b.Pub, &b.Epub, &source, &b.VerificationTime, &b.SyncRetryCount, &b.AddedAt); err != nil {
			return nil, err
		}
		b.EpubSource = EpubSource(source)
		buddies = append(buddies, b)
	}
	return buddies, rows.Err()
}

// UnverifiedBuddies returns contacts still lacking an encryption key, oldest
// first, feeding the self-healing loop.
func (db *DB) UnverifiedBuddies() ([]Buddy, error) {
	rows, err := db.Query(`
		SELECT pub, epub, epub_source, verification_time, sync_retry_count, added_at
		FROM buddies WHERE epub = '' ORDER BY added_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var buddies []Buddy
	for rows.Next() {
		var b Buddy
		var source string
		if err := rows.Scan(&b.Pub, &b.Epub, &source, &b.VerificationTime, &b.SyncRetryCount, &b.AddedAt); err != nil {
			return nil, err
		}
		b.EpubSource = EpubSource(source)
		buddies = append(buddies, b)
	}
	return buddies, rows.Err()
}

// SetBuddyEpub records a verified encryption key and resets the retry
// counter.
func (db *DB) SetBuddyEpub(pub, epub string, source EpubSource) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE buddies SET epub = ?, epub_source = ?, verification_time = ?, sync_retry_count = 0
		WHERE pub = ?`, epub, string(source), now, pub)
	return err
}

// BumpBuddyRetry increments the self-healing retry counter and returns the
// new value.
func (db *DB) BumpBuddyRetry(pub string) (int, error) {
	_, err := db.Exec(`UPDATE buddies SET sync_retry_count = sync_retry_count + 1 WHERE pub = ?`, pub)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRow(`SELECT sync_retry_count FROM buddies WHERE pub = ?`, pub).Scan(&n)
	return n, err
}

// RemoveBuddy deletes a contact (unfriend).
func (db *DB) RemoveBuddy(pub string) error {
	_, err := db.Exec(`DELETE FROM buddies WHERE pub = ?`, pub)
	return err
}
