package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Enqueue adds a message to the outbox with a zero retry counter.
// Idempotent on the message ID; reports whether a new entry was created.
// The oldest entries beyond MaxOutboxEntries are discarded.
func (db *DB) Enqueue(chatID string, m Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO outbox (msg_id, chat_id, body, sender, timestamp, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(msg_id) DO NOTHING`,
		m.ID, chatID, m.Text, m.Sender, m.Timestamp, m.Status, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := trimOutbox(tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

// DequeueAll returns a snapshot of the outbox in queue order. The entries
// stay stored until ReplaceOutbox commits the outcome of a retry pass.
func (db *DB) DequeueAll() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT chat_id, msg_id, body, sender, timestamp, status, retry_count
		FROM outbox ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ChatID, &e.Message.ID, &e.Message.Text, &e.Message.Sender,
			&e.Message.Timestamp, &e.Message.Status, &e.RetryCount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplaceOutbox persists the result of a retry pass over snapshot. Entries
// of snapshot missing from remaining are removed; entries in remaining keep
// their queue position with the updated retry counter. Entries enqueued
// after the snapshot was taken are not touched. The queue is then truncated
// from the front to MaxOutboxEntries and the number of discarded entries is
// returned.
func (db *DB) ReplaceOutbox(snapshot, remaining []OutboxEntry) (int, error) {
	keep := make(map[string]OutboxEntry, len(remaining))
	for _, e := range remaining {
		keep[e.Message.ID] = e
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range snapshot {
		if r, ok := keep[e.Message.ID]; ok {
			if _, err := tx.Exec(`UPDATE outbox SET retry_count = ?, status = ? WHERE msg_id = ?`,
				r.RetryCount, r.Message.Status, r.Message.ID); err != nil {
				return 0, fmt.Errorf("update outbox %q: %w", e.Message.ID, err)
			}
			continue
		}
		if _, err := tx.Exec(`DELETE FROM outbox WHERE msg_id = ?`, e.Message.ID); err != nil {
			return 0, fmt.Errorf("delete outbox %q: %w", e.Message.ID, err)
		}
	}

	dropped, err := trimOutbox(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(dropped), nil
}

// OutboxLen returns the number of pending outbox entries.
func (db *DB) OutboxLen() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

func trimOutbox(tx *sql.Tx) (int64, error) {
	res, err := tx.Exec(`
		DELETE FROM outbox WHERE seq <= (
			SELECT seq FROM outbox ORDER BY seq DESC LIMIT 1 OFFSET ?
		)`, MaxOutboxEntries)
	if err != nil {
		return 0, fmt.Errorf("truncate outbox: %w", err)
	}
	return res.RowsAffected()
}
