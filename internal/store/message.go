package store

import "fmt"

// LoadMessages returns the conversation log in insertion order, capped to
// the most recent MaxChatMessages entries.
func (db *DB) LoadMessages(chatID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, body, sender, timestamp, status FROM (
			SELECT seq, msg_id, body, sender, timestamp, status
			FROM messages
			WHERE chat_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`, chatID, MaxChatMessages)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Text, &m.Sender, &m.Timestamp, &m.Status); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendMessage adds m to the conversation log unless a message with the
// same ID is already stored, then truncates the log to MaxChatMessages.
// Reports whether a row was inserted.
func (db *DB) AppendMessage(chatID string, m Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO messages (chat_id, msg_id, body, sender, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO NOTHING`,
		chatID, m.ID, m.Text, m.Sender, m.Timestamp, m.Status)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(`
		DELETE FROM messages
		WHERE chat_id = ? AND seq <= (
			SELECT seq FROM messages WHERE chat_id = ?
			ORDER BY seq DESC LIMIT 1 OFFSET ?
		)`, chatID, chatID, MaxChatMessages); err != nil {
		return false, fmt.Errorf("truncate chat log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// UpdateMessageStatus sets the status of a stored message. Unknown ids are a no-op.
func (db *DB) UpdateMessageStatus(chatID, msgID string, status Status) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE chat_id = ? AND msg_id = ?`, status, chatID, msgID)
	return err
}

// MessageCount returns the number of stored messages across all conversations.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
