package store

import (
	"fmt"
	"time"
)

// InsertMessage stores a message unless one with the same id already exists.
// It reports whether a row was written.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO messages (id, instance_id, chat_id, body, from_me, sender, recipient, ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.InstanceID, m.ChatID, m.Body, m.FromMe, m.From, m.To, m.Ts, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertMessages stores a batch of messages in one transaction, skipping known ids.
func (db *DB) InsertMessages(msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, instance_id, chat_id, body, from_me, sender, recipient, ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	inserted := 0
	for _, m := range msgs {
		res, err := stmt.Exec(m.ID, m.InstanceID, m.ChatID, m.Body, m.FromMe, m.From, m.To, m.Ts, now)
		if err != nil {
			return 0, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// MessageExists reports whether a message id is already stored.
func (db *DB) MessageExists(id string) (bool, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns the latest limit messages of a chat in ascending time order.
func (db *DB) ListMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, instance_id, chat_id, COALESCE(body, ''), from_me,
			COALESCE(sender, ''), COALESCE(recipient, ''), ts
		FROM (
			SELECT * FROM messages WHERE chat_id = ? ORDER BY ts DESC LIMIT ?
		)
		ORDER BY ts ASC`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.ChatID, &m.Body, &m.FromMe, &m.From, &m.To, &m.Ts); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageStats summarizes the stored history of a chat. Timestamps are zero
// when the chat has no messages.
type MessageStats struct {
	Count   int
	FirstTs int64
	LastTs  int64
}

// ChatMessageStats returns count and time bounds of a chat's stored messages.
func (db *DB) ChatMessageStats(chatID string) (MessageStats, error) {
	var s MessageStats
	err := db.QueryRow(`SELECT COUNT(*), COALESCE(MIN(ts), 0), COALESCE(MAX(ts), 0)
		FROM messages WHERE chat_id = ?`, chatID).Scan(&s.Count, &s.FirstTs, &s.LastTs)
	return s, err
}
