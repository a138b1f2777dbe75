package store

import (
	"strings"
)

// Totals holds whole-table counts.
type Totals struct {
	Chats    int
	Messages int
	Users    int
}

// CountTotals returns chat, message and user counts.
func (db *DB) CountTotals() (Totals, error) {
	var t Totals
	err := db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM chats),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM users)`).Scan(&t.Chats, &t.Messages, &t.Users)
	return t, err
}

// ChatsByStage counts chats per stage.
func (db *DB) ChatsByStage() (map[Stage]int, error) {
	rows, err := db.Query(`SELECT stage, COUNT(*) FROM chats WHERE stage IS NOT NULL GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Stage]int)
	for rows.Next() {
		var (
			s Stage
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// ChatsByOwner counts owned chats per owner user id.
func (db *DB) ChatsByOwner() (map[string]int, error) {
	rows, err := db.Query(`SELECT owner_user_id, COUNT(*) FROM chats
		WHERE owner_user_id IS NOT NULL GROUP BY owner_user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// CountChatsInStages counts chats whose stage is any of stages.
func (db *DB) CountChatsInStages(stages ...Stage) (int, error) {
	if len(stages) == 0 {
		return 0, nil
	}
	args := make([]any, len(stages))
	for i, s := range stages {
		args[i] = string(s)
	}
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM chats WHERE stage IN (?`+strings.Repeat(",?", len(stages)-1)+`)`, args...).Scan(&n)
	return n, err
}

// ResponseDeltas samples up to limit outbound messages sent at or after since
// (oldest first) and returns, for each, the seconds elapsed since the message
// immediately preceding it in the same chat. Messages that open a chat are skipped.
func (db *DB) ResponseDeltas(since int64, limit int) ([]int64, error) {
	rows, err := db.Query(`
		SELECT delta FROM (
			SELECT from_me, ts, id,
				ts - LAG(ts) OVER (PARTITION BY chat_id ORDER BY ts, id) AS delta
			FROM messages
		)
		WHERE from_me = 1 AND ts >= ? AND delta IS NOT NULL
		ORDER BY ts ASC, id ASC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
