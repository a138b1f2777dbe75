package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wpphub/internal/naming"
)

const chatColumns = `id, instance_id, COALESCE(name, ''), is_group, unread_count,
	COALESCE(last_message, ''), last_ts, tags, stage, COALESCE(owner_user_id, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (*Chat, error) {
	var (
		c    Chat
		tags string
	)
	if err := r.Scan(&c.ID, &c.InstanceID, &c.Name, &c.IsGroup, &c.UnreadCount,
		&c.LastMessage, &c.LastTs, &tags, &c.Stage, &c.OwnerUserID); err != nil {
		return nil, err
	}
	c.Tags = decodeTags(tags)
	return &c, nil
}

// UpsertChats writes a batch of sync snapshots in one transaction. Only churn
// fields are overwritten; a snapshot name replaces the stored one only when the
// stored name is missing or not displayable. Tags, stage and owner are never
// touched.
func (db *DB) UpsertChats(instanceID, status string, snaps []ChatSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureInstance(tx, instanceID, status, now); err != nil {
		return fmt.Errorf("ensure instance: %w", err)
	}

	lookup, err := tx.Prepare(`SELECT COALESCE(name, '') FROM chats WHERE id = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = lookup.Close() }()

	upsert, err := tx.Prepare(`
		INSERT INTO chats (id, instance_id, name, is_group, unread_count, last_message, last_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			instance_id = excluded.instance_id,
			name = excluded.name,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message = excluded.last_message,
			last_ts = excluded.last_ts,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer func() { _ = upsert.Close() }()

	for _, s := range snaps {
		if s.ID == "" {
			continue
		}
		var stored string
		err := lookup.QueryRow(s.ID).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read chat %s: %w", s.ID, err)
		}
		name := chooseName(s.ID, stored, s.Name)
		if _, err := upsert.Exec(s.ID, instanceID, nullIfEmpty(name), s.IsGroup, s.UnreadCount,
			nullIfEmpty(s.LastMessage), s.LastTs, now); err != nil {
			return fmt.Errorf("upsert chat %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// EnsureChat creates the instance and chat rows if they are missing, leaving
// existing rows untouched.
func (db *DB) EnsureChat(instanceID, status, chatID string, isGroup bool) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureInstance(tx, instanceID, status, now); err != nil {
		return fmt.Errorf("ensure instance: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO chats (id, instance_id, is_group, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, chatID, instanceID, isGroup, now); err != nil {
		return fmt.Errorf("ensure chat %s: %w", chatID, err)
	}
	return tx.Commit()
}

// chooseName keeps a displayable stored name, otherwise takes a displayable
// incoming one, otherwise leaves the column as it was.
func chooseName(chatID, stored, incoming string) string {
	if naming.IsDisplayable(stored, chatID) {
		return stored
	}
	if naming.IsDisplayable(incoming, chatID) {
		return incoming
	}
	return stored
}

// ChatMeta returns the user-owned fields of the given chats of one instance
// keyed by id. Chats missing from the store, or stored under another
// instance, are absent from the map.
func (db *DB) ChatMeta(instanceID string, ids []string) (map[string]ChatMeta, error) {
	out := make(map[string]ChatMeta, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	// SQLite caps bound parameters; query in chunks.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]
		args := make([]any, 0, len(part)+1)
		args = append(args, instanceID)
		for _, id := range part {
			args = append(args, id)
		}
		q := `SELECT id, COALESCE(name, ''), tags, stage, COALESCE(owner_user_id, '')
			FROM chats WHERE instance_id = ? AND id IN (?` + strings.Repeat(",?", len(part)-1) + `)`
		rows, err := db.Query(q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				m    ChatMeta
				tags string
			)
			if err := rows.Scan(&m.ID, &m.Name, &tags, &m.Stage, &m.OwnerUserID); err != nil {
				_ = rows.Close()
				return nil, err
			}
			m.Tags = decodeTags(tags)
			out[m.ID] = m
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return out, nil
}

// GetChat returns a single chat by id, or nil if it does not exist.
func (db *DB) GetChat(id string) (*Chat, error) {
	c, err := scanChat(db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListChats returns an instance's chats sorted by last message timestamp descending.
func (db *DB) ListChats(instanceID string, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`SELECT `+chatColumns+` FROM chats
		WHERE instance_id = ?
		ORDER BY last_ts DESC
		LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// UpdateChatTags replaces a chat's tags. When assignTo is non-empty and the
// chat has no owner yet, ownership is assigned in the same statement.
func (db *DB) UpdateChatTags(chatID string, tags []string, assignTo string) error {
	return db.updateOwned(`tags = ?`, encodeTags(tags), chatID, assignTo)
}

// UpdateChatStage sets a chat's stage, with the same ownership rule as UpdateChatTags.
func (db *DB) UpdateChatStage(chatID string, stage Stage, assignTo string) error {
	if _, ok := ParseStage(string(stage)); !ok {
		return fmt.Errorf("invalid stage %q", stage)
	}
	return db.updateOwned(`stage = ?`, string(stage), chatID, assignTo)
}

func (db *DB) updateOwned(set string, value any, chatID, assignTo string) error {
	res, err := db.Exec(`UPDATE chats SET `+set+`,
		owner_user_id = CASE WHEN owner_user_id IS NULL AND ? != '' THEN ? ELSE owner_user_id END,
		updated_at = ?
		WHERE id = ?`,
		value, assignTo, assignTo, time.Now().UnixMilli(), chatID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// AssignOwnerIfUnset sets the owner of a chat unless one is already set.
// It reports whether the owner was assigned by this call.
func (db *DB) AssignOwnerIfUnset(chatID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	res, err := db.Exec(`UPDATE chats SET owner_user_id = ?, updated_at = ?
		WHERE id = ? AND owner_user_id IS NULL`,
		userID, time.Now().UnixMilli(), chatID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetOwner overwrites the owner of a chat. An empty userID clears it.
func (db *DB) SetOwner(chatID, userID string) error {
	res, err := db.Exec(`UPDATE chats SET owner_user_id = ?, updated_at = ? WHERE id = ?`,
		nullIfEmpty(userID), time.Now().UnixMilli(), chatID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// SetChatName stores a repaired display name.
func (db *DB) SetChatName(chatID, name string) error {
	res, err := db.Exec(`UPDATE chats SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UnixMilli(), chatID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
