package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveInstanceStatus records the lifecycle status of an instance, creating it if needed.
func (db *DB) SaveInstanceStatus(id, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO instances (id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		id, status, now, now)
	return err
}

// GetInstance returns an instance row, or nil if none exists.
func (db *DB) GetInstance(id string) (*Instance, error) {
	var in Instance
	err := db.QueryRow(`SELECT id, status FROM instances WHERE id = ?`, id).Scan(&in.ID, &in.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ListInstances returns every persisted instance ordered by id.
func (db *DB) ListInstances() ([]Instance, error) {
	rows, err := db.Query(`SELECT id, status FROM instances ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Instance
	for rows.Next() {
		var in Instance
		if err := rows.Scan(&in.ID, &in.Status); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ensureInstance creates the instance row without touching an existing status.
func ensureInstance(tx *sql.Tx, id, status string, now int64) error {
	_, err := tx.Exec(`
		INSERT INTO instances (id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, status, now, now)
	return err
}
