package store

import (
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts an operator and returns it with a generated id.
func (db *DB) CreateUser(name, role string) (*User, error) {
	if role == "" {
		role = RoleEmployee
	}
	u := &User{ID: uuid.NewString(), Name: name, Role: role}
	_, err := db.Exec(`INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Role, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UserNames maps every user id to its display name.
func (db *DB) UserNames() (map[string]string, error) {
	rows, err := db.Query(`SELECT id, name FROM users`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

// UserCount returns the number of operators.
func (db *DB) UserCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
