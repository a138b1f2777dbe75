package store

import "time"

// QueueOutbox records an outgoing message before it is handed to the driver.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, instance_id, chat_id, body, media_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.InstanceID, e.ChatID, e.Body, e.MediaType, now, now)
	if err != nil {
		return err
	}
	e.Status = "queued"
	e.ID, _ = res.LastInsertId()
	return nil
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message id.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}

// GetOutbox returns an outbox entry by client id, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, instance_id, chat_id, body, media_type, status, error_message, server_msg_id
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.InstanceID, &e.ChatID, &e.Body, &e.MediaType,
		&e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
		return nil, err
	}
	return &e, nil
}
