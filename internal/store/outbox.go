package store

import "time"

// QueueOutbox adds a message to the send outbox. Queuing the same client ID
// twice is a no-op.
func (db *DB) QueueOutbox(clientID, conversationID, content, kind string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, conversation_id, content, kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_id) DO NOTHING`,
		clientID, conversationID, content, kind, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, error_message = '', updated_at = ? WHERE client_id = ?`, serverMsgID, now, clientID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_id = ?`, errMsg, now, clientID)
	return err
}

// RequeueOutbox moves an entry back to 'queued' so it is sent again.
func (db *DB) RequeueOutbox(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_id = ? AND status IN ('failed', 'sending')`, now, clientID)
	return err
}

// RecoverOutbox requeues entries left in 'sending' by a previous process.
// Returns the number of entries requeued.
func (db *DB) RecoverOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.queryOutbox(`WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
}

// UnsentOutbox returns entries not yet acknowledged by the server
// (queued, sending or failed) for one conversation.
func (db *DB) UnsentOutbox(conversationID string) ([]OutboxEntry, error) {
	return db.queryOutbox(`WHERE conversation_id = ? AND status != 'sent' ORDER BY created_at ASC, id ASC`, conversationID)
}

// GetOutbox returns a single entry, or nil if it does not exist.
func (db *DB) GetOutbox(clientID string) (*OutboxEntry, error) {
	entries, err := db.queryOutbox(`WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (db *DB) queryOutbox(where string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, conversation_id, content, kind, status, error_message, server_msg_id, attempts, created_at
		FROM outbox `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ConversationID, &e.Content, &e.Kind, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
