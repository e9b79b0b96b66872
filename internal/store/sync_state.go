package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Keys in sync_state.
const (
	KeyUnreadCheckpoint = "unread_conversations"
	KeyLastReconcile    = "last_reconcile_at"
)

// SetState upserts a sync_state value.
func (db *DB) SetState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetState returns a sync_state value and whether it exists.
func (db *DB) GetState(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SaveUnreadCheckpoint records the last reconciled set of unread conversations.
func (db *DB) SaveUnreadCheckpoint(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := db.SetState(KeyUnreadCheckpoint, string(data)); err != nil {
		return err
	}
	return db.SetState(KeyLastReconcile, time.Now().UTC().Format(time.RFC3339))
}

// LoadUnreadCheckpoint returns the last saved set, or nil if none.
func (db *DB) LoadUnreadCheckpoint() ([]string, error) {
	value, ok, err := db.GetState(KeyUnreadCheckpoint)
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(value), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
