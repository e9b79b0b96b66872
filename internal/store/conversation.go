package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

const previewLength = 120

// SaveConversations upserts conversation summaries in one transaction. The
// cache lets the daemon show the list before the first fetch completes.
func (db *DB) SaveConversations(convs []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO conversations (id, kind, title, group_id, participants, unread_count, last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			group_id = excluded.group_id,
			participants = excluded.participants,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, c := range convs {
		participants, err := json.Marshal(c.Participants)
		if err != nil {
			return fmt.Errorf("encode participants: %w", err)
		}
		var preview string
		if c.LastMessage != nil {
			preview = c.LastMessage.Preview(previewLength)
		}
		if _, err := stmt.Exec(c.ID, string(c.Kind), c.Title, c.GroupID, string(participants),
			c.UnreadCount, unixMilli(c.LastMessageAt), preview, unixMilli(c.CreatedAt), now); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// CachedConversations returns cached summaries, most recent first. The last
// message is reduced to its preview text.
func (db *DB) CachedConversations(limit int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT id, kind, title, group_id, participants, unread_count, last_message_at, last_message_preview, created_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Conversation
	for rows.Next() {
		var (
			c                        chat.Conversation
			kind, participants       string
			preview                  string
			lastMessageAt, createdAt int64
		)
		if err := rows.Scan(&c.ID, &kind, &c.Title, &c.GroupID, &participants, &c.UnreadCount, &lastMessageAt, &preview, &createdAt); err != nil {
			return nil, err
		}
		c.Kind = chat.ConversationKind(kind)
		_ = json.Unmarshal([]byte(participants), &c.Participants)
		c.LastMessageAt = fromUnixMilli(lastMessageAt)
		c.CreatedAt = fromUnixMilli(createdAt)
		if preview != "" {
			c.LastMessage = &chat.Message{ConversationID: c.ID, Content: preview, CreatedAt: c.LastMessageAt}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
