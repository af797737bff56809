package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/courier/internal/chat"
)

// ConversationTouch describes a message that landed in a conversation.
type ConversationTouch struct {
	OwnerID        string
	ConversationID string
	IsGroup        bool
	Message        *chat.Message
	// CountUnread increments the unread counter.
	CountUnread bool
}

// TouchConversation updates the summary after a message was stored. The
// last-message snapshot only moves forward in time.
func (db *DB) TouchConversation(ctx context.Context, t ConversationTouch) error {
	unread := 0
	if t.CountUnread {
		unread = 1
	}
	m := t.Message
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (owner_id, conversation_id, last_message_id, last_message_body,
			last_message_at, last_message_status, unread_count, is_group, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id) DO UPDATE SET
			last_message_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_id ELSE conversations.last_message_id END,
			last_message_body = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_body ELSE conversations.last_message_body END,
			last_message_status = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_status ELSE conversations.last_message_status END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			unread_count = conversations.unread_count + excluded.unread_count,
			is_group = excluded.is_group OR conversations.is_group,
			updated_at = excluded.updated_at`,
		t.OwnerID, t.ConversationID, m.ID, truncate(m.BodyText(), 100), m.Timestamp, m.Status,
		unread, t.IsGroup, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// RefreshConversationStatus copies the current status of the last message
// into the summary.
func (db *DB) RefreshConversationStatus(ctx context.Context, ownerID, conversationID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_status = COALESCE((SELECT status FROM messages WHERE id = conversations.last_message_id), last_message_status),
			updated_at = ?
		WHERE owner_id = ? AND conversation_id = ?`,
		time.Now().UnixMilli(), ownerID, conversationID)
	if err != nil {
		return fmt.Errorf("refresh conversation status: %w", err)
	}
	return nil
}

// MarkConversationRead clears the unread counter, flags inbound messages as
// read and returns the newest inbound message, which is the one a read
// receipt should point at. The message is nil when nobody else wrote yet.
func (db *DB) MarkConversationRead(ctx context.Context, ownerID, conversationID string) (*chat.Message, error) {
	var newest *chat.Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_read = 1
			WHERE owner_id = ? AND conversation_id = ? AND sender_id != owner_id AND is_read = 0`,
			ownerID, conversationID); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET unread_count = 0, updated_at = ?
			WHERE owner_id = ? AND conversation_id = ?`,
			time.Now().UnixMilli(), ownerID, conversationID); err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
		var err error
		newest, err = getMessage(ctx, tx, `owner_id = ? AND conversation_id = ? AND sender_id != owner_id
			AND external_id IS NOT NULL ORDER BY timestamp DESC, id DESC LIMIT 1`, ownerID, conversationID)
		return err
	})
	return newest, err
}

const summaryColumns = `conversation_id, owner_id, last_message_id, last_message_body, last_message_at,
	last_message_status, unread_count, is_group`

func scanSummary(row scanner) (*chat.Summary, error) {
	var s chat.Summary
	if err := row.Scan(&s.ConversationID, &s.OwnerID, &s.LastMessageID, &s.LastMessageBody,
		&s.LastMessageAt, &s.LastMessageStatus, &s.UnreadCount, &s.IsGroup); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetConversation returns a single summary, or nil.
func (db *DB) GetConversation(ctx context.Context, ownerID, conversationID string) (*chat.Summary, error) {
	s, err := scanSummary(db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM conversations
		WHERE owner_id = ? AND conversation_id = ?`, ownerID, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListConversations returns summaries sorted by last message timestamp descending.
func (db *DB) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]chat.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT `+summaryColumns+` FROM conversations
		WHERE owner_id = ?
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ConversationCount returns the number of conversations of an owner.
func (db *DB) ConversationCount(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE owner_id = ?`, ownerID).Scan(&count)
	return count, err
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
