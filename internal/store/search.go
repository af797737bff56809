package store

import (
	"context"
	"strings"

	"github.com/matheus3301/courier/internal/chat"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMessages returns visible messages whose body contains query,
// newest first. An empty conversationID searches every conversation.
func (db *DB) SearchMessages(ctx context.Context, ownerID, query, conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE owner_id = ? AND superseded_by IS NULL AND body LIKE ? ESCAPE '\'`
	args := []any{ownerID, "%" + likeEscaper.Replace(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)
	return queryMessages(ctx, db, q, args...)
}
