package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matheus3301/courier/internal/chat"
)

// MarkerSweep selects the messages acknowledged by one receipt: the owner's
// own messages in a conversation up to a timestamp.
type MarkerSweep struct {
	SenderID       string // who sent the receipt
	Kind           chat.MarkerKind
	AtOrBefore     int64
	OwnerID        string
	ConversationID string
}

const sweepWhere = `owner_id = ? AND conversation_id = ? AND sender_id = owner_id
	AND timestamp <= ? AND status >= ? AND status < ? AND superseded_by IS NULL`

// ApplyMarker advances every eligible message to the marker's status and
// records a marker row per message, in one transaction. Only rows strictly
// below the target are selected, so a Delivered receipt never touches Seen
// messages. Returns the number of messages advanced.
func (db *DB) ApplyMarker(ctx context.Context, s MarkerSweep) (int64, error) {
	target := s.Kind.Target()
	if target <= chat.Sent {
		return 0, fmt.Errorf("apply marker: invalid kind %s", s.Kind)
	}
	args := []any{s.OwnerID, s.ConversationID, s.AtOrBefore, chat.Sent, target}

	var advanced int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO markers (user_id, message_id, kind, timestamp)
			SELECT ?, id, ?, ? FROM messages WHERE `+sweepWhere+`
			ON CONFLICT(user_id, message_id) DO UPDATE SET
				kind = excluded.kind,
				timestamp = excluded.timestamp
			WHERE excluded.kind > markers.kind`,
			append([]any{s.SenderID, s.Kind, s.AtOrBefore}, args...)...); err != nil {
			return fmt.Errorf("record markers: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE `+sweepWhere,
			append([]any{target}, args...)...)
		if err != nil {
			return fmt.Errorf("advance status: %w", err)
		}
		advanced, err = res.RowsAffected()
		return err
	})
	return advanced, err
}

// Markers returns the receipts recorded for a message.
func (db *DB) Markers(ctx context.Context, messageID int64) ([]chat.Marker, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, message_id, kind, timestamp FROM markers
		WHERE message_id = ? ORDER BY user_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var markers []chat.Marker
	for rows.Next() {
		var mk chat.Marker
		if err := rows.Scan(&mk.UserID, &mk.MessageID, &mk.Kind, &mk.Timestamp); err != nil {
			return nil, err
		}
		markers = append(markers, mk)
	}
	return markers, rows.Err()
}
