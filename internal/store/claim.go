package store

import (
	"context"
	"fmt"
	"time"
)

// ClaimSend takes the exclusive right to send a message for ttl. It fails
// (false, nil) while another holder's claim is unexpired. Expired claims
// are taken over, so a crashed holder does not block the message forever.
func (db *DB) ClaimSend(ctx context.Context, messageID int64, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO send_claims (message_id, holder, claimed_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			holder = excluded.holder,
			claimed_at = excluded.claimed_at,
			expires_at = excluded.expires_at
		WHERE send_claims.expires_at <= excluded.claimed_at`,
		messageID, holder, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim send %d: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseSend drops a claim, if holder still owns it.
func (db *DB) ReleaseSend(ctx context.Context, messageID int64, holder string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM send_claims WHERE message_id = ? AND holder = ?`, messageID, holder); err != nil {
		return fmt.Errorf("release send %d: %w", messageID, err)
	}
	return nil
}
