package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/chat"
)

// ErrAlreadyBound is returned when a local row already carries a different external id.
var ErrAlreadyBound = errors.New("message already bound to another external id")

const messageColumns = `id, owner_id, conversation_id, COALESCE(external_id, ''), COALESCE(client_id, ''),
	sender_id, body, timestamp, status, is_read, archive_id, is_group,
	attachment_kind, attachment_local_ref, attachment_url, attachment_mime,
	send_attempts, next_attempt_at, last_error, superseded_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*chat.Message, error) {
	var (
		m                           chat.Message
		body                        sql.NullString
		archive, superseded         sql.NullInt64
		attKind, attRef, attURL, mt sql.NullString
	)
	if err := row.Scan(&m.ID, &m.OwnerID, &m.ConversationID, &m.ExternalID, &m.ClientID,
		&m.SenderID, &body, &m.Timestamp, &m.Status, &m.Read, &archive, &m.IsGroup,
		&attKind, &attRef, &attURL, &mt,
		&m.SendAttempts, &m.NextAttemptAt, &m.LastError, &superseded); err != nil {
		return nil, err
	}
	if body.Valid {
		m.Body = chat.String(body.String)
	}
	if archive.Valid {
		m.ArchiveID = chat.Int64(archive.Int64)
	}
	if superseded.Valid {
		m.SupersededBy = chat.Int64(superseded.Int64)
	}
	if attKind.Valid {
		m.Attachment = &chat.Attachment{
			Kind:     chat.AttachmentKind(attKind.String),
			LocalRef: attRef.String,
			URL:      attURL.String,
			MimeType: mt.String,
		}
	}
	return &m, nil
}

func queryMessages(ctx context.Context, q querier, query string, args ...any) ([]chat.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func getMessage(ctx context.Context, q querier, where string, args ...any) (*chat.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func insertMessage(ctx context.Context, q querier, m *chat.Message, status chat.Status, archive *int64) (int64, error) {
	var kind, ref, url, mime sql.NullString
	if a := m.Attachment; a != nil {
		kind = nullString(string(a.Kind))
		ref = nullString(a.LocalRef)
		url = nullString(a.URL)
		mime = nullString(a.MimeType)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO messages (owner_id, conversation_id, external_id, client_id, sender_id, body, timestamp,
			status, is_read, archive_id, is_group, attachment_kind, attachment_local_ref, attachment_url,
			attachment_mime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.OwnerID, m.ConversationID, nullString(m.ExternalID), nullString(m.ClientID), m.SenderID,
		nullStringPtr(m.Body), m.Timestamp, status, m.Read, nullInt64Ptr(archive), m.IsGroup,
		kind, ref, url, mime, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertLocal stores a freshly composed message as Pending and returns its
// local id. Composing twice with the same client id returns the first row.
func (db *DB) InsertLocal(ctx context.Context, m *chat.Message) (int64, error) {
	if m.ClientID == "" {
		return 0, fmt.Errorf("insert local: client id required")
	}
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getMessage(ctx, tx, `owner_id = ? AND client_id = ?`, m.OwnerID, m.ClientID)
		if err != nil {
			return fmt.Errorf("lookup client id: %w", err)
		}
		if existing != nil {
			id = existing.ID
			return nil
		}
		local := *m
		local.ExternalID = ""
		local.SenderID = m.OwnerID
		local.Read = true
		id, err = insertMessage(ctx, tx, &local, chat.Pending, nil)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	return id, err
}

// UpsertResult describes the effect of UpsertIncoming.
type UpsertResult struct {
	ID            int64
	Created       bool
	Status        chat.Status
	StatusChanged bool
	Action        chat.Action
}

// UpsertIncoming merges a message received from the server, matched by
// external id or, for an echo of our own send, by client id. The merge
// runs in one transaction. When the incoming body contradicts the stored
// row the merge is still committed and a *chat.ContentMismatchError is
// returned alongside the result.
func (db *DB) UpsertIncoming(ctx context.Context, m *chat.Message) (UpsertResult, error) {
	if m.ExternalID == "" {
		return UpsertResult{}, fmt.Errorf("upsert incoming: external id required")
	}
	var (
		res     UpsertResult
		anomaly bool
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMessage(ctx, tx, `owner_id = ? AND external_id = ?`, m.OwnerID, m.ExternalID)
		if err != nil {
			return fmt.Errorf("lookup external id: %w", err)
		}
		if cur == nil && m.ClientID != "" {
			cur, err = getMessage(ctx, tx, `owner_id = ? AND client_id = ? AND external_id IS NULL`, m.OwnerID, m.ClientID)
			if err != nil {
				return fmt.Errorf("lookup client id: %w", err)
			}
		}

		d := chat.Reconcile(cur, m)
		res.Action = d.Action
		res.Status = d.Status
		res.StatusChanged = d.StatusChanged
		anomaly = d.Anomaly

		switch d.Action {
		case chat.Insert:
			res.Created = true
			res.ID, err = insertMessage(ctx, tx, m, d.Status, d.ArchiveID)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		case chat.Bind:
			res.ID = cur.ID
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET external_id = ?, status = ?, archive_id = ?, last_error = ''
				WHERE id = ?`, m.ExternalID, d.Status, nullInt64Ptr(d.ArchiveID), cur.ID); err != nil {
				return fmt.Errorf("bind external id: %w", err)
			}
		case chat.Update:
			res.ID = cur.ID
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ?, archive_id = ? WHERE id = ?`,
				d.Status, nullInt64Ptr(d.ArchiveID), cur.ID); err != nil {
				return fmt.Errorf("update message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	if anomaly {
		return res, &chat.ContentMismatchError{LocalID: res.ID, ExternalID: m.ExternalID}
	}
	return res, nil
}

// UpsertLocalStatus raises the status of a local row. It is a no-op when
// the row is already at or above status. Error is set through MarkSendFailed.
func (db *DB) UpsertLocalStatus(ctx context.Context, id int64, status chat.Status) (bool, error) {
	if status == chat.Error || !status.Valid() {
		return false, fmt.Errorf("upsert local status: %s is not a ratchet target", status)
	}
	res, err := db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ? AND status < ?`, status, id, status)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		m, err := db.MessageByID(ctx, id)
		if err != nil {
			return false, err
		}
		if m == nil {
			return false, chat.ErrNotFound
		}
	}
	return n > 0, nil
}

// RecordExternalID binds the server id of a local message on its first
// acknowledgment and ratchets its status to ack. Binding the same pair
// again is a no-op. If externalID belongs to another row the call fails
// with *chat.DuplicateExternalIDError and nothing is written.
func (db *DB) RecordExternalID(ctx context.Context, id int64, externalID string, ack chat.Status) error {
	if externalID == "" {
		return fmt.Errorf("record external id: empty external id")
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMessage(ctx, tx, `id = ?`, id)
		if err != nil {
			return fmt.Errorf("lookup message: %w", err)
		}
		if m == nil {
			return chat.ErrNotFound
		}
		status := chat.Merge(m.Status, ack)

		switch m.ExternalID {
		case externalID:
			if status != m.Status {
				if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, status, id); err != nil {
					return fmt.Errorf("update status: %w", err)
				}
			}
			return nil
		case "":
		default:
			return fmt.Errorf("%w: message %d has %q, got %q", ErrAlreadyBound, id, m.ExternalID, externalID)
		}

		other, err := getMessage(ctx, tx, `owner_id = ? AND external_id = ?`, m.OwnerID, externalID)
		if err != nil {
			return fmt.Errorf("lookup external id: %w", err)
		}
		if other != nil {
			return &chat.DuplicateExternalIDError{ExternalID: externalID, LocalID: id, ExistingLocalID: other.ID}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET external_id = ?, status = ?, last_error = '', next_attempt_at = 0
			WHERE id = ?`, externalID, status, id); err != nil {
			return fmt.Errorf("bind external id: %w", err)
		}
		return nil
	})
}

// MarkSendFailed moves an unacknowledged message to Error and records the
// retry bookkeeping. It returns false when the server already has the
// message, in which case nothing changes.
func (db *DB) MarkSendFailed(ctx context.Context, id int64, errMsg string, attempts int, nextAttemptAt int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?, last_error = ?, send_attempts = ?, next_attempt_at = ?
		WHERE id = ? AND status < ?`,
		chat.Error, errMsg, attempts, nextAttemptAt, id, chat.Sent)
	if err != nil {
		return false, fmt.Errorf("mark send failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResetAttempts clears the retry counters of a failed message so the queue
// picks it up again.
func (db *DB) ResetAttempts(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET send_attempts = 0, next_attempt_at = 0
		WHERE id = ? AND status IN (?, ?) AND superseded_by IS NULL`, id, chat.Pending, chat.Error)
	if err != nil {
		return false, fmt.Errorf("reset attempts: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PendingSends returns the owner's unacknowledged messages that still need
// a send, oldest first.
func (db *DB) PendingSends(ctx context.Context, ownerID string) ([]chat.Message, error) {
	return queryMessages(ctx, db, `
		SELECT `+messageColumns+` FROM messages
		WHERE owner_id = ? AND status IN (?, ?) AND superseded_by IS NULL AND external_id IS NULL
		ORDER BY timestamp ASC, id ASC`, ownerID, chat.Pending, chat.Error)
}

// RecoverStaleSends moves Sending rows without a live claim back to Error.
// Those are sends interrupted by a crash.
func (db *DB) RecoverStaleSends(ctx context.Context, ownerID string, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?, last_error = 'interrupted'
		WHERE owner_id = ? AND status = ? AND superseded_by IS NULL
		AND NOT EXISTS (SELECT 1 FROM send_claims c WHERE c.message_id = messages.id AND c.expires_at > ?)`,
		chat.Error, ownerID, chat.Sending, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("recover stale sends: %w", err)
	}
	return res.RowsAffected()
}

// SetAttachmentURL records the uploaded location of a message's attachment.
func (db *DB) SetAttachmentURL(ctx context.Context, id int64, url string) error {
	res, err := db.ExecContext(ctx, `UPDATE messages SET attachment_url = ? WHERE id = ? AND attachment_kind IS NOT NULL`, url, id)
	if err != nil {
		return fmt.Errorf("set attachment url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// Supersede retires an unbound local row whose send turned out to duplicate
// canonicalID. The row stays on disk but leaves every read path.
func (db *DB) Supersede(ctx context.Context, id, canonicalID int64) error {
	if id == canonicalID {
		return fmt.Errorf("supersede: message %d cannot supersede itself", id)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET superseded_by = ?, last_error = ''
		WHERE id = ? AND external_id IS NULL`, canonicalID, id)
	if err != nil {
		return fmt.Errorf("supersede: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// MessageByID returns a message by local id, or nil.
func (db *DB) MessageByID(ctx context.Context, id int64) (*chat.Message, error) {
	return getMessage(ctx, db, `id = ?`, id)
}

// MessageByClientID returns the owner's message composed with clientID, or nil.
func (db *DB) MessageByClientID(ctx context.Context, ownerID, clientID string) (*chat.Message, error) {
	return getMessage(ctx, db, `owner_id = ? AND client_id = ?`, ownerID, clientID)
}

// MessageByExternalID returns the owner's message bound to externalID, or nil.
func (db *DB) MessageByExternalID(ctx context.Context, ownerID, externalID string) (*chat.Message, error) {
	return getMessage(ctx, db, `owner_id = ? AND external_id = ?`, ownerID, externalID)
}

// MostRecent returns the newest visible message of a conversation, or nil.
func (db *DB) MostRecent(ctx context.Context, conversationID, ownerID string) (*chat.Message, error) {
	return getMessage(ctx, db, `owner_id = ? AND conversation_id = ? AND superseded_by IS NULL
		ORDER BY timestamp DESC, id DESC LIMIT 1`, ownerID, conversationID)
}

// MostRecentForOwner returns the newest message the server knows about
// across all conversations. It is the catch-up cursor.
func (db *DB) MostRecentForOwner(ctx context.Context, ownerID string) (*chat.Message, error) {
	return getMessage(ctx, db, `owner_id = ? AND external_id IS NOT NULL
		ORDER BY archive_id IS NULL, archive_id DESC, timestamp DESC, id DESC LIMIT 1`, ownerID)
}

// Page returns up to limit messages of a conversation, newest first. With a
// nil cursor the page starts at the live tail, where unsynced local rows
// sort ahead of archived ones; otherwise it holds rows with an archive id
// strictly below beforeArchiveID.
func (db *DB) Page(ctx context.Context, conversationID, ownerID string, beforeArchiveID *int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeArchiveID == nil {
		return queryMessages(ctx, db, `
			SELECT `+messageColumns+` FROM messages
			WHERE owner_id = ? AND conversation_id = ? AND superseded_by IS NULL
			ORDER BY archive_id IS NULL DESC, archive_id DESC, id DESC
			LIMIT ?`, ownerID, conversationID, limit)
	}
	return queryMessages(ctx, db, `
		SELECT `+messageColumns+` FROM messages
		WHERE owner_id = ? AND conversation_id = ? AND superseded_by IS NULL AND archive_id < ?
		ORDER BY archive_id DESC
		LIMIT ?`, ownerID, conversationID, *beforeArchiveID, limit)
}

// ArchiveBounds returns the oldest and newest archive ids stored for a
// conversation. Both are nil when nothing is archived yet.
func (db *DB) ArchiveBounds(ctx context.Context, conversationID, ownerID string) (oldest, newest *int64, err error) {
	var lo, hi sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT MIN(archive_id), MAX(archive_id) FROM messages
		WHERE owner_id = ? AND conversation_id = ? AND archive_id IS NOT NULL`,
		ownerID, conversationID).Scan(&lo, &hi)
	if err != nil {
		return nil, nil, fmt.Errorf("archive bounds: %w", err)
	}
	if lo.Valid {
		oldest = chat.Int64(lo.Int64)
	}
	if hi.Valid {
		newest = chat.Int64(hi.Int64)
	}
	return oldest, newest, nil
}

// MessageCount returns the number of visible messages of an owner.
func (db *DB) MessageCount(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE owner_id = ? AND superseded_by IS NULL`, ownerID).Scan(&count)
	return count, err
}
