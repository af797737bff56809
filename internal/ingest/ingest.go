// Package ingest applies server messages to the store and keeps the
// conversation summaries and change notifications in step.
package ingest

import (
	"context"
	"errors"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
)

// Ingester merges server messages for one owner.
type Ingester struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	owner  string
}

// New returns an ingester for ownerID.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, ownerID string) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{db: db, bus: b, logger: logger.Named("ingest"), owner: ownerID}
}

// Owner returns the owner id stamped on every merged message.
func (in *Ingester) Owner() string { return in.owner }

// Apply merges m. countUnread makes a newly inserted message from someone
// else count towards the conversation's unread badge. A content mismatch
// is logged and the merge result returned without error; storage failures
// are returned classified.
func (in *Ingester) Apply(ctx context.Context, m chat.Message, countUnread bool) (store.UpsertResult, *chat.Message, error) {
	m.OwnerID = in.owner
	res, err := in.db.UpsertIncoming(ctx, &m)
	var mismatch *chat.ContentMismatchError
	switch {
	case errors.As(err, &mismatch):
		in.logger.Warn("incoming message contradicts stored content",
			zap.Int64("local_id", mismatch.LocalID),
			zap.String("external_id", mismatch.ExternalID),
			zap.String("conversation_id", m.ConversationID),
			zap.String("error_kind", chat.Anomaly.String()))
	case err != nil:
		return res, nil, chat.Storage("upsert incoming", err)
	}

	stored, err := in.db.MessageByID(ctx, res.ID)
	if err != nil {
		return res, nil, chat.Storage("reload message", err)
	}
	if stored == nil {
		return res, nil, chat.Storage("reload message", chat.ErrNotFound)
	}

	switch {
	case res.Created || res.Action == chat.Bind:
		if err := in.db.TouchConversation(ctx, store.ConversationTouch{
			OwnerID:        in.owner,
			ConversationID: stored.ConversationID,
			IsGroup:        stored.IsGroup,
			Message:        stored,
			CountUnread:    countUnread && res.Created && !stored.FromOwner() && !stored.Read,
		}); err != nil {
			return res, stored, chat.Storage("touch conversation", err)
		}
	case res.StatusChanged:
		if err := in.db.RefreshConversationStatus(ctx, in.owner, stored.ConversationID); err != nil {
			return res, stored, chat.Storage("refresh conversation", err)
		}
	}

	if res.StatusChanged && !res.Created {
		in.bus.Emit(bus.MessageStatus(stored.ID), bus.StatusChange{
			LocalID:        stored.ID,
			ConversationID: stored.ConversationID,
			Status:         stored.Status.String(),
		})
	}
	if res.Created || res.StatusChanged || res.Action == chat.Bind {
		in.bus.Emit(bus.ConversationUpdated(stored.ConversationID), nil)
	}
	return res, stored, nil
}
