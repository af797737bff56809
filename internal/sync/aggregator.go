package sync

import (
	"context"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
)

// Aggregator turns one receipt into a bounded sweep over the owner's
// messages in a conversation.
type Aggregator struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(db *store.DB, b *bus.Bus, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{db: db, bus: b, logger: logger.Named("markers")}
}

// ApplyMarker advances every message owner sent in conversationID at or
// before atOrBefore whose status is in [Sent, target of kind), and records
// a marker from sender for each. It returns the number advanced.
func (a *Aggregator) ApplyMarker(ctx context.Context, sender string, kind chat.MarkerKind, atOrBefore int64, owner, conversationID string) (int64, error) {
	n, err := a.db.ApplyMarker(ctx, store.MarkerSweep{
		SenderID:       sender,
		Kind:           kind,
		AtOrBefore:     atOrBefore,
		OwnerID:        owner,
		ConversationID: conversationID,
	})
	if err != nil {
		return 0, chat.Storage("apply marker", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := a.db.RefreshConversationStatus(ctx, owner, conversationID); err != nil {
		return n, chat.Storage("refresh conversation", err)
	}
	a.logger.Debug("marker applied",
		zap.String("conversation_id", conversationID),
		zap.String("sender", sender),
		zap.Stringer("kind", kind),
		zap.Int64("advanced", n))
	a.bus.Emit(bus.ConversationUpdated(conversationID), MarkerSwept{
		ConversationID: conversationID,
		Kind:           kind,
		AtOrBefore:     atOrBefore,
		Advanced:       n,
	})
	return n, nil
}

// MarkerSwept is the payload of the conversation event published after a sweep.
type MarkerSwept struct {
	ConversationID string
	Kind           chat.MarkerKind
	AtOrBefore     int64
	Advanced       int64
}
