// Package remote defines the contract between the engine and a conversation
// server. Backends live in subpackages.
package remote

import (
	"context"
	"errors"

	"github.com/matheus3301/courier/internal/chat"
)

// ErrLoggedOut is returned when the server revoked the account's
// credentials. Reconnecting will not help until the account is paired again.
var ErrLoggedOut = errors.New("logged out")

// Page is one batch of server messages.
type Page struct {
	Items []chat.Message
	// IsComplete reports that the server has nothing further in the requested direction.
	IsComplete bool
}

// Channel is a connection to the conversation server. Each method carries
// its own deadline through ctx; a deadline is a network failure.
//
// Errors are classified with chat.KindOf. Backends wrap chat.ErrRejected
// when the server refuses a request.
type Channel interface {
	// SendMessage submits a locally composed message and returns the id
	// the server assigned to it. The message's ClientID travels with it.
	SendMessage(ctx context.Context, msg *chat.Message, threadHint string, isMarkable bool) (externalID string, err error)
	// UpdateMarker tells the server the owner received or read target.
	UpdateMarker(ctx context.Context, target *chat.Message, kind chat.MarkerKind) error
	// FetchPreviousPage returns messages strictly older than oldestKnown.
	// A nil cursor starts from the live tail.
	FetchPreviousPage(ctx context.Context, conversationID string, oldestKnown *int64, pageSize int) (Page, error)
	// FetchNextPage returns messages strictly newer than newestKnown.
	FetchNextPage(ctx context.Context, conversationID string, newestKnown *int64, pageSize int) (Page, error)
	// SyncSince returns messages across all conversations newer than
	// lastKnown, oldest first. A nil lastKnown starts from the beginning.
	SyncSince(ctx context.Context, lastKnown *chat.Message, pageSize int) (Page, error)
	// InboundEvents streams unsolicited events for the current connection.
	// The channel closes when the connection ends; call again after
	// reconnecting. Order is kept within a conversation only.
	InboundEvents(ctx context.Context) (<-chan Event, error)
}
