package sync

import (
	"context"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
)

// NotificationKind is the bus kind of background message notifications.
const NotificationKind = "notification.message"

// Notification is the payload of NotificationKind events.
type Notification struct {
	LocalID        int64
	ConversationID string
	SenderID       string
	Preview        string
}

// BusNotifier forwards notifications to the bus, where a presenter
// subscribed through the control API can show them.
type BusNotifier struct {
	Bus *bus.Bus
}

func (n BusNotifier) Notify(_ context.Context, m *chat.Message) {
	preview := m.BodyText()
	if r := []rune(preview); len(r) > 80 {
		preview = string(r[:80])
	}
	n.Bus.Emit(NotificationKind, Notification{
		LocalID:        m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Preview:        preview,
	})
}
