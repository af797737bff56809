package remote

import "github.com/matheus3301/courier/internal/chat"

// Event is an unsolicited server event. The set of implementations is
// closed: NewMessage, MarkerReceived and SendAcknowledged.
type Event interface {
	Conversation() string
	event()
}

// NewMessage carries a message the server stored, possibly an echo of one
// of our own sends (ClientID set).
type NewMessage struct {
	Message chat.Message
}

// MarkerReceived is a receipt from SenderID covering the owner's messages
// in a conversation up to AtOrBefore.
type MarkerReceived struct {
	SenderID       string
	ConversationID string
	Kind           chat.MarkerKind
	AtOrBefore     int64
	// ExternalID is the message the receipt points at, when the server names one.
	ExternalID string
}

// SendAcknowledged is an asynchronous server acknowledgment of a send.
type SendAcknowledged struct {
	ClientID       string
	ExternalID     string
	ConversationID string
	Status         chat.Status
}

func (e NewMessage) Conversation() string       { return e.Message.ConversationID }
func (e MarkerReceived) Conversation() string   { return e.ConversationID }
func (e SendAcknowledged) Conversation() string { return e.ConversationID }

func (NewMessage) event()       {}
func (MarkerReceived) event()   {}
func (SendAcknowledged) event() {}

// EventName returns a stable name for an event, for logs and metrics.
func EventName(e Event) string {
	switch e.(type) {
	case NewMessage:
		return "new_message"
	case MarkerReceived:
		return "marker_received"
	case SendAcknowledged:
		return "send_acknowledged"
	default:
		return "unknown"
	}
}

// AllEvents lists a zero value of every event type.
func AllEvents() []Event {
	return []Event{NewMessage{}, MarkerReceived{}, SendAcknowledged{}}
}
