package bus

import (
	"strconv"
	"time"
)

// Event is a change notification. Kind encodes the entity key, so a
// subscriber can watch a single conversation or message by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces.
const (
	Conversation = "conversation."
	Message      = "message."
	Connection   = "connection."
	Sync         = "sync."
)

// ConversationKey is the prefix of every event about one conversation.
func ConversationKey(conversationID string) string {
	return Conversation + conversationID + "."
}

// MessageKey is the prefix of every event about one local message.
func MessageKey(localID int64) string {
	return Message + strconv.FormatInt(localID, 10) + "."
}

// ConversationUpdated is published when a summary or its messages change.
func ConversationUpdated(conversationID string) string {
	return ConversationKey(conversationID) + "updated"
}

// MessageStatus is published when a message's status moves up the ladder.
func MessageStatus(localID int64) string {
	return MessageKey(localID) + "status"
}

// MessageFailed is published when a send attempt ends in Error.
func MessageFailed(localID int64) string {
	return MessageKey(localID) + "failed"
}

// StatusChange is the payload of MessageStatus events.
type StatusChange struct {
	LocalID        int64
	ConversationID string
	Status         string
}

// SendFailure is the payload of MessageFailed events.
type SendFailure struct {
	LocalID   int64
	ErrorKind string
	Error     string
	Exhausted bool
}
