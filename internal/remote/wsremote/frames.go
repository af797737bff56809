package wsremote

import (
	"encoding/json"

	"github.com/matheus3301/courier/internal/chat"
)

// Request frame types.
const (
	typeSend          = "send"
	typeUpdateMarker  = "update_marker"
	typeFetchPrevious = "fetch_previous"
	typeFetchNext     = "fetch_next"
	typeSyncSince     = "sync_since"
)

// Server frame types. Responses reuse the request id.
const (
	typeResult  = "result"
	typeMessage = "message"
	typeMarker  = "marker"
	typeAck     = "ack"
)

// codeRejected marks an error the server will keep returning on retry.
const codeRejected = "rejected"

type frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`

	Message *wireMessage `json:"message,omitempty"`
	Marker  *wireMarker  `json:"marker,omitempty"`
	Ack     *wireAck     `json:"ack,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireAttachment struct {
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type wireMessage struct {
	ID             string          `json:"id,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id,omitempty"`
	Body           *string         `json:"body,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Status         string          `json:"status,omitempty"`
	ArchiveID      *int64          `json:"archive_id,omitempty"`
	IsGroup        bool            `json:"is_group,omitempty"`
	Attachment     *wireAttachment `json:"attachment,omitempty"`
}

type wireMarker struct {
	SenderID       string `json:"sender_id"`
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Timestamp      int64  `json:"timestamp"`
	MessageID      string `json:"message_id,omitempty"`
}

type wireAck struct {
	ClientID       string `json:"client_id"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status,omitempty"`
}

type sendParams struct {
	Message  wireMessage `json:"message"`
	Thread   string      `json:"thread,omitempty"`
	Markable bool        `json:"markable"`
}

type sendResult struct {
	ID string `json:"id"`
}

type markerParams struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Kind           string `json:"kind"`
}

type pageParams struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Cursor         *int64 `json:"cursor,omitempty"`
	After          string `json:"after,omitempty"`
	Limit          int    `json:"limit"`
}

type pageResult struct {
	Items    []wireMessage `json:"items"`
	Complete bool          `json:"complete"`
}

func toWire(m *chat.Message) wireMessage {
	w := wireMessage{
		ID:             m.ExternalID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Timestamp:      m.Timestamp,
		IsGroup:        m.IsGroup,
	}
	if a := m.Attachment; a != nil {
		w.Attachment = &wireAttachment{Kind: string(a.Kind), URL: a.URL, MimeType: a.MimeType}
	}
	return w
}

// fromWire converts a server message. Unknown statuses decode as Sent,
// the floor for anything the server holds.
func fromWire(w *wireMessage, ownerID string) chat.Message {
	status, err := chat.ParseStatus(w.Status)
	if err != nil {
		status = chat.Sent
	}
	m := chat.Message{
		ExternalID:     w.ID,
		ClientID:       w.ClientID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		OwnerID:        ownerID,
		Body:           w.Body,
		Timestamp:      w.Timestamp,
		Status:         status,
		ArchiveID:      w.ArchiveID,
		IsGroup:        w.IsGroup,
	}
	if a := w.Attachment; a != nil {
		m.Attachment = &chat.Attachment{Kind: chat.AttachmentKind(a.Kind), URL: a.URL, MimeType: a.MimeType}
	}
	return m
}
