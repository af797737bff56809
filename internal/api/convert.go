package api

import (
	"encoding/json"
	"math"

	"github.com/matheus3301/courier/internal/chat"
	"google.golang.org/protobuf/types/known/structpb"
)

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func boolean(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

// integer reads a number field. ok is false when the field is absent.
func integer(req *structpb.Struct, key string) (v int64, ok bool) {
	f, present := req.GetFields()[key]
	if !present {
		return 0, false
	}
	n, isNum := f.GetKind().(*structpb.Value_NumberValue)
	if !isNum || math.IsNaN(n.NumberValue) {
		return 0, false
	}
	return int64(n.NumberValue), true
}

func messageFields(m *chat.Message) map[string]any {
	out := map[string]any{
		"local_id":        float64(m.ID),
		"client_id":       m.ClientID,
		"external_id":     m.ExternalID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"timestamp":       float64(m.Timestamp),
		"status":          m.Status.String(),
		"read":            m.Read,
		"is_group":        m.IsGroup,
		"from_owner":      m.FromOwner(),
	}
	if m.Body != nil {
		out["body"] = *m.Body
	}
	if m.ArchiveID != nil {
		out["archive_id"] = float64(*m.ArchiveID)
	}
	if m.Attachment != nil {
		out["attachment"] = map[string]any{
			"kind":      string(m.Attachment.Kind),
			"url":       m.Attachment.URL,
			"local_ref": m.Attachment.LocalRef,
			"mime_type": m.Attachment.MimeType,
		}
	}
	if m.LastError != "" {
		out["last_error"] = m.LastError
		out["send_attempts"] = float64(m.SendAttempts)
	}
	return out
}

func summaryFields(s *chat.Summary) map[string]any {
	return map[string]any{
		"conversation_id":     s.ConversationID,
		"last_message_id":     float64(s.LastMessageID),
		"last_message_body":   s.LastMessageBody,
		"last_message_at":     float64(s.LastMessageAt),
		"last_message_status": s.LastMessageStatus.String(),
		"unread_count":        float64(s.UnreadCount),
		"is_group":            s.IsGroup,
	}
}

func messageList(msgs []chat.Message) []any {
	out := make([]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageFields(&msgs[i]))
	}
	return out
}

// payloadValue converts an arbitrary bus payload into a struct value by
// way of its JSON form.
func payloadValue(payload any) (*structpb.Value, error) {
	if payload == nil {
		return structpb.NewNullValue(), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}
