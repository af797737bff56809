package wa

import (
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/remote"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// NormalizeJID strips the device part of a JID so history and live events
// agree on one chat id. Unparsable input is returned unchanged.
func NormalizeJID(jid string) string {
	if jid == "" {
		return ""
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return jid
	}
	return parsed.ToNonAD().String()
}

// liveMessage converts a live message event. owner is the signed-in
// account's JID; messages from it carry it as sender.
func liveMessage(evt *events.Message, owner string) chat.Message {
	sender := evt.Info.Sender.ToNonAD().String()
	if evt.Info.IsFromMe {
		sender = owner
	}
	ts := evt.Info.Timestamp.UnixMilli()
	m := chat.Message{
		ExternalID:     evt.Info.ID,
		ConversationID: evt.Info.Chat.ToNonAD().String(),
		SenderID:       sender,
		Timestamp:      ts,
		ArchiveID:      chat.Int64(ts),
		IsGroup:        evt.Info.IsGroup,
		Read:           evt.Info.IsFromMe,
	}
	fillContent(&m, evt.Message)
	return m
}

// historyMessages flattens a history sync blob. Entries without content
// are skipped.
func historyMessages(data *waHistorySync.HistorySync, owner string) []chat.Message {
	if data == nil {
		return nil
	}
	var out []chat.Message
	for _, conv := range data.GetConversations() {
		chatJID := NormalizeJID(conv.GetID())
		isGroup := isGroupJID(chatJID)
		for _, hm := range conv.GetMessages() {
			info := hm.GetMessage()
			if info == nil || info.GetMessage() == nil || info.GetKey().GetID() == "" {
				continue
			}
			key := info.GetKey()
			sender := chatJID
			switch {
			case key.GetFromMe():
				sender = owner
			case key.GetParticipant() != "":
				sender = NormalizeJID(key.GetParticipant())
			case info.GetParticipant() != "":
				sender = NormalizeJID(info.GetParticipant())
			}
			ts := int64(info.GetMessageTimestamp()) * 1000
			m := chat.Message{
				ExternalID:     key.GetID(),
				ConversationID: chatJID,
				SenderID:       sender,
				Timestamp:      ts,
				ArchiveID:      chat.Int64(ts),
				IsGroup:        isGroup,
				Status:         chat.Sent,
				// History predates this device; it is not unread here.
				Read: true,
			}
			fillContent(&m, info.GetMessage())
			out = append(out, m)
		}
	}
	return out
}

// receiptMarker converts a receipt. Only delivery and read receipts map to
// markers; the receipt points at the newest message it names.
func receiptMarker(evt *events.Receipt) (remote.MarkerReceived, bool) {
	var kind chat.MarkerKind
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		kind = chat.MarkerDelivered
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		kind = chat.MarkerSeen
	default:
		return remote.MarkerReceived{}, false
	}
	if len(evt.MessageIDs) == 0 {
		return remote.MarkerReceived{}, false
	}
	return remote.MarkerReceived{
		SenderID:       evt.Sender.ToNonAD().String(),
		ConversationID: evt.Chat.ToNonAD().String(),
		Kind:           kind,
		ExternalID:     evt.MessageIDs[len(evt.MessageIDs)-1],
	}, true
}

func isGroupJID(jid string) bool {
	parsed, err := types.ParseJID(jid)
	return err == nil && parsed.Server == types.GroupServer
}

func fillContent(m *chat.Message, msg *waE2E.Message) {
	if body := extractTextBody(msg); body != "" {
		m.Body = chat.String(body)
	}
	if kind := attachmentKind(msg); kind != "" {
		m.Attachment = &chat.Attachment{Kind: kind, MimeType: attachmentMime(msg)}
	}
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func attachmentKind(msg *waE2E.Message) chat.AttachmentKind {
	switch {
	case msg == nil:
		return ""
	case msg.GetImageMessage() != nil, msg.GetStickerMessage() != nil:
		return chat.AttachmentImage
	case msg.GetAudioMessage() != nil:
		return chat.AttachmentAudio
	case msg.GetDocumentMessage() != nil, msg.GetVideoMessage() != nil:
		return chat.AttachmentFile
	case msg.GetLocationMessage() != nil:
		return chat.AttachmentLocation
	default:
		return ""
	}
}

func attachmentMime(msg *waE2E.Message) string {
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetMimetype()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetMimetype()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetMimetype()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetMimetype()
	default:
		return ""
	}
}

// outgoing builds the protocol message for a send. An uploaded attachment
// travels as its URL after the body.
func outgoing(m *chat.Message) *waE2E.Message {
	text := m.BodyText()
	if m.Attachment != nil && m.Attachment.URL != "" {
		if text != "" {
			text += "\n"
		}
		text += m.Attachment.URL
	}
	return &waE2E.Message{Conversation: &text}
}
