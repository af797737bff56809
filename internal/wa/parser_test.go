package wa

import (
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

const me = "5511999990000@s.whatsapp.net"

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}}, "look"},
		{"image without caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractTextBody(tt.msg))
		})
	}
}

func TestAttachmentKind(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want chat.AttachmentKind
	}{
		{"nil", nil, ""},
		{"text", &waE2E.Message{Conversation: proto.String("hi")}, ""},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, chat.AttachmentImage},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, chat.AttachmentImage},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, chat.AttachmentAudio},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, chat.AttachmentFile},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, chat.AttachmentFile},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, chat.AttachmentLocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attachmentKind(tt.msg))
		})
	}
}

func TestNormalizeJID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"558592403672@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"558592403672:5@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"120363123456@g.us", "120363123456@g.us"},
		{"", ""},
		{"3917077286968@lid", "3917077286968@lid"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeJID(tt.input))
		})
	}
}

func TestLiveMessage(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "558592403672", Server: types.DefaultUserServer, Device: 1},
				Sender: types.JID{User: "558592403672", Server: types.DefaultUserServer, Device: 3},
			},
			ID: "MSG123",
		},
		Message: &waE2E.Message{Conversation: proto.String("hello world")},
	}

	m := liveMessage(evt, me)
	assert.Equal(t, "MSG123", m.ExternalID)
	assert.Equal(t, "558592403672@s.whatsapp.net", m.ConversationID)
	assert.Equal(t, "558592403672@s.whatsapp.net", m.SenderID, "device suffix not stripped")
	assert.Equal(t, "hello world", m.BodyText())
	assert.Equal(t, ts.UnixMilli(), m.Timestamp)
	require.NotNil(t, m.ArchiveID)
	assert.Equal(t, ts.UnixMilli(), *m.ArchiveID)
	assert.False(t, m.Read, "inbound message marked read")
}

func TestLiveMessageFromMe(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:     types.JID{User: "120363", Server: types.GroupServer},
				Sender:   types.JID{User: "5511999990000", Server: types.DefaultUserServer, Device: 2},
				IsFromMe: true,
				IsGroup:  true,
			},
			ID: "OWN1",
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")}},
	}
	m := liveMessage(evt, me)
	assert.Equal(t, me, m.SenderID)
	assert.True(t, m.Read)
	assert.True(t, m.IsGroup)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, chat.AttachmentImage, m.Attachment.Kind)
	assert.Equal(t, "image/jpeg", m.Attachment.MimeType)
	assert.Nil(t, m.Body)
}

func TestHistoryMessages(t *testing.T) {
	ts := uint64(1700000000)
	data := &waHistorySync.HistorySync{
		Conversations: []*waHistorySync.Conversation{
			{
				ID: proto.String("120363@g.us"),
				Messages: []*waHistorySync.HistorySyncMsg{
					{Message: &waWeb.WebMessageInfo{
						Key:              &waCommon.MessageKey{ID: proto.String("h1"), Participant: proto.String("5511888:4@s.whatsapp.net")},
						MessageTimestamp: &ts,
						Message:          &waE2E.Message{Conversation: proto.String("group hello")},
					}},
					{Message: &waWeb.WebMessageInfo{
						Key:              &waCommon.MessageKey{ID: proto.String("h2"), FromMe: proto.Bool(true)},
						MessageTimestamp: &ts,
						Message:          &waE2E.Message{Conversation: proto.String("mine")},
					}},
					{Message: &waWeb.WebMessageInfo{Key: &waCommon.MessageKey{ID: proto.String("empty")}}},
				},
			},
			{
				ID: proto.String("5511777@s.whatsapp.net"),
				Messages: []*waHistorySync.HistorySyncMsg{
					{Message: &waWeb.WebMessageInfo{
						Key:              &waCommon.MessageKey{ID: proto.String("d1")},
						MessageTimestamp: &ts,
						Message:          &waE2E.Message{Conversation: proto.String("direct")},
					}},
				},
			},
		},
	}

	msgs := historyMessages(data, me)
	require.Len(t, msgs, 3, "empty entry skipped")
	assert.Equal(t, "5511888@s.whatsapp.net", msgs[0].SenderID)
	assert.True(t, msgs[0].IsGroup)
	assert.Equal(t, me, msgs[1].SenderID, "own history sender")
	assert.Equal(t, "5511777@s.whatsapp.net", msgs[2].SenderID)
	assert.False(t, msgs[2].IsGroup)
	for _, m := range msgs {
		assert.True(t, m.Read, m.ExternalID)
		assert.Equal(t, chat.Sent, m.Status, m.ExternalID)
		assert.Equal(t, int64(ts)*1000, m.Timestamp, m.ExternalID)
	}
	assert.Nil(t, historyMessages(nil, me), "nil data should yield no messages")
}

func TestReceiptMarker(t *testing.T) {
	src := types.MessageSource{
		Chat:   types.JID{User: "5511777", Server: types.DefaultUserServer},
		Sender: types.JID{User: "5511777", Server: types.DefaultUserServer, Device: 1},
	}
	tests := []struct {
		name     string
		typ      types.ReceiptType
		ids      []types.MessageID
		wantOK   bool
		wantKind chat.MarkerKind
	}{
		{"delivered", types.ReceiptTypeDelivered, []types.MessageID{"a", "b"}, true, chat.MarkerDelivered},
		{"read", types.ReceiptTypeRead, []types.MessageID{"a"}, true, chat.MarkerSeen},
		{"played", types.ReceiptTypePlayed, []types.MessageID{"a"}, true, chat.MarkerSeen},
		{"read self", types.ReceiptTypeReadSelf, []types.MessageID{"a"}, false, 0},
		{"no ids", types.ReceiptTypeRead, nil, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := receiptMarker(&events.Receipt{MessageSource: src, MessageIDs: tt.ids, Type: tt.typ, Timestamp: time.Now()})
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantKind, m.Kind)
			assert.Equal(t, tt.ids[len(tt.ids)-1], m.ExternalID, "the newest id")
			assert.Equal(t, "5511777@s.whatsapp.net", m.SenderID)
			assert.Equal(t, "5511777@s.whatsapp.net", m.ConversationID)
		})
	}
}

func TestOutgoingAppendsAttachmentURL(t *testing.T) {
	m := &chat.Message{Body: chat.String("see"), Attachment: &chat.Attachment{Kind: chat.AttachmentImage, URL: "https://cdn/x.jpg"}}
	assert.Equal(t, "see\nhttps://cdn/x.jpg", outgoing(m).GetConversation())
	assert.Equal(t, "plain", outgoing(&chat.Message{Body: chat.String("plain")}).GetConversation())
}
