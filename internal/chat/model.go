// Package chat holds the message model, the delivery status ladder and the
// pure merge rules shared by the store, the sync coordinator and the outbox.
package chat

// AttachmentKind classifies an attachment payload. The engine does not look
// inside the payload.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentFile     AttachmentKind = "file"
	AttachmentLocation AttachmentKind = "location"
)

// Attachment references a local file until it is uploaded, then a URL.
type Attachment struct {
	Kind     AttachmentKind
	LocalRef string
	URL      string
	MimeType string
}

// NeedsUpload reports whether the attachment still has to go through the uploader.
func (a *Attachment) NeedsUpload() bool {
	return a != nil && a.LocalRef != "" && a.URL == ""
}

// Message is a stored or incoming chat message.
type Message struct {
	ID             int64  // local id, assigned by the store
	ExternalID     string // server id, empty until acknowledged
	ClientID       string // compose-time id echoed by the server
	ConversationID string
	SenderID       string
	OwnerID        string
	Body           *string
	Timestamp      int64 // unix ms
	Status         Status
	Read           bool
	ArchiveID      *int64
	IsGroup        bool
	Attachment     *Attachment

	SendAttempts  int
	NextAttemptAt int64
	LastError     string
	SupersededBy  *int64
}

// FromOwner reports whether the signed-in account authored the message.
func (m *Message) FromOwner() bool {
	return m.SenderID == m.OwnerID
}

// BodyText returns the body or an empty string.
func (m *Message) BodyText() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// Marker is a receipt recorded for one (user, message) pair.
type Marker struct {
	UserID    string
	MessageID int64
	Kind      MarkerKind
	Timestamp int64
}

// Summary is the per-conversation snapshot shown in conversation lists.
type Summary struct {
	ConversationID    string
	OwnerID           string
	LastMessageID     int64
	LastMessageBody   string
	LastMessageAt     int64
	LastMessageStatus Status
	UnreadCount       int
	IsGroup           bool
}

// String returns a pointer to s, for optional bodies.
func String(s string) *string {
	return &s
}

// Int64 returns a pointer to v, for optional archive ids.
func Int64(v int64) *int64 {
	return &v
}
