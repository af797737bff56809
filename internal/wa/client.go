// Package wa is the WhatsApp remote channel, built on whatsmeow.
package wa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/remote"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Client implements remote.Channel over a whatsmeow connection. The
// coordinator owns reconnection, so whatsmeow's own is disabled.
type Client struct {
	client *whatsmeow.Client
	logger *zap.Logger
	stream *stream
	buffer int
}

// Open loads the device credentials stored at devicePath, creating an
// unpaired device when there are none.
func Open(ctx context.Context, devicePath string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wastore.SetOSInfo("courier", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", devicePath), nil)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	wc := whatsmeow.NewClient(device, nil)
	wc.EnableAutoReconnect = false

	c := &Client{
		client: wc,
		logger: logger.Named("wa"),
		buffer: 256,
	}
	c.stream = newStream(c.Owner, c.logger)
	wc.AddEventHandler(c.stream.handle)
	return c, nil
}

// Owner returns the account's own JID, or "" before pairing.
func (c *Client) Owner() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.ToNonAD().String()
}

// IsLoggedIn reports whether the device holds credentials.
func (c *Client) IsLoggedIn() bool {
	return c.client.Store.ID != nil
}

// Close disconnects and ends the current stream.
func (c *Client) Close() {
	c.client.Disconnect()
	c.stream.close(false)
}

// Logout revokes the device on the server.
func (c *Client) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// InboundEvents connects if needed and returns the event stream of the
// connection. It fails with remote.ErrLoggedOut when the device has no
// credentials or the server revoked them.
func (c *Client) InboundEvents(context.Context) (<-chan remote.Event, error) {
	if !c.IsLoggedIn() || c.stream.isLoggedOut() {
		return nil, remote.ErrLoggedOut
	}
	events := c.stream.open(c.buffer)
	if !c.client.IsConnected() {
		if err := c.client.Connect(); err != nil {
			c.stream.close(false)
			return nil, fmt.Errorf("connect: %w", err)
		}
	}
	return events, nil
}

func (c *Client) SendMessage(ctx context.Context, msg *chat.Message, _ string, _ bool) (string, error) {
	to, err := types.ParseJID(msg.ConversationID)
	if err != nil {
		return "", chat.Rejected(fmt.Sprintf("invalid recipient %q", msg.ConversationID))
	}
	resp, err := c.client.SendMessage(ctx, to, outgoing(msg))
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return "", fmt.Errorf("send message: %w", remote.ErrLoggedOut)
		}
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// UpdateMarker sends a read receipt. WhatsApp clients do not send
// delivery receipts on demand, so a delivered marker is a no-op.
func (c *Client) UpdateMarker(ctx context.Context, target *chat.Message, kind chat.MarkerKind) error {
	if kind != chat.MarkerSeen {
		return nil
	}
	if target.ExternalID == "" {
		return fmt.Errorf("marker target %d has no external id", target.ID)
	}
	chatJID, err := types.ParseJID(target.ConversationID)
	if err != nil {
		return chat.Rejected(fmt.Sprintf("invalid chat %q", target.ConversationID))
	}
	sender, err := types.ParseJID(target.SenderID)
	if err != nil {
		return chat.Rejected(fmt.Sprintf("invalid sender %q", target.SenderID))
	}
	ts := time.UnixMilli(target.Timestamp)
	if err := c.client.MarkRead(ctx, []types.MessageID{target.ExternalID}, ts, chatJID, sender); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// History arrives as history sync events on the inbound stream, so the
// page fetches have nothing more to offer.

func (c *Client) FetchPreviousPage(context.Context, string, *int64, int) (remote.Page, error) {
	return remote.Page{IsComplete: true}, nil
}

func (c *Client) FetchNextPage(context.Context, string, *int64, int) (remote.Page, error) {
	return remote.Page{IsComplete: true}, nil
}

// SyncSince returns an empty page; the server replays offline messages
// as live events once connected.
func (c *Client) SyncSince(context.Context, *chat.Message, int) (remote.Page, error) {
	return remote.Page{IsComplete: true}, nil
}

var _ remote.Channel = (*Client)(nil)
