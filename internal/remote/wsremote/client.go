// Package wsremote implements remote.Channel over a WebSocket carrying JSON
// frames. Requests carry an id and are answered by a "result" frame with
// the same id; message, marker and ack frames are inbound events.
package wsremote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/remote"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by requests made while no session is open.
var ErrNotConnected = errors.New("not connected")

// Options configures a Client.
type Options struct {
	URL     string
	OwnerID string
	Header  http.Header
	// ReadLimit caps a single frame. Zero keeps the library default.
	ReadLimit   int64
	EventBuffer int
	Logger      *zap.Logger
}

// Client is a reconnectable remote.Channel. InboundEvents opens a session
// when none is live; requests use the live session.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex
	cur *conn
}

// New returns a client. It does not dial.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Client{opts: opts, logger: opts.Logger.Named("wsremote")}
}

// Connect dials a new session, replacing a dead one. A live session is kept.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.alive() {
		return nil
	}
	ws, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{ //nolint:bodyclose // Dial closes the response body
		HTTPHeader: c.opts.Header,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	if c.opts.ReadLimit > 0 {
		ws.SetReadLimit(c.opts.ReadLimit)
	}
	c.cur = newConn(ws, c.opts.OwnerID, c.opts.EventBuffer, c.logger)
	c.logger.Info("connected", zap.String("url", c.opts.URL))
	return nil
}

// Close ends the live session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.close()
}

func (c *Client) live() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || !c.cur.alive() {
		return nil, ErrNotConnected
	}
	return c.cur, nil
}

func (c *Client) InboundEvents(ctx context.Context) (<-chan remote.Event, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	cur, err := c.live()
	if err != nil {
		return nil, err
	}
	return cur.events, nil
}

func (c *Client) SendMessage(ctx context.Context, msg *chat.Message, threadHint string, isMarkable bool) (string, error) {
	cur, err := c.live()
	if err != nil {
		return "", err
	}
	var res sendResult
	if err := cur.call(ctx, typeSend, sendParams{Message: toWire(msg), Thread: threadHint, Markable: isMarkable}, &res); err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", fmt.Errorf("send: server returned no id")
	}
	return res.ID, nil
}

func (c *Client) UpdateMarker(ctx context.Context, target *chat.Message, kind chat.MarkerKind) error {
	cur, err := c.live()
	if err != nil {
		return err
	}
	return cur.call(ctx, typeUpdateMarker, markerParams{
		ConversationID: target.ConversationID,
		MessageID:      target.ExternalID,
		Kind:           kind.String(),
	}, nil)
}

func (c *Client) fetch(ctx context.Context, typ string, p pageParams) (remote.Page, error) {
	cur, err := c.live()
	if err != nil {
		return remote.Page{}, err
	}
	var res pageResult
	if err := cur.call(ctx, typ, p, &res); err != nil {
		return remote.Page{}, err
	}
	page := remote.Page{IsComplete: res.Complete, Items: make([]chat.Message, 0, len(res.Items))}
	for i := range res.Items {
		page.Items = append(page.Items, fromWire(&res.Items[i], c.opts.OwnerID))
	}
	return page, nil
}

func (c *Client) FetchPreviousPage(ctx context.Context, conversationID string, oldestKnown *int64, pageSize int) (remote.Page, error) {
	return c.fetch(ctx, typeFetchPrevious, pageParams{ConversationID: conversationID, Cursor: oldestKnown, Limit: pageSize})
}

func (c *Client) FetchNextPage(ctx context.Context, conversationID string, newestKnown *int64, pageSize int) (remote.Page, error) {
	return c.fetch(ctx, typeFetchNext, pageParams{ConversationID: conversationID, Cursor: newestKnown, Limit: pageSize})
}

func (c *Client) SyncSince(ctx context.Context, lastKnown *chat.Message, pageSize int) (remote.Page, error) {
	p := pageParams{Limit: pageSize}
	if lastKnown != nil {
		p.After = lastKnown.ExternalID
		p.Cursor = lastKnown.ArchiveID
	}
	return c.fetch(ctx, typeSyncSince, p)
}

var _ remote.Channel = (*Client)(nil)
