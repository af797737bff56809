package wsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/remote"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var errClosed = errors.New("connection closed")

// conn is one WebSocket session. A reader goroutine routes responses to
// waiting calls by id and everything else to the event stream.
type conn struct {
	ws     *websocket.Conn
	owner  string
	logger *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan frame

	events chan remote.Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func newConn(ws *websocket.Conn, owner string, buf int, logger *zap.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		owner:   owner,
		logger:  logger,
		pending: make(map[string]chan frame),
		events:  make(chan remote.Event, buf),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

func (c *conn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) readLoop(ctx context.Context) {
	defer close(c.events)
	for {
		var f frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			c.fail(err)
			return
		}
		if f.Type == typeResult {
			c.resolve(f)
			continue
		}
		evt, ok := c.decodeEvent(&f)
		if !ok {
			continue
		}
		select {
		case c.events <- evt:
		case <-ctx.Done():
			c.fail(ctx.Err())
			return
		}
	}
}

func (c *conn) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", zap.String("id", f.ID))
		return
	}
	ch <- f
}

func (c *conn) decodeEvent(f *frame) (remote.Event, bool) {
	switch {
	case f.Type == typeMessage && f.Message != nil:
		return remote.NewMessage{Message: fromWire(f.Message, c.owner)}, true
	case f.Type == typeMarker && f.Marker != nil:
		kind, err := chat.ParseMarkerKind(f.Marker.Kind)
		if err != nil {
			c.logger.Warn("dropping marker", zap.Error(err))
			return nil, false
		}
		return remote.MarkerReceived{
			SenderID:       f.Marker.SenderID,
			ConversationID: f.Marker.ConversationID,
			Kind:           kind,
			AtOrBefore:     f.Marker.Timestamp,
			ExternalID:     f.Marker.MessageID,
		}, true
	case f.Type == typeAck && f.Ack != nil:
		status, err := chat.ParseStatus(f.Ack.Status)
		if err != nil || status < chat.Sent {
			status = chat.Sent
		}
		return remote.SendAcknowledged{
			ClientID:       f.Ack.ClientID,
			ExternalID:     f.Ack.ID,
			ConversationID: f.Ack.ConversationID,
			Status:         status,
		}, true
	default:
		c.logger.Debug("ignoring frame", zap.String("type", f.Type))
		return nil, false
	}
}

func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// call sends a request and waits for the matching response. out may be nil.
func (c *conn) call(ctx context.Context, typ string, params, out any) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := wsjson.Write(ctx, c.ws, frame{Type: typ, ID: id, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			if f.Error.Code == codeRejected {
				return chat.Rejected(f.Error.Message)
			}
			return fmt.Errorf("%s: server error %s: %s", typ, f.Error.Code, f.Error.Message)
		}
		if out != nil {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", typ, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w: %v", typ, errClosed, c.err)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", typ, ctx.Err())
	}
}

func (c *conn) close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
	c.fail(errClosed)
	return err
}
