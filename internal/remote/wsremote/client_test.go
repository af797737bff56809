package wsremote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type serverFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// fakeServer answers requests with handle and pushes whatever is sent on push.
type fakeServer struct {
	*httptest.Server
	push     chan any
	requests chan serverFrame
	drop     chan struct{}
}

func newFakeServer(t *testing.T, handle func(f serverFrame) any) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		push:     make(chan any, 16),
		requests: make(chan serverFrame, 16),
		drop:     make(chan struct{}, 1),
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close(websocket.StatusInternalError, "") }()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go func() {
			for {
				select {
				case v := <-fs.push:
					_ = wsjson.Write(ctx, ws, v)
				case <-fs.drop:
					_ = ws.Close(websocket.StatusGoingAway, "drop")
					cancel()
					return
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			var f serverFrame
			if err := wsjson.Read(ctx, ws, &f); err != nil {
				return
			}
			fs.requests <- f
			if resp := handle(f); resp != nil {
				_ = wsjson.Write(ctx, ws, resp)
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func result(id string, v any) map[string]any {
	return map[string]any{"type": "result", "id": id, "result": v}
}

func connect(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c := New(Options{URL: fs.wsURL(), OwnerID: "me"})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendMessage(t *testing.T) {
	fs := newFakeServer(t, func(f serverFrame) any {
		var p sendParams
		_ = json.Unmarshal(f.Params, &p)
		return result(f.ID, map[string]string{"id": "srv-" + p.Message.ClientID})
	})
	c := connect(t, fs)

	id, err := c.SendMessage(context.Background(), &chat.Message{
		ClientID: "c1", ConversationID: "conv", SenderID: "me", Body: chat.String("Hi"), Timestamp: 42,
	}, "thread-1", true)
	require.NoError(t, err)
	assert.Equal(t, "srv-c1", id)

	req := <-fs.requests
	assert.Equal(t, "send", req.Type)
	var p sendParams
	require.NoError(t, json.Unmarshal(req.Params, &p))
	assert.Equal(t, "thread-1", p.Thread)
	assert.True(t, p.Markable)
	assert.Equal(t, "Hi", *p.Message.Body)
}

func TestRejectionIsClassified(t *testing.T) {
	fs := newFakeServer(t, func(f serverFrame) any {
		return map[string]any{"type": "result", "id": f.ID, "error": map[string]string{"code": "rejected", "message": "not a member"}}
	})
	c := connect(t, fs)

	_, err := c.SendMessage(context.Background(), &chat.Message{ClientID: "c1", ConversationID: "conv"}, "", false)
	require.Error(t, err)
	assert.Equal(t, chat.ProtocolRejection, chat.KindOf(err))
	assert.Contains(t, err.Error(), "not a member")
}

func TestServerErrorIsNetworkFailure(t *testing.T) {
	fs := newFakeServer(t, func(f serverFrame) any {
		return map[string]any{"type": "result", "id": f.ID, "error": map[string]string{"code": "unavailable", "message": "try later"}}
	})
	c := connect(t, fs)

	err := c.UpdateMarker(context.Background(), &chat.Message{ExternalID: "m1", ConversationID: "conv"}, chat.MarkerSeen)
	require.Error(t, err)
	assert.Equal(t, chat.NetworkFailure, chat.KindOf(err))
}

func TestFetchPreviousPage(t *testing.T) {
	fs := newFakeServer(t, func(f serverFrame) any {
		var p pageParams
		_ = json.Unmarshal(f.Params, &p)
		if p.Cursor == nil || *p.Cursor != 10 {
			return result(f.ID, map[string]any{"items": []any{}, "complete": true})
		}
		return result(f.ID, map[string]any{
			"complete": true,
			"items": []map[string]any{
				{"id": "m9", "conversation_id": "conv", "sender_id": "bob", "body": "nine", "timestamp": 9, "archive_id": 9, "status": "seen"},
				{"id": "m8", "conversation_id": "conv", "sender_id": "bob", "timestamp": 8, "archive_id": 8},
			},
		})
	})
	c := connect(t, fs)

	page, err := c.FetchPreviousPage(context.Background(), "conv", chat.Int64(10), 2)
	require.NoError(t, err)
	assert.True(t, page.IsComplete)
	require.Len(t, page.Items, 2)
	first := page.Items[0]
	assert.Equal(t, "m9", first.ExternalID)
	assert.Equal(t, "me", first.OwnerID)
	assert.Equal(t, chat.Seen, first.Status)
	assert.Equal(t, int64(9), *first.ArchiveID)
	assert.Nil(t, page.Items[1].Body)
	assert.Equal(t, chat.Sent, page.Items[1].Status, "missing status decodes as sent")

	req := <-fs.requests
	assert.Equal(t, "fetch_previous", req.Type)
}

func TestSyncSinceSendsCursor(t *testing.T) {
	fs := newFakeServer(t, func(f serverFrame) any {
		return result(f.ID, map[string]any{"items": []any{}, "complete": true})
	})
	c := connect(t, fs)

	_, err := c.SyncSince(context.Background(), &chat.Message{ExternalID: "m5", ArchiveID: chat.Int64(5)}, 100)
	require.NoError(t, err)

	req := <-fs.requests
	var p pageParams
	require.NoError(t, json.Unmarshal(req.Params, &p))
	assert.Equal(t, "m5", p.After)
	assert.Equal(t, int64(5), *p.Cursor)
	assert.Equal(t, 100, p.Limit)
}

func TestInboundEvents(t *testing.T) {
	fs := newFakeServer(t, func(serverFrame) any { return nil })
	c := New(Options{URL: fs.wsURL(), OwnerID: "me"})
	t.Cleanup(func() { _ = c.Close() })

	events, err := c.InboundEvents(context.Background())
	require.NoError(t, err)

	fs.push <- map[string]any{"type": "message", "message": map[string]any{"id": "m1", "client_id": "c1", "conversation_id": "conv", "sender_id": "me", "timestamp": 5}}
	fs.push <- map[string]any{"type": "marker", "marker": map[string]any{"sender_id": "bob", "conversation_id": "conv", "kind": "bogus", "timestamp": 6}}
	fs.push <- map[string]any{"type": "presence"}
	fs.push <- map[string]any{"type": "marker", "marker": map[string]any{"sender_id": "bob", "conversation_id": "conv", "kind": "read", "timestamp": 100, "message_id": "m1"}}
	fs.push <- map[string]any{"type": "ack", "ack": map[string]any{"client_id": "c2", "id": "m2", "conversation_id": "conv"}}

	var got []remote.Event
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	msg, ok := got[0].(remote.NewMessage)
	require.True(t, ok, "got %T", got[0])
	assert.Equal(t, "c1", msg.Message.ClientID)
	assert.Equal(t, "me", msg.Message.OwnerID)

	mk, ok := got[1].(remote.MarkerReceived)
	require.True(t, ok, "got %T", got[1])
	assert.Equal(t, chat.MarkerSeen, mk.Kind)
	assert.Equal(t, int64(100), mk.AtOrBefore)
	assert.Equal(t, "m1", mk.ExternalID)

	ack, ok := got[2].(remote.SendAcknowledged)
	require.True(t, ok, "got %T", got[2])
	assert.Equal(t, "m2", ack.ExternalID)
	assert.Equal(t, chat.Sent, ack.Status)
}

func TestDroppedConnection(t *testing.T) {
	fs := newFakeServer(t, func(serverFrame) any { return nil })
	c := New(Options{URL: fs.wsURL(), OwnerID: "me"})
	t.Cleanup(func() { _ = c.Close() })

	events, err := c.InboundEvents(context.Background())
	require.NoError(t, err)
	fs.drop <- struct{}{}

	select {
	case _, open := <-events:
		assert.False(t, open, "stream should close")
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not close")
	}

	_, err = c.SendMessage(context.Background(), &chat.Message{ClientID: "c1"}, "", false)
	assert.True(t, errors.Is(err, ErrNotConnected), "err = %v", err)
	assert.Equal(t, chat.NetworkFailure, chat.KindOf(err))

	// The stream is restartable.
	again, err := c.InboundEvents(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, events, again)
}

func TestRequestTimeout(t *testing.T) {
	fs := newFakeServer(t, func(serverFrame) any { return nil })
	c := connect(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchNextPage(ctx, "conv", nil, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, chat.NetworkFailure, chat.KindOf(err))
}

func TestNotConnected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1"})
	_, err := c.FetchPreviousPage(context.Background(), "conv", nil, 10)
	assert.ErrorIs(t, err, ErrNotConnected)
}
