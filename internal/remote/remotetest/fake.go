// Package remotetest provides an in-memory remote.Channel for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/remote"
)

// MarkerCall records one UpdateMarker call.
type MarkerCall struct {
	ExternalID string
	Kind       chat.MarkerKind
}

// SendCall records one SendMessage call.
type SendCall struct {
	Message    chat.Message
	ThreadHint string
	Markable   bool
}

// Fake is a scripted remote.Channel. Queued pages are served in order; an
// empty queue serves a complete empty page. The zero value is not usable,
// use New.
type Fake struct {
	// SendFunc decides the outcome of each send. The default assigns "ext-<client id>".
	SendFunc func(ctx context.Context, msg *chat.Message) (string, error)
	// Gate, when set, blocks every fetch until it is closed or ctx ends.
	Gate chan struct{}
	// InboundErr, when set, is returned by InboundEvents instead of a stream.
	InboundErr error

	mu        sync.Mutex
	sends     []SendCall
	markers   []MarkerCall
	previous  map[string][]remote.Page
	next      map[string][]remote.Page
	sinceQ    []remote.Page
	sinceArgs []*chat.Message
	calls     map[string]int
	events    chan remote.Event
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		previous: make(map[string][]remote.Page),
		next:     make(map[string][]remote.Page),
		calls:    make(map[string]int),
	}
}

// QueuePrevious appends a page served by FetchPreviousPage for a conversation.
func (f *Fake) QueuePrevious(conversationID string, p remote.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previous[conversationID] = append(f.previous[conversationID], p)
}

// QueueNext appends a page served by FetchNextPage for a conversation.
func (f *Fake) QueueNext(conversationID string, p remote.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[conversationID] = append(f.next[conversationID], p)
}

// QueueSince appends a page served by SyncSince.
func (f *Fake) QueueSince(p remote.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceQ = append(f.sinceQ, p)
}

// Calls returns how often a method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Sends returns the recorded send calls.
func (f *Fake) Sends() []SendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SendCall(nil), f.sends...)
}

// Markers returns the recorded marker pushes.
func (f *Fake) Markers() []MarkerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MarkerCall(nil), f.markers...)
}

// SinceCursors returns the lastKnown argument of every SyncSince call.
func (f *Fake) SinceCursors() []*chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*chat.Message(nil), f.sinceArgs...)
}

// Push delivers an event on the current inbound stream.
func (f *Fake) Push(e remote.Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	if ch == nil {
		panic("remotetest: Push before InboundEvents")
	}
	ch <- e
}

// Disconnect closes the current inbound stream.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		close(f.events)
		f.events = nil
	}
}

func (f *Fake) count(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Gate == nil {
		return nil
	}
	select {
	case <-f.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) SendMessage(ctx context.Context, msg *chat.Message, threadHint string, isMarkable bool) (string, error) {
	f.mu.Lock()
	f.calls["SendMessage"]++
	f.sends = append(f.sends, SendCall{Message: *msg, ThreadHint: threadHint, Markable: isMarkable})
	send := f.SendFunc
	f.mu.Unlock()
	if send != nil {
		return send(ctx, msg)
	}
	return "ext-" + msg.ClientID, nil
}

func (f *Fake) UpdateMarker(_ context.Context, target *chat.Message, kind chat.MarkerKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateMarker"]++
	if target.ExternalID == "" {
		return fmt.Errorf("marker target %d has no external id", target.ID)
	}
	f.markers = append(f.markers, MarkerCall{ExternalID: target.ExternalID, Kind: kind})
	return nil
}

func pop(q []remote.Page) (remote.Page, []remote.Page) {
	if len(q) == 0 {
		return remote.Page{IsComplete: true}, q
	}
	return q[0], q[1:]
}

func (f *Fake) FetchPreviousPage(ctx context.Context, conversationID string, _ *int64, _ int) (remote.Page, error) {
	f.count("FetchPreviousPage")
	if err := f.wait(ctx); err != nil {
		return remote.Page{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var p remote.Page
	p, f.previous[conversationID] = pop(f.previous[conversationID])
	return p, nil
}

func (f *Fake) FetchNextPage(ctx context.Context, conversationID string, _ *int64, _ int) (remote.Page, error) {
	f.count("FetchNextPage")
	if err := f.wait(ctx); err != nil {
		return remote.Page{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var p remote.Page
	p, f.next[conversationID] = pop(f.next[conversationID])
	return p, nil
}

func (f *Fake) SyncSince(ctx context.Context, lastKnown *chat.Message, _ int) (remote.Page, error) {
	f.count("SyncSince")
	if err := f.wait(ctx); err != nil {
		return remote.Page{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceArgs = append(f.sinceArgs, lastKnown)
	var p remote.Page
	p, f.sinceQ = pop(f.sinceQ)
	return p, nil
}

func (f *Fake) InboundEvents(context.Context) (<-chan remote.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["InboundEvents"]++
	if f.InboundErr != nil {
		return nil, f.InboundErr
	}
	if f.events != nil {
		close(f.events)
	}
	f.events = make(chan remote.Event, 64)
	return f.events, nil
}

var _ remote.Channel = (*Fake)(nil)
