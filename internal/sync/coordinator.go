// Package sync keeps the local store converged with the server. The
// coordinator owns a connection session: it catches up on everything missed
// while offline, applies the live event stream, and hands unsent work to
// the retry queue once the session is ready.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/ingest"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys written by the coordinator.
const (
	CheckpointCursor      = "sync.cursor"
	CheckpointLastCatchUp = "sync.last_catch_up"
)

var errStreamClosed = errors.New("inbound stream closed")

// Sender is the part of the retry queue the coordinator drives.
type Sender interface {
	Trigger()
	Acknowledge(ctx context.Context, clientID, externalID string, status chat.Status) (bool, error)
}

// Notifier is told about new inbound messages while the app is in the background.
type Notifier interface {
	Notify(ctx context.Context, m *chat.Message)
}

// DispatchOptions carries the caller's presence into event handling.
type DispatchOptions struct {
	Background bool
}

// Presence reports the presence that applies to the next event.
type Presence func() DispatchOptions

// Foreground is a Presence that is never in the background.
func Foreground() DispatchOptions { return DispatchOptions{} }

// Options configures a Coordinator.
type Options struct {
	OwnerID       string
	PageSize      int
	FetchTimeout  time.Duration
	MarkerTimeout time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.MarkerTimeout <= 0 {
		o.MarkerTimeout = 10 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = max(time.Minute, o.ReconnectMin)
	}
}

// Coordinator drives one owner's connection sessions.
type Coordinator struct {
	db       *store.DB
	remote   remote.Channel
	ingest   *ingest.Ingester
	markers  *Aggregator
	sender   Sender
	notifier Notifier
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a coordinator. sender and notifier may be nil.
func New(db *store.DB, ch remote.Channel, in *ingest.Ingester, sender Sender, notifier Notifier, machine *status.Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	if opts.OwnerID == "" {
		opts.OwnerID = in.Owner()
	}
	return &Coordinator{
		db:       db,
		remote:   ch,
		ingest:   in,
		markers:  NewAggregator(db, b, logger),
		sender:   sender,
		notifier: notifier,
		machine:  machine,
		bus:      b,
		logger:   logger.Named("sync"),
		opts:     opts,
	}
}

// Start runs the reconnect loop in the background.
func (c *Coordinator) Start(ctx context.Context, presence Presence) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Run(ctx, presence); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("sync stopped", zap.Error(err))
		}
	}()
}

// Stop ends the loop started by Start and waits for it.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Run keeps a session open until ctx ends or the account is logged out,
// reconnecting with backoff after every failure.
func (c *Coordinator) Run(ctx context.Context, presence Presence) error {
	if presence == nil {
		presence = Foreground
	}
	delay := c.opts.ReconnectMin
	for {
		reachedReady, err := c.Session(ctx, presence)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, remote.ErrLoggedOut) {
			c.enter(status.LoggedOut)
			return err
		}
		if reachedReady {
			delay = c.opts.ReconnectMin
		}
		c.logger.Warn("session ended, reconnecting",
			zap.Error(err),
			zap.String("error_kind", chat.KindOf(err).String()),
			zap.Duration("backoff", delay))
		c.enter(status.Reconnecting)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.ReconnectMax)
	}
}

// Session runs one connection: open the inbound stream, catch up, mark
// the session ready and drain events until the stream closes. It reports
// whether the session became ready.
func (c *Coordinator) Session(ctx context.Context, presence Presence) (bool, error) {
	if presence == nil {
		presence = Foreground
	}
	c.enter(status.Connecting)
	events, err := c.remote.InboundEvents(ctx)
	if err != nil {
		return false, fmt.Errorf("open inbound stream: %w", err)
	}

	// Live events are applied while catch-up runs; both merge by identity.
	sessCtx, cancel := context.WithCancel(ctx)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		c.drain(sessCtx, events, presence)
	}()
	defer func() {
		cancel()
		<-drained
	}()

	c.enter(status.CatchingUp)
	n, err := c.CatchUp(ctx)
	if err != nil {
		return false, fmt.Errorf("catch up: %w", err)
	}
	c.enter(status.Ready)
	c.logger.Info("session ready", zap.Int("caught_up", n))
	if c.sender != nil {
		c.sender.Trigger()
	}

	select {
	case <-drained:
		return true, errStreamClosed
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (c *Coordinator) drain(ctx context.Context, events <-chan remote.Event, presence Presence) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := c.Dispatch(ctx, evt, presence()); err != nil {
				c.logger.Error("event dropped",
					zap.String("event", remote.EventName(evt)),
					zap.String("conversation_id", evt.Conversation()),
					zap.String("error_kind", chat.KindOf(err).String()),
					zap.Error(err))
			}
		}
	}
}

// CatchUp pulls every message newer than the most recent local one, page
// by page, until the server reports the range complete. It returns the
// number of messages applied.
func (c *Coordinator) CatchUp(ctx context.Context) (int, error) {
	cursor, err := c.db.MostRecentForOwner(ctx, c.opts.OwnerID)
	if err != nil {
		return 0, chat.Storage("read cursor", err)
	}

	applied := 0
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		page, err := c.remote.SyncSince(fetchCtx, cursor, c.opts.PageSize)
		cancel()
		if err != nil {
			return applied, err
		}

		for i := range page.Items {
			_, stored, err := c.ingest.Apply(ctx, page.Items[i], true)
			if err != nil {
				return applied, err
			}
			applied++
			if stored != nil && newer(stored, cursor) {
				cursor = stored
			}
		}
		if cursor != nil && cursor.ExternalID != "" {
			if err := c.db.SetCheckpoint(ctx, CheckpointCursor, cursor.ExternalID); err != nil {
				return applied, chat.Storage("write cursor", err)
			}
		}
		if page.IsComplete || len(page.Items) == 0 {
			break
		}
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := c.db.SetCheckpoint(ctx, CheckpointLastCatchUp, now); err != nil {
		return applied, chat.Storage("write catch-up time", err)
	}
	return applied, nil
}

func newer(m, than *chat.Message) bool {
	if than == nil {
		return true
	}
	if m.ArchiveID != nil && than.ArchiveID != nil {
		return *m.ArchiveID > *than.ArchiveID
	}
	return m.Timestamp > than.Timestamp
}

// Dispatch applies one inbound event.
func (c *Coordinator) Dispatch(ctx context.Context, evt remote.Event, o DispatchOptions) error {
	switch e := evt.(type) {
	case remote.NewMessage:
		return c.onMessage(ctx, e, o)
	case remote.MarkerReceived:
		return c.onMarker(ctx, e)
	case remote.SendAcknowledged:
		return c.onAck(ctx, e)
	default:
		return fmt.Errorf("unhandled event %T", evt)
	}
}

func (c *Coordinator) onMessage(ctx context.Context, e remote.NewMessage, o DispatchOptions) error {
	res, stored, err := c.ingest.Apply(ctx, e.Message, true)
	if err != nil {
		return err
	}
	if o.Background && res.Created && c.notifier != nil && stored != nil && !stored.FromOwner() {
		c.notifier.Notify(ctx, stored)
	}
	return nil
}

func (c *Coordinator) onMarker(ctx context.Context, e remote.MarkerReceived) error {
	if e.SenderID == c.opts.OwnerID {
		// Our own receipts from another device say nothing about delivery.
		return nil
	}
	at := e.AtOrBefore
	if e.ExternalID != "" {
		target, err := c.db.MessageByExternalID(ctx, c.opts.OwnerID, e.ExternalID)
		if err != nil {
			return chat.Storage("lookup marker target", err)
		}
		if target != nil && target.Timestamp > at {
			at = target.Timestamp
		}
	}
	_, err := c.markers.ApplyMarker(ctx, e.SenderID, e.Kind, at, c.opts.OwnerID, e.ConversationID)
	return err
}

func (c *Coordinator) onAck(ctx context.Context, e remote.SendAcknowledged) error {
	if c.sender == nil || e.ClientID == "" || e.ExternalID == "" {
		return nil
	}
	found, err := c.sender.Acknowledge(ctx, e.ClientID, e.ExternalID, e.Status)
	if err != nil {
		return err
	}
	if !found {
		c.logger.Debug("acknowledgment for unknown client id", zap.String("client_id", e.ClientID))
	}
	return nil
}

// MarkConversationRead clears the unread state of a conversation locally,
// then tells the server the newest message was seen. The local reset
// stands even if the push fails.
func (c *Coordinator) MarkConversationRead(ctx context.Context, conversationID string) error {
	newest, err := c.db.MarkConversationRead(ctx, c.opts.OwnerID, conversationID)
	if err != nil {
		return chat.Storage("mark read", err)
	}
	c.bus.Emit(bus.ConversationUpdated(conversationID), nil)
	if newest == nil || newest.ExternalID == "" {
		return nil
	}

	pushCtx, cancel := context.WithTimeout(ctx, c.opts.MarkerTimeout)
	defer cancel()
	if err := c.remote.UpdateMarker(pushCtx, newest, chat.MarkerSeen); err != nil {
		return fmt.Errorf("push seen marker: %w", err)
	}
	return nil
}

// LastCatchUp returns when catch-up last completed.
func (c *Coordinator) LastCatchUp(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := c.db.Checkpoint(ctx, CheckpointLastCatchUp)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (c *Coordinator) enter(s status.State) {
	if c.machine == nil || c.machine.Current() == s {
		return
	}
	if err := c.machine.Transition(s); err != nil {
		c.logger.Debug("state change skipped", zap.Error(err))
	}
}
