// Package pager pages conversation history backward from the live tail.
// Each conversation moves Idle -> Loading -> Idle until a short or complete
// page marks it Exhausted; exhaustion is persisted.
package pager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/ingest"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the paging state of one conversation.
type State int

const (
	Idle State = iota
	Loading
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result describes a load.
type Result struct {
	Fetched   int
	Inserted  int
	Exhausted bool
	// Shared is set when the caller joined a load already in flight.
	Shared bool
}

// Options configures a Pager.
type Options struct {
	PageSize     int
	FetchTimeout time.Duration
}

// Pager is the pagination mediator of one owner.
type Pager struct {
	db     *store.DB
	remote remote.Channel
	ingest *ingest.Ingester
	logger *zap.Logger
	opts   Options

	group singleflight.Group

	mu     sync.Mutex
	states map[string]State
}

// New creates a pager.
func New(db *store.DB, ch remote.Channel, in *ingest.Ingester, logger *zap.Logger, opts Options) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Pager{
		db:     db,
		remote: ch,
		ingest: in,
		logger: logger.Named("pager"),
		opts:   opts,
		states: make(map[string]State),
	}
}

func exhaustedKey(conversationID string) string {
	return "pager.exhausted." + conversationID
}

// State returns the paging state of a conversation.
func (p *Pager) State(ctx context.Context, conversationID string) (State, error) {
	p.mu.Lock()
	s, ok := p.states[conversationID]
	p.mu.Unlock()
	if ok {
		return s, nil
	}
	_, done, err := p.db.Checkpoint(ctx, exhaustedKey(conversationID))
	if err != nil {
		return Idle, chat.Storage("read checkpoint", err)
	}
	if done {
		p.set(conversationID, Exhausted)
		return Exhausted, nil
	}
	return Idle, nil
}

func (p *Pager) set(conversationID string, s State) {
	p.mu.Lock()
	p.states[conversationID] = s
	p.mu.Unlock()
}

// LoadOlder fetches the page before the oldest stored message. An
// exhausted conversation returns at once without a network call.
// Concurrent calls for one conversation share a single fetch.
func (p *Pager) LoadOlder(ctx context.Context, conversationID string) (Result, error) {
	st, err := p.State(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	if st == Exhausted {
		return Result{Exhausted: true}, nil
	}

	ch := p.group.DoChan("older:"+conversationID, func() (any, error) {
		// Waiters outlive any single caller, so the fetch is bounded by
		// the fetch timeout only.
		return p.loadOlder(context.WithoutCancel(ctx), conversationID)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		res.Shared = r.Shared
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pager) loadOlder(ctx context.Context, conversationID string) (Result, error) {
	// A load that finished between the caller's check and this flight
	// may have exhausted the conversation.
	st, err := p.State(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	if st == Exhausted {
		return Result{Exhausted: true}, nil
	}

	p.set(conversationID, Loading)
	next := Idle
	defer func() { p.set(conversationID, next) }()

	head, _, err := p.db.ArchiveBounds(ctx, conversationID, p.ingest.Owner())
	if err != nil {
		return Result{}, chat.Storage("archive bounds", err)
	}

	fctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	page, err := p.remote.FetchPreviousPage(fctx, conversationID, head, p.opts.PageSize)
	cancel()
	if err != nil {
		p.logger.Warn("fetch previous page failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
			zap.String("error_kind", chat.KindOf(err).String()))
		return Result{}, fmt.Errorf("fetch previous page: %w", err)
	}

	res, err := p.merge(ctx, page, false)
	if err != nil {
		return res, err
	}
	if page.IsComplete || len(page.Items) < p.opts.PageSize {
		if err := p.db.SetCheckpoint(ctx, exhaustedKey(conversationID), "1"); err != nil {
			return res, chat.Storage("write checkpoint", err)
		}
		next = Exhausted
		res.Exhausted = true
		p.logger.Debug("history exhausted", zap.String("conversation_id", conversationID))
	}
	return res, nil
}

// LoadNewer fetches the page after the newest stored archived message.
// It fills gaps left by a dropped live stream and never exhausts.
func (p *Pager) LoadNewer(ctx context.Context, conversationID string) (Result, error) {
	ch := p.group.DoChan("newer:"+conversationID, func() (any, error) {
		return p.loadNewer(context.WithoutCancel(ctx), conversationID)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		res.Shared = r.Shared
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pager) loadNewer(ctx context.Context, conversationID string) (Result, error) {
	_, tail, err := p.db.ArchiveBounds(ctx, conversationID, p.ingest.Owner())
	if err != nil {
		return Result{}, chat.Storage("archive bounds", err)
	}
	fctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	page, err := p.remote.FetchNextPage(fctx, conversationID, tail, p.opts.PageSize)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("fetch next page: %w", err)
	}
	res, err := p.merge(ctx, page, true)
	res.Exhausted = page.IsComplete
	return res, err
}

func (p *Pager) merge(ctx context.Context, page remote.Page, live bool) (Result, error) {
	res := Result{Fetched: len(page.Items)}
	for _, item := range page.Items {
		up, _, err := p.ingest.Apply(ctx, item, live)
		if err != nil {
			return res, err
		}
		if up.Created {
			res.Inserted++
		}
	}
	return res, nil
}
