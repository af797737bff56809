package pager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/ingest"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/remote/remotetest"
	"github.com/matheus3301/courier/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func page(complete bool, archiveIDs ...int64) remote.Page {
	p := remote.Page{IsComplete: complete}
	for _, a := range archiveIDs {
		p.Items = append(p.Items, chat.Message{
			ExternalID:     fmt.Sprintf("m%d", a),
			ConversationID: "conv",
			SenderID:       "bob",
			Timestamp:      a * 1000,
			ArchiveID:      chat.Int64(a),
		})
	}
	return p
}

func newPager(t *testing.T, fake *remotetest.Fake, size int) (*Pager, *store.DB) {
	db := testDB(t)
	in := ingest.New(db, bus.New(), nil, "me")
	return New(db, fake, in, nil, Options{PageSize: size}), db
}

func TestLoadOlderPagesUntilShortPage(t *testing.T) {
	fake := remotetest.New()
	fake.QueuePrevious("conv", page(false, 9, 8))
	fake.QueuePrevious("conv", page(false, 7))
	p, db := newPager(t, fake, 2)
	ctx := context.Background()

	res, err := p.LoadOlder(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 2, Inserted: 2}, res)
	st, _ := p.State(ctx, "conv")
	assert.Equal(t, Idle, st)

	res, err = p.LoadOlder(ctx, "conv")
	require.NoError(t, err)
	assert.True(t, res.Exhausted, "short page exhausts")

	lo, hi, err := db.ArchiveBounds(ctx, "conv", "me")
	require.NoError(t, err)
	assert.Equal(t, int64(7), *lo)
	assert.Equal(t, int64(9), *hi)
}

// Once a page reports completion, later loads make no network call,
// even from a fresh pager over the same store.
func TestExhaustionIsSticky(t *testing.T) {
	fake := remotetest.New()
	fake.QueuePrevious("conv", page(true, 5, 4))
	p, db := newPager(t, fake, 2)
	ctx := context.Background()

	res, err := p.LoadOlder(ctx, "conv")
	require.NoError(t, err)
	assert.True(t, res.Exhausted)

	for i := 0; i < 3; i++ {
		res, err = p.LoadOlder(ctx, "conv")
		require.NoError(t, err)
		assert.True(t, res.Exhausted)
	}
	assert.Equal(t, 1, fake.Calls("FetchPreviousPage"))

	restarted := New(db, fake, ingest.New(db, bus.New(), nil, "me"), nil, Options{PageSize: 2})
	st, err := restarted.State(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, Exhausted, st)
	_, err = restarted.LoadOlder(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls("FetchPreviousPage"))
}

// A caller that passed the exhaustion check just before another flight
// finished starts a new flight; that flight must not fetch again.
func TestLateFlightAfterExhaustionSkipsFetch(t *testing.T) {
	fake := remotetest.New()
	fake.QueuePrevious("conv", page(true, 5))
	p, _ := newPager(t, fake, 2)
	ctx := context.Background()

	res, err := p.LoadOlder(ctx, "conv")
	require.NoError(t, err)
	require.True(t, res.Exhausted)

	res, err = p.loadOlder(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, Result{Exhausted: true}, res)
	assert.Equal(t, 1, fake.Calls("FetchPreviousPage"))

	st, err := p.State(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, Exhausted, st, "the late flight leaves the state exhausted")
}

func TestConcurrentLoadsCoalesce(t *testing.T) {
	fake := remotetest.New()
	fake.Gate = make(chan struct{})
	fake.QueuePrevious("conv", page(false, 9, 8))
	p, _ := newPager(t, fake, 2)
	ctx := context.Background()

	const callers = 5
	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.LoadOlder(ctx, "conv")
		}(i)
	}

	require.Eventually(t, func() bool {
		st, _ := p.State(ctx, "conv")
		return st == Loading
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(fake.Gate)
	wg.Wait()

	assert.Equal(t, 1, fake.Calls("FetchPreviousPage"))
	shared := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 2, results[i].Fetched)
		if results[i].Shared {
			shared++
		}
	}
	assert.Equal(t, callers, shared, "every caller of a coalesced load sees it as shared")
}

func TestFetchFailureReturnsToIdle(t *testing.T) {
	fake := remotetest.New()
	fake.Gate = make(chan struct{})
	p, _ := newPager(t, fake, 2)
	p.opts.FetchTimeout = 20 * time.Millisecond
	ctx := context.Background()

	_, err := p.LoadOlder(ctx, "conv")
	require.Error(t, err)
	assert.Equal(t, chat.NetworkFailure, chat.KindOf(err))
	st, _ := p.State(ctx, "conv")
	assert.Equal(t, Idle, st)
}

func TestCallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	fake := remotetest.New()
	fake.Gate = make(chan struct{})
	fake.QueuePrevious("conv", page(false, 3, 2))
	p, db := newPager(t, fake, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.LoadOlder(ctx, "conv")
		done <- err
	}()
	require.Eventually(t, func() bool { return fake.Calls("FetchPreviousPage") == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(fake.Gate)
	require.Eventually(t, func() bool {
		n, _ := db.MessageCount(context.Background(), "me")
		st, _ := p.State(context.Background(), "conv")
		return n == 2 && st == Idle
	}, time.Second, 5*time.Millisecond)
}

func TestLoadNewerUsesTail(t *testing.T) {
	fake := remotetest.New()
	fake.QueuePrevious("conv", page(false, 5, 4))
	fake.QueueNext("conv", page(true, 6))
	p, db := newPager(t, fake, 2)
	ctx := context.Background()

	_, err := p.LoadOlder(ctx, "conv")
	require.NoError(t, err)
	res, err := p.LoadNewer(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.True(t, res.Exhausted)

	s, err := db.GetConversation(ctx, "me", "conv")
	require.NoError(t, err)
	assert.Equal(t, 1, s.UnreadCount, "only live pages count as unread")
}
