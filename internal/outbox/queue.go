// Package outbox is the send retry queue. It drains the owner's
// unacknowledged messages in composition order, one claimed send per
// message at a time, and backs off on failure.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
)

// Uploader stores an attachment and returns where the server can fetch it.
type Uploader interface {
	Upload(ctx context.Context, localRef string) (remoteURL string, err error)
}

// Options configures a Queue.
type Options struct {
	OwnerID       string
	Policy        Policy
	SendTimeout   time.Duration
	UploadTimeout time.Duration
	// ClaimTTL bounds how long a crashed holder blocks a message.
	ClaimTTL time.Duration
	// WakeInterval is the periodic wake of the worker loop. Zero disables it.
	WakeInterval time.Duration
	// Holder identifies this process in claim records.
	Holder    string
	Scheduler Scheduler
	Now       func() time.Time
	// Ready reports whether the connection can carry sends. A pass while
	// it returns false touches nothing; the next trigger after reconnect
	// resumes the backlog. Nil means always ready.
	Ready func() bool
}

func (o *Options) applyDefaults() {
	if o.Policy == (Policy{}) {
		o.Policy = DefaultPolicy()
	}
	if o.Policy.MaxAttempts <= 0 {
		o.Policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 2 * time.Minute
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = o.SendTimeout + o.UploadTimeout + 30*time.Second
	}
	if o.Holder == "" {
		o.Holder = uuid.NewString()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Outcome summarizes a pass.
type Outcome int

const (
	// Done means nothing in the pass needs another attempt.
	Done Outcome = iota
	// RetryLater means at least one message failed and a retry was scheduled.
	RetryLater
)

func (o Outcome) String() string {
	if o == RetryLater {
		return "retry_later"
	}
	return "done"
}

// Report describes one pass over the backlog.
type Report struct {
	Outcome    Outcome
	Sent       int
	Failed     int
	Skipped    int
	Superseded int
	Recovered  int64
	// Offline is set when the pass was skipped because the connection
	// was not ready.
	Offline bool
	// NextRetry is the delay handed to the scheduler, if one was requested.
	NextRetry time.Duration
}

// Queue is the send retry queue of one owner.
type Queue struct {
	db       *store.DB
	remote   remote.Channel
	uploader Uploader
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options

	trigger chan struct{}
	passMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue. uploader may be nil when attachments are not
// supported; such messages then fail with a network failure. A nil
// Options.Scheduler installs a TimerScheduler that triggers this queue.
func New(db *store.DB, ch remote.Channel, uploader Uploader, b *bus.Bus, logger *zap.Logger, opts Options) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	q := &Queue{
		db:       db,
		remote:   ch,
		uploader: uploader,
		bus:      b,
		logger:   logger.Named("outbox"),
		opts:     opts,
		trigger:  make(chan struct{}, 1),
	}
	if q.opts.Scheduler == nil {
		q.opts.Scheduler = NewTimerScheduler(q.Trigger)
	}
	return q
}

// Trigger requests a pass. It never blocks; triggers coalesce.
func (q *Queue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Start runs the worker loop until Stop or ctx ends.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.loop(ctx)
}

// Stop ends the worker loop and waits for the current pass.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	if ts, ok := q.opts.Scheduler.(*TimerScheduler); ok {
		ts.Stop()
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()

	var wake <-chan time.Time
	if q.opts.WakeInterval > 0 {
		ticker := time.NewTicker(q.opts.WakeInterval)
		defer ticker.Stop()
		wake = ticker.C
	}

	for {
		select {
		case <-q.trigger:
		case <-wake:
		case <-ctx.Done():
			return
		}
		if _, err := q.Run(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("outbox pass failed", zap.Error(err), zap.String("error_kind", chat.KindOf(err).String()))
		}
	}
}

// Retry clears the attempt counter of a failed message and triggers a pass.
func (q *Queue) Retry(ctx context.Context, localID int64) error {
	ok, err := q.db.ResetAttempts(ctx, localID)
	if err != nil {
		return chat.Storage("reset attempts", err)
	}
	if !ok {
		return fmt.Errorf("retry message %d: %w", localID, chat.ErrNotFound)
	}
	q.Trigger()
	return nil
}

// Run performs one pass over the backlog. Item failures are recorded on
// the rows and reflected in the report; the returned error is reserved
// for failures that stop the pass.
func (q *Queue) Run(ctx context.Context) (Report, error) {
	q.passMu.Lock()
	defer q.passMu.Unlock()

	var rep Report
	if q.opts.Ready != nil && !q.opts.Ready() {
		rep.Offline = true
		q.logger.Debug("outbox pass skipped, not connected")
		return rep, nil
	}
	now := q.opts.Now()

	recovered, err := q.db.RecoverStaleSends(ctx, q.opts.OwnerID, now)
	if err != nil {
		return rep, chat.Storage("recover stale sends", err)
	}
	rep.Recovered = recovered
	if recovered > 0 {
		q.logger.Warn("recovered interrupted sends", zap.Int64("count", recovered))
	}

	pending, err := q.db.PendingSends(ctx, q.opts.OwnerID)
	if err != nil {
		return rep, chat.Storage("pending sends", err)
	}

	var next time.Duration
	wantRetry := false
	schedule := func(d time.Duration) {
		if !wantRetry || d < next {
			next = d
		}
		wantRetry = true
	}

	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		m := &pending[i]
		if q.opts.Policy.Exhausted(m.SendAttempts) {
			rep.Skipped++
			continue
		}
		if due := time.UnixMilli(m.NextAttemptAt); m.NextAttemptAt > 0 && due.After(now) {
			rep.Skipped++
			schedule(due.Sub(now))
			continue
		}

		res := q.attempt(ctx, m)
		switch res.result {
		case resultSent:
			rep.Sent++
		case resultSuperseded:
			rep.Superseded++
		case resultSkipped:
			rep.Skipped++
		case resultFailed:
			rep.Failed++
			if res.retry {
				schedule(res.wait)
			}
		}
	}

	if wantRetry {
		rep.NextRetry = next
		q.opts.Scheduler.ScheduleRetry(next)
	}
	if rep.Failed > 0 {
		rep.Outcome = RetryLater
	}
	return rep, ctx.Err()
}

type result int

const (
	resultSkipped result = iota
	resultSent
	resultSuperseded
	resultFailed
)

type attemptResult struct {
	result result
	retry  bool
	wait   time.Duration
}

func (q *Queue) attempt(ctx context.Context, m *chat.Message) attemptResult {
	log := q.logger.With(zap.Int64("local_id", m.ID), zap.String("conversation_id", m.ConversationID))

	claimed, err := q.db.ClaimSend(ctx, m.ID, q.opts.Holder, q.opts.ClaimTTL, q.opts.Now())
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return attemptResult{result: resultFailed, retry: true, wait: q.opts.Policy.Base}
	}
	if !claimed {
		log.Debug("send claimed elsewhere")
		return attemptResult{result: resultSkipped}
	}
	defer func() {
		if err := q.db.ReleaseSend(context.WithoutCancel(ctx), m.ID, q.opts.Holder); err != nil {
			log.Warn("release claim failed", zap.Error(err))
		}
	}()

	// Another holder may have finished between our read and our claim.
	cur, err := q.db.MessageByID(ctx, m.ID)
	if err != nil {
		log.Error("reload failed", zap.Error(err))
		return attemptResult{result: resultFailed, retry: true, wait: q.opts.Policy.Base}
	}
	if cur == nil || cur.ExternalID != "" || cur.SupersededBy != nil || cur.Status.Acknowledged() {
		return attemptResult{result: resultSkipped}
	}
	m = cur

	if _, err := q.db.UpsertLocalStatus(ctx, m.ID, chat.Sending); err != nil {
		log.Error("mark sending failed", zap.Error(err))
		return attemptResult{result: resultFailed, retry: true, wait: q.opts.Policy.Base}
	}
	q.publishStatus(m, chat.Sending)

	if m.Attachment.NeedsUpload() {
		if err := q.upload(ctx, m); err != nil {
			return q.fail(ctx, m, fmt.Errorf("upload: %w", err), log)
		}
	}

	if err := ctx.Err(); err != nil {
		// Not sent yet; the row is recovered on the next pass.
		return attemptResult{result: resultSkipped}
	}

	// Past this point the send may reach the server, so it is not
	// cancelled with ctx and its result is always applied.
	applyCtx := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(applyCtx, q.opts.SendTimeout)
	externalID, err := q.remote.SendMessage(sendCtx, m, threadHint(m), !m.IsGroup)
	cancel()
	if err != nil {
		return q.fail(applyCtx, m, err, log)
	}

	err = q.db.RecordExternalID(applyCtx, m.ID, externalID, chat.Sent)
	var dup *chat.DuplicateExternalIDError
	switch {
	case err == nil:
	case errors.As(err, &dup):
		return q.resolveDuplicate(applyCtx, m, dup, log)
	default:
		log.Error("send succeeded but binding failed", zap.String("external_id", externalID), zap.Error(err))
		return attemptResult{result: resultFailed, retry: true, wait: q.opts.Policy.Base}
	}

	log.Info("message sent", zap.String("external_id", externalID))
	q.publishStatus(m, chat.Sent)
	if err := q.db.RefreshConversationStatus(applyCtx, m.OwnerID, m.ConversationID); err != nil {
		log.Warn("refresh conversation failed", zap.Error(err))
	}
	return attemptResult{result: resultSent}
}

func (q *Queue) upload(ctx context.Context, m *chat.Message) error {
	if q.uploader == nil {
		return errors.New("no uploader configured")
	}
	uctx, cancel := context.WithTimeout(ctx, q.opts.UploadTimeout)
	defer cancel()
	url, err := q.uploader.Upload(uctx, m.Attachment.LocalRef)
	if err != nil {
		return err
	}
	if err := q.db.SetAttachmentURL(ctx, m.ID, url); err != nil {
		return chat.Storage("set attachment url", err)
	}
	m.Attachment.URL = url
	return nil
}

// fail records a failed attempt and decides the next one.
func (q *Queue) fail(ctx context.Context, m *chat.Message, cause error, log *zap.Logger) attemptResult {
	kind := chat.KindOf(cause)
	attempts := m.SendAttempts + 1
	if kind == chat.ProtocolRejection && attempts < q.opts.Policy.MaxAttempts {
		attempts = q.opts.Policy.MaxAttempts
	}
	exhausted := kind == chat.ProtocolRejection || q.opts.Policy.Exhausted(attempts)

	var wait time.Duration
	var nextAt int64
	if !exhausted {
		wait = q.opts.Policy.Delay(attempts)
		nextAt = q.opts.Now().Add(wait).UnixMilli()
	}

	changed, err := q.db.MarkSendFailed(ctx, m.ID, cause.Error(), attempts, nextAt)
	if err != nil {
		log.Error("record failure failed", zap.Error(err), zap.NamedError("cause", cause))
		return attemptResult{result: resultFailed, retry: true, wait: q.opts.Policy.Base}
	}
	if !changed {
		// The server echo bound the row while we were sending.
		log.Info("send failed but message already acknowledged", zap.Error(cause))
		return attemptResult{result: resultSent}
	}

	log.Warn("send failed",
		zap.Error(cause),
		zap.String("error_kind", kind.String()),
		zap.Int("attempts", attempts),
		zap.Bool("exhausted", exhausted),
		zap.Duration("retry_in", wait))
	q.bus.Emit(bus.MessageFailed(m.ID), bus.SendFailure{
		LocalID:   m.ID,
		ErrorKind: kind.String(),
		Error:     cause.Error(),
		Exhausted: exhausted,
	})
	q.bus.Emit(bus.ConversationUpdated(m.ConversationID), nil)
	return attemptResult{result: resultFailed, retry: !exhausted, wait: wait}
}

// Acknowledge applies an asynchronous server acknowledgment to the local
// row composed with clientID. It returns false when no such row exists.
func (q *Queue) Acknowledge(ctx context.Context, clientID, externalID string, status chat.Status) (bool, error) {
	m, err := q.db.MessageByClientID(ctx, q.opts.OwnerID, clientID)
	if err != nil {
		return false, chat.Storage("lookup client id", err)
	}
	if m == nil {
		return false, nil
	}
	if status < chat.Sent {
		status = chat.Sent
	}
	log := q.logger.With(zap.Int64("local_id", m.ID), zap.String("conversation_id", m.ConversationID))

	err = q.db.RecordExternalID(ctx, m.ID, externalID, status)
	var dup *chat.DuplicateExternalIDError
	switch {
	case err == nil:
	case errors.As(err, &dup):
		q.resolveDuplicate(ctx, m, dup, log)
		return true, nil
	case errors.Is(err, store.ErrAlreadyBound):
		log.Warn("acknowledgment names a different external id", zap.String("external_id", externalID), zap.String("bound", m.ExternalID))
		return true, nil
	default:
		return true, chat.Storage("record acknowledgment", err)
	}

	cur, err := q.db.MessageByID(ctx, m.ID)
	if err != nil || cur == nil {
		return true, chat.Storage("reload message", err)
	}
	if cur.Status != m.Status {
		q.publishStatus(cur, cur.Status)
		if err := q.db.RefreshConversationStatus(ctx, cur.OwnerID, cur.ConversationID); err != nil {
			return true, chat.Storage("refresh conversation", err)
		}
		q.bus.Emit(bus.ConversationUpdated(cur.ConversationID), nil)
	}
	log.Debug("acknowledgment applied", zap.String("external_id", externalID), zap.Stringer("status", cur.Status))
	return true, nil
}

// resolveDuplicate handles a server id that is already bound to another
// row. Matching content means the other row is this same send arriving by
// another path; anything else is corruption and is surfaced.
func (q *Queue) resolveDuplicate(ctx context.Context, m *chat.Message, dup *chat.DuplicateExternalIDError, log *zap.Logger) attemptResult {
	canonical, err := q.db.MessageByID(ctx, dup.ExistingLocalID)
	if err == nil && canonical != nil && sameContent(canonical, m) {
		if err := q.db.Supersede(ctx, m.ID, canonical.ID); err != nil {
			log.Error("supersede failed", zap.Error(err))
			return attemptResult{result: resultFailed, retry: true, wait: q.opts.Policy.Base}
		}
		log.Warn("duplicate send discarded", zap.String("external_id", dup.ExternalID), zap.Int64("canonical_id", canonical.ID))
		q.bus.Emit(bus.ConversationUpdated(m.ConversationID), nil)
		return attemptResult{result: resultSuperseded}
	}

	log.Error("external id bound to a different message",
		zap.Error(dup),
		zap.String("error_kind", chat.DuplicateExternalID.String()))
	if _, err := q.db.MarkSendFailed(ctx, m.ID, dup.Error(), max(q.opts.Policy.MaxAttempts, m.SendAttempts+1), 0); err != nil {
		log.Error("record duplicate failed", zap.Error(err))
	}
	q.bus.Emit(bus.MessageFailed(m.ID), bus.SendFailure{
		LocalID:   m.ID,
		ErrorKind: chat.DuplicateExternalID.String(),
		Error:     dup.Error(),
		Exhausted: true,
	})
	return attemptResult{result: resultFailed}
}

func sameContent(a, b *chat.Message) bool {
	return a.ConversationID == b.ConversationID && a.BodyText() == b.BodyText()
}

// threadHint names the thread a message continues. Group messages carry
// their conversation id; direct messages need none.
func threadHint(m *chat.Message) string {
	if m.IsGroup {
		return m.ConversationID
	}
	return ""
}

func (q *Queue) publishStatus(m *chat.Message, s chat.Status) {
	q.bus.Emit(bus.MessageStatus(m.ID), bus.StatusChange{
		LocalID:        m.ID,
		ConversationID: m.ConversationID,
		Status:         s.String(),
	})
}
