package api

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/pager"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	intsync "github.com/matheus3301/courier/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Presence is the foreground/background flag reported by the UI. It
// feeds the coordinator's dispatch options.
type Presence struct {
	background atomic.Bool
}

// Options returns the dispatch options for the current presence.
func (p *Presence) Options() intsync.DispatchOptions {
	return intsync.DispatchOptions{Background: p.background.Load()}
}

// MessageService implements MessageServer.
type MessageService struct {
	owner     string
	account   string
	startedAt time.Time

	db       *store.DB
	queue    *outbox.Queue
	pager    *pager.Pager
	coord    *intsync.Coordinator
	machine  *status.Machine
	presence *Presence
	bus      *bus.Bus
	logger   *zap.Logger

	now func() time.Time
}

// Deps bundles the collaborators of MessageService.
type Deps struct {
	Owner    string
	Account  string
	DB       *store.DB
	Queue    *outbox.Queue
	Pager    *pager.Pager
	Coord    *intsync.Coordinator
	Machine  *status.Machine
	Presence *Presence
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// NewMessageService creates the service.
func NewMessageService(d Deps) *MessageService {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Presence == nil {
		d.Presence = &Presence{}
	}
	return &MessageService{
		owner:     d.Owner,
		account:   d.Account,
		startedAt: time.Now(),
		db:        d.DB,
		queue:     d.Queue,
		pager:     d.Pager,
		coord:     d.Coord,
		machine:   d.Machine,
		presence:  d.Presence,
		bus:       d.Bus,
		logger:    d.Logger.Named("api"),
		now:       time.Now,
	}
}

var _ MessageServer = (*MessageService)(nil)

func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return grpcstatus.Errorf(codes.Canceled, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	}
	switch chat.KindOf(err) {
	case chat.ProtocolRejection:
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case chat.StorageFailure:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	}
}

func respond(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func requireConversation(req *structpb.Struct) (string, error) {
	conv := str(req, "conversation_id")
	if conv == "" {
		return "", grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	return conv, nil
}

// Compose stores a new message as pending and wakes the retry queue.
func (s *MessageService) Compose(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireConversation(req)
	if err != nil {
		return nil, err
	}
	body := str(req, "body")
	path := str(req, "attachment_path")
	if body == "" && path == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "body or attachment_path is required")
	}
	clientID := str(req, "client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	m := &chat.Message{
		ClientID:       clientID,
		ConversationID: conv,
		OwnerID:        s.owner,
		Timestamp:      s.now().UnixMilli(),
		IsGroup:        boolean(req, "is_group"),
	}
	if body != "" {
		m.Body = chat.String(body)
	}
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "attachment_path: %v", err)
		}
		kind := chat.AttachmentKind(str(req, "attachment_kind"))
		if kind == "" {
			kind = chat.AttachmentFile
		}
		m.Attachment = &chat.Attachment{Kind: kind, LocalRef: abs, MimeType: str(req, "mime_type")}
	}

	id, err := s.db.InsertLocal(ctx, m)
	if err != nil {
		return nil, toStatus("compose", chat.Storage("insert local", err))
	}
	stored, err := s.db.MessageByID(ctx, id)
	if err != nil || stored == nil {
		return nil, toStatus("compose", chat.Storage("reload message", err))
	}
	if err := s.db.TouchConversation(ctx, store.ConversationTouch{
		OwnerID:        s.owner,
		ConversationID: conv,
		IsGroup:        stored.IsGroup,
		Message:        stored,
	}); err != nil {
		return nil, toStatus("compose", chat.Storage("touch conversation", err))
	}
	s.bus.Emit(bus.ConversationUpdated(conv), nil)
	s.queue.Trigger()

	s.logger.Debug("message composed", zap.Int64("local_id", id), zap.String("conversation_id", conv))
	return respond(messageFields(stored))
}

// ListMessages returns a page of a conversation, newest first.
func (s *MessageService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireConversation(req)
	if err != nil {
		return nil, err
	}
	limit := 50
	if v, ok := integer(req, "limit"); ok && v > 0 {
		limit = int(v)
	}
	var before *int64
	if v, ok := integer(req, "before_archive_id"); ok {
		before = chat.Int64(v)
	}

	msgs, err := s.db.Page(ctx, conv, s.owner, before, limit)
	if err != nil {
		return nil, toStatus("list messages", chat.Storage("page", err))
	}
	state, err := s.pager.State(ctx, conv)
	if err != nil {
		return nil, toStatus("list messages", chat.Storage("pager state", err))
	}
	return respond(map[string]any{
		"messages":  messageList(msgs),
		"has_more":  len(msgs) == limit || state != pager.Exhausted,
		"exhausted": state == pager.Exhausted,
	})
}

// LoadOlder fetches the next page of history from the server.
func (s *MessageService) LoadOlder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireConversation(req)
	if err != nil {
		return nil, err
	}
	res, err := s.pager.LoadOlder(ctx, conv)
	if err != nil {
		return nil, toStatus("load older", err)
	}
	return respond(map[string]any{
		"fetched":   float64(res.Fetched),
		"inserted":  float64(res.Inserted),
		"exhausted": res.Exhausted,
		"shared":    res.Shared,
	})
}

// MarkRead clears the unread state and pushes a seen marker. A failed push
// is reported but the local reset stands.
func (s *MessageService) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireConversation(req)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"conversation_id": conv, "marker_pushed": true}
	if err := s.coord.MarkConversationRead(ctx, conv); err != nil {
		if chat.KindOf(err) == chat.StorageFailure {
			return nil, toStatus("mark read", err)
		}
		s.logger.Warn("seen marker not pushed", zap.String("conversation_id", conv), zap.Error(err))
		out["marker_pushed"] = false
		out["marker_error"] = err.Error()
	}
	return respond(out)
}

// Retry resets the attempts of a failed message and wakes the queue.
func (s *MessageService) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, ok := integer(req, "local_id")
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "local_id is required")
	}
	if err := s.queue.Retry(ctx, id); err != nil {
		return nil, toStatus("retry", err)
	}
	return respond(map[string]any{"local_id": float64(id), "queued": true})
}

// ListConversations returns summaries, most recent first.
func (s *MessageService) ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, offset := 50, 0
	if v, ok := integer(req, "limit"); ok && v > 0 {
		limit = int(v)
	}
	if v, ok := integer(req, "offset"); ok && v > 0 {
		offset = int(v)
	}
	summaries, err := s.db.ListConversations(ctx, s.owner, limit, offset)
	if err != nil {
		return nil, toStatus("list conversations", chat.Storage("list", err))
	}
	list := make([]any, 0, len(summaries))
	for i := range summaries {
		list = append(list, summaryFields(&summaries[i]))
	}
	return respond(map[string]any{"conversations": list, "has_more": len(summaries) == limit})
}

// Search finds messages whose body contains the query.
func (s *MessageService) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q := str(req, "query")
	if q == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	limit := 50
	if v, ok := integer(req, "limit"); ok && v > 0 {
		limit = int(v)
	}
	msgs, err := s.db.SearchMessages(ctx, s.owner, q, str(req, "conversation_id"), limit)
	if err != nil {
		return nil, toStatus("search", chat.Storage("search", err))
	}
	return respond(map[string]any{"messages": messageList(msgs)})
}

// SetPresence records whether the UI is in the background.
func (s *MessageService) SetPresence(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	bg := boolean(req, "background")
	s.presence.background.Store(bg)
	return respond(map[string]any{"background": bg})
}

// Status reports the connection state and store counts.
func (s *MessageService) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{
		"account":     s.account,
		"owner_id":    s.owner,
		"state":       string(s.machine.Current()),
		"state_since": float64(s.machine.Since().UnixMilli()),
		"uptime_ms":   float64(time.Since(s.startedAt).Milliseconds()),
		"background":  s.presence.background.Load(),
	}
	if n, err := s.db.MessageCount(ctx, s.owner); err == nil {
		out["message_count"] = float64(n)
	}
	if n, err := s.db.ConversationCount(ctx, s.owner); err == nil {
		out["conversation_count"] = float64(n)
	}
	if at, ok, err := s.coord.LastCatchUp(ctx); err == nil && ok {
		out["last_catch_up"] = float64(at.UnixMilli())
	}
	return respond(out)
}

// Watch streams bus events until the client goes away.
func (s *MessageService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	events, unsub := s.bus.Subscribe(str(req, "prefix"), 64)
	defer unsub()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := payloadValue(evt.Payload)
			if err != nil {
				s.logger.Warn("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				payload = structpb.NewNullValue()
			}
			out := &structpb.Struct{Fields: map[string]*structpb.Value{
				"event_id":  structpb.NewStringValue(uuid.NewString()),
				"kind":      structpb.NewStringValue(evt.Kind),
				"timestamp": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
				"payload":   payload,
			}}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}
