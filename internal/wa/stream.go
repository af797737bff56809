package wa

import (
	"sync"

	"github.com/matheus3301/courier/internal/remote"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// stream turns whatsmeow callbacks into the inbound event channel of one
// connection. Handlers block until the consumer takes the event or the
// stream ends.
type stream struct {
	owner  func() string
	logger *zap.Logger

	mu        sync.Mutex
	cur       *session
	loggedOut bool
}

type session struct {
	in   chan remote.Event
	out  chan remote.Event
	done chan struct{}
	once sync.Once
}

func newStream(owner func() string, logger *zap.Logger) *stream {
	return &stream{owner: owner, logger: logger}
}

// open ends the previous session and starts a fresh one.
func (s *stream) open(buf int) <-chan remote.Event {
	sess := &session{
		in:   make(chan remote.Event),
		out:  make(chan remote.Event, buf),
		done: make(chan struct{}),
	}
	go sess.forward()

	s.mu.Lock()
	prev := s.cur
	s.cur = sess
	s.loggedOut = false
	s.mu.Unlock()
	if prev != nil {
		prev.end()
	}
	return sess.out
}

func (sess *session) forward() {
	defer close(sess.out)
	for {
		select {
		case <-sess.done:
			return
		case e := <-sess.in:
			select {
			case sess.out <- e:
			case <-sess.done:
				return
			}
		}
	}
}

func (sess *session) end() {
	sess.once.Do(func() { close(sess.done) })
}

// close ends the current session. loggedOut is remembered for the next open.
func (s *stream) close(loggedOut bool) {
	s.mu.Lock()
	cur := s.cur
	s.cur = nil
	if loggedOut {
		s.loggedOut = true
	}
	s.mu.Unlock()
	if cur != nil {
		cur.end()
	}
}

func (s *stream) clearLoggedOut() {
	s.mu.Lock()
	s.loggedOut = false
	s.mu.Unlock()
}

func (s *stream) isLoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

func (s *stream) emit(e remote.Event) {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur == nil {
		s.logger.Debug("event without open stream", zap.String("event", remote.EventName(e)))
		return
	}
	select {
	case cur.in <- e:
	case <-cur.done:
	}
}

// handle is registered as the whatsmeow event handler.
func (s *stream) handle(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		s.emit(remote.NewMessage{Message: liveMessage(evt, s.owner())})
	case *events.HistorySync:
		msgs := historyMessages(evt.Data, s.owner())
		s.logger.Info("history sync", zap.Int("messages", len(msgs)))
		for _, m := range msgs {
			s.emit(remote.NewMessage{Message: m})
		}
	case *events.Receipt:
		if marker, ok := receiptMarker(evt); ok {
			s.emit(marker)
		}
	case *events.Connected:
		s.logger.Info("whatsapp connected")
	case *events.Disconnected:
		s.logger.Warn("whatsapp disconnected")
		s.close(false)
	case *events.StreamReplaced:
		s.logger.Warn("whatsapp stream replaced by another client")
		s.close(false)
	case *events.LoggedOut:
		s.logger.Warn("whatsapp logged out", zap.String("reason", evt.Reason.String()))
		s.close(true)
	}
}
