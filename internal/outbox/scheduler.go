package outbox

import (
	"sync"
	"time"
)

// Scheduler is asked to trigger the queue again after a delay. The queue
// decides when; the scheduler decides how.
type Scheduler interface {
	ScheduleRetry(after time.Duration)
}

// TimerScheduler fires a callback from an in-process timer. Requests
// coalesce to the earliest deadline.
type TimerScheduler struct {
	fire func()

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	gen      uint64
}

// NewTimerScheduler returns a scheduler calling fire on each deadline.
func NewTimerScheduler(fire func()) *TimerScheduler {
	return &TimerScheduler{fire: fire}
}

func (s *TimerScheduler) ScheduleRetry(after time.Duration) {
	if after < 0 {
		after = 0
	}
	deadline := time.Now().Add(after)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil && !s.deadline.IsZero() && !deadline.Before(s.deadline) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.deadline = deadline
	s.timer = time.AfterFunc(after, func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.deadline = time.Time{}
		s.timer = nil
		s.mu.Unlock()
		s.fire()
	})
}

// Pending returns the time until the next deadline, if any.
func (s *TimerScheduler) Pending() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return 0, false
	}
	return time.Until(s.deadline), true
}

// Stop cancels the pending deadline.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.deadline = time.Time{}
	}
}

// ManualScheduler records requests and never fires. An external job
// runner, or a test, reads them and triggers the queue itself.
type ManualScheduler struct {
	mu       sync.Mutex
	requests []time.Duration
}

func (s *ManualScheduler) ScheduleRetry(after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, after)
}

// Requests returns every recorded delay in order.
func (s *ManualScheduler) Requests() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.requests...)
}

// Last returns the most recent request.
func (s *ManualScheduler) Last() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return 0, false
	}
	return s.requests[len(s.requests)-1], true
}
