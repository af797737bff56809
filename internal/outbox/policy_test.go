package outbox

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Multiplier: 2, Cap: time.Second, MaxAttempts: 5}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.failures), "Delay(%d)", tt.failures)
	}
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
}

func TestPolicyWithoutCapGrows(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 3}
	assert.Equal(t, 9*time.Second, p.Delay(3))
}

func TestTimerSchedulerCoalescesToEarliest(t *testing.T) {
	var fired atomic.Int32
	done := make(chan struct{}, 4)
	s := NewTimerScheduler(func() {
		fired.Add(1)
		done <- struct{}{}
	})
	defer s.Stop()

	s.ScheduleRetry(time.Hour)
	s.ScheduleRetry(20 * time.Millisecond)
	s.ScheduleRetry(time.Hour)
	d, ok := s.Pending()
	require.True(t, ok)
	require.LessOrEqual(t, d, 20*time.Millisecond, "pending must be the earliest deadline")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	_, ok = s.Pending()
	assert.False(t, ok, "deadline still pending after fire")
}

func TestTimerSchedulerStop(t *testing.T) {
	var fired atomic.Int32
	s := NewTimerScheduler(func() { fired.Add(1) })
	s.ScheduleRetry(10 * time.Millisecond)
	s.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fired.Load(), "stopped scheduler fired")
}

func TestManualScheduler(t *testing.T) {
	var s ManualScheduler
	_, ok := s.Last()
	assert.False(t, ok, "empty scheduler has a request")
	s.ScheduleRetry(time.Second)
	s.ScheduleRetry(2 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.Requests())
}
