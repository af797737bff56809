package outbox

import (
	"math"
	"time"
)

// Policy is the retry backoff policy. The wait after the n-th consecutive
// failure is min(Base * Multiplier^(n-1), Cap). After MaxAttempts failures
// a message waits for an explicit retry.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:        2 * time.Second,
		Multiplier:  2,
		Cap:         5 * time.Minute,
		MaxAttempts: 8,
	}
}

// Delay returns the wait after the given number of failures.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 || p.Base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(failures-1))
	if p.Cap > 0 && d >= float64(p.Cap) {
		return p.Cap
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether a message with this many failures is no
// longer retried automatically.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
