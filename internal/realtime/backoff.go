package realtime

import (
	"sync"
	"time"
)

// Backoff is a bounded exponential reconnection policy.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is 1s doubling up to 30s, five attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given reconnection attempt (1-based):
// min(Base * 2^(attempt-1), Max).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Scheduler owns the single pending reconnection timer and the attempt counter.
type Scheduler struct {
	backoff   Backoff
	afterFunc AfterFunc

	mu       sync.Mutex
	attempts int
	pending  Timer
	gen      uint64
}

// NewScheduler creates a Scheduler. A nil afterFunc uses the system clock.
func NewScheduler(b Backoff, afterFunc AfterFunc) *Scheduler {
	if afterFunc == nil {
		afterFunc = systemAfterFunc
	}
	return &Scheduler{backoff: b, afterFunc: afterFunc}
}

// Schedule arranges for fn to run after the next backoff delay.
// It returns false without scheduling when a timer is already pending
// or the attempt budget is spent.
func (s *Scheduler) Schedule(fn func()) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil || s.attempts >= s.backoff.MaxAttempts {
		return 0, false
	}

	s.attempts++
	delay := s.backoff.Delay(s.attempts)

	s.gen++
	gen := s.gen
	s.pending = s.afterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen || s.pending == nil {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.mu.Unlock()
		fn()
	})

	return delay, true
}

// Cancel stops the pending timer, if any. The attempt counter is kept.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// Reset zeroes the attempt counter after a successful open or a manual connect.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

// Attempts returns the number of reconnections scheduled since the last Reset.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether a reconnection timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Exhausted reports whether the attempt budget is spent.
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts >= s.backoff.MaxAttempts
}
