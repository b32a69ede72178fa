package panflux

import (
	"sync"
	"time"
)

const (
	// DefaultRefreshLeadTime is how long before expiry the scheduler
	// renews a token.
	DefaultRefreshLeadTime = 60 * time.Second
	// DefaultSafetyMargin is how much lifetime GetLink requires a token
	// to have left before it is used.
	DefaultSafetyMargin = 300 * time.Second

	// minRefreshDelay bounds how often renewals can fire when the server
	// issues tokens that are already expired or shorter than the lead.
	minRefreshDelay = 5 * time.Second
)

// refreshScheduler holds at most one pending renewal timer. Scheduling a
// new token cancels the previous timer.
type refreshScheduler struct {
	lead time.Duration
	now  func() time.Time
	fire func(tok *Token)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func newRefreshScheduler(lead time.Duration, now func() time.Time, fire func(*Token)) *refreshScheduler {
	return &refreshScheduler{lead: lead, now: now, fire: fire}
}

// schedule arms the timer for tok. Tokens without a known expiry are not
// scheduled.
func (s *refreshScheduler) schedule(tok *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()

	if s.stopped || tok == nil || tok.ExpireTime <= 0 {
		return
	}

	delay := refreshDelay(tok.ExpiresAt().Sub(s.now()), s.lead)

	gen := s.gen
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.gen || s.stopped {
			s.mu.Unlock()
			return
		}

		s.timer = nil
		s.mu.Unlock()

		s.fire(tok)
	})
}

// refreshDelay renews lead before expiry, or halfway through lifetimes
// shorter than twice the lead, and never sooner than minRefreshDelay.
func refreshDelay(lifetime, lead time.Duration) time.Duration {
	lead = min(lead, lifetime/2)

	return max(lifetime-lead, minRefreshDelay)
}

func (s *refreshScheduler) cancel() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
}

func (s *refreshScheduler) cancelLocked() {
	s.gen++

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// stop cancels the pending timer and refuses further scheduling.
func (s *refreshScheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancelLocked()
	s.mu.Unlock()
}

func (s *refreshScheduler) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.timer != nil
}
