package panflux

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expiringIn(d time.Duration) *Token {
	return &Token{
		AccessToken: "a",
		Edges:       []string{"https://a/"},
		ExpireTime:  time.Now().Add(d).Unix(),
	}
}

func TestScheduler_FiresLeadTimeBeforeExpiry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fired := make(chan *Token, 1)
		s := newRefreshScheduler(DefaultRefreshLeadTime, time.Now, func(tok *Token) { fired <- tok })
		defer s.stop()

		tok := expiringIn(10 * time.Minute)
		s.schedule(tok)
		assert.True(t, s.pending())

		time.Sleep(9*time.Minute - time.Second)
		synctest.Wait()
		assert.Empty(t, fired, "must not fire before expiry minus lead time")

		time.Sleep(2 * time.Second)
		synctest.Wait()

		require.Len(t, fired, 1)
		assert.Same(t, tok, <-fired)
		assert.False(t, s.pending())
	})
}

func TestScheduler_ReplacementCancelsPreviousTimer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fired := make(chan *Token, 2)
		s := newRefreshScheduler(DefaultRefreshLeadTime, time.Now, func(tok *Token) { fired <- tok })
		defer s.stop()

		first := expiringIn(5 * time.Minute)
		second := expiringIn(20 * time.Minute)

		s.schedule(first)
		s.schedule(second)

		time.Sleep(10 * time.Minute)
		synctest.Wait()
		assert.Empty(t, fired, "the first timer must be cancelled")

		time.Sleep(10 * time.Minute)
		synctest.Wait()

		require.Len(t, fired, 1)
		assert.Same(t, second, <-fired)
	})
}

func TestScheduler_ExpiredTokenFiresAfterMinimumDelay(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fired := make(chan *Token, 1)
		s := newRefreshScheduler(DefaultRefreshLeadTime, time.Now, func(tok *Token) { fired <- tok })
		defer s.stop()

		s.schedule(expiringIn(-time.Hour))

		time.Sleep(minRefreshDelay - time.Millisecond)
		synctest.Wait()
		assert.Empty(t, fired)

		time.Sleep(time.Millisecond)
		synctest.Wait()
		assert.Len(t, fired, 1)
	})
}

func TestScheduler_ShortLivedTokenRenewsHalfway(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fired := make(chan *Token, 1)
		s := newRefreshScheduler(DefaultRefreshLeadTime, time.Now, func(tok *Token) { fired <- tok })
		defer s.stop()

		// Shorter than the lead time: renewing at expiry minus lead would
		// mean renewing at once.
		s.schedule(expiringIn(30 * time.Second))

		time.Sleep(15*time.Second - time.Millisecond)
		synctest.Wait()
		assert.Empty(t, fired)

		time.Sleep(time.Millisecond)
		synctest.Wait()
		assert.Len(t, fired, 1)
	})
}

func TestRefreshDelay(t *testing.T) {
	tests := []struct {
		name     string
		lifetime time.Duration
		want     time.Duration
	}{
		{"long lived", time.Hour, time.Hour - DefaultRefreshLeadTime},
		{"twice the lead", 2 * DefaultRefreshLeadTime, DefaultRefreshLeadTime},
		{"shorter than lead", 30 * time.Second, 15 * time.Second},
		{"very short", 4 * time.Second, minRefreshDelay},
		{"expired", -time.Minute, minRefreshDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, refreshDelay(tt.lifetime, DefaultRefreshLeadTime))
		})
	}
}

func TestScheduler_NoExpiryNotScheduled(t *testing.T) {
	s := newRefreshScheduler(DefaultRefreshLeadTime, time.Now, func(*Token) { t.Fatal("unexpected fire") })
	defer s.stop()

	s.schedule(&Token{AccessToken: "a", Edges: []string{"https://a/"}})
	assert.False(t, s.pending())

	s.schedule(nil)
	assert.False(t, s.pending())
}

func TestScheduler_StopPreventsFire(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fired := make(chan *Token, 1)
		s := newRefreshScheduler(DefaultRefreshLeadTime, time.Now, func(tok *Token) { fired <- tok })

		s.schedule(expiringIn(2 * time.Minute))
		s.stop()

		s.schedule(expiringIn(2 * time.Minute))
		assert.False(t, s.pending(), "stopped scheduler refuses new timers")

		time.Sleep(5 * time.Minute)
		synctest.Wait()
		assert.Empty(t, fired)
	})
}

func TestScheduler_CancelDisarms(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fired := make(chan *Token, 1)
		s := newRefreshScheduler(time.Minute, time.Now, func(tok *Token) { fired <- tok })
		defer s.stop()

		s.schedule(expiringIn(3 * time.Minute))
		s.cancel()

		time.Sleep(5 * time.Minute)
		synctest.Wait()
		assert.Empty(t, fired)
		assert.False(t, s.pending())
	})
}
