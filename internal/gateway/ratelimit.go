// ABOUTME: Per-sender token bucket limiting for the message send endpoint
// ABOUTME: One rate.Limiter per user id, created on first use

package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// senderLimiter hands out a limiter per sending user. A nil senderLimiter
// allows everything.
type senderLimiter struct {
	limit rate.Limit
	burst int

	limiters sync.Map // userID -> *rate.Limiter
}

// newSenderLimiter returns nil when perSecond is not positive.
func newSenderLimiter(perSecond float64, burst int) *senderLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &senderLimiter{limit: rate.Limit(perSecond), burst: burst}
}

// Allow reports whether userID may send now.
func (l *senderLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	return l.get(userID).Allow()
}

func (l *senderLimiter) get(userID string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(userID); ok {
		return limiter.(*rate.Limiter)
	}
	actual, _ := l.limiters.LoadOrStore(userID, rate.NewLimiter(l.limit, l.burst))
	return actual.(*rate.Limiter)
}
