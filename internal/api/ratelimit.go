package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// actorLimiter keeps a token bucket per authenticated actor so one
// heavy user cannot starve the expensive endpoints for everyone else.
type actorLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newActorLimiter(perMinute int) *actorLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &actorLimiter{
		perMin:   perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the actor may proceed right now.
func (l *actorLimiter) Allow(actor string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[actor]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.limiters[actor] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
