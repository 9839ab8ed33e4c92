package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// RateLimiter is a per-key token-bucket limiter, wired on
// golang.org/x/time/rate (carried from jordigilh-kubernaut's and
// jra3-linear-fuse's dependency graphs) rather than a hand-rolled bucket,
// since the spec's rate limiter is exactly the token-bucket algorithm that
// package implements.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing rps sustained requests per
// second per key, with burst headroom.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Wait blocks until key's bucket has a token, ctx is cancelled, or
// deadline passes — whichever comes first. A deadline that the bucket's
// refill rate cannot satisfy in time yields RateLimitExceeded rather than
// blocking past it, per §4.1 ("deadline-bound").
func (r *RateLimiter) Wait(ctx context.Context, key string, deadline time.Time) error {
	limiter := r.limiterFor(key)

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := limiter.Wait(waitCtx); err != nil {
		return errs.Security(errs.RuleRateLimitExceeded, "rate limit exceeded for "+key)
	}
	return nil
}

// Allow reports whether key has a token available right now, without
// waiting, for call sites that want a non-blocking check.
func (r *RateLimiter) Allow(key string) bool {
	return r.limiterFor(key).Allow()
}
