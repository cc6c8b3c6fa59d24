package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/acgh213/repairdesk/internal/cache"
)

// TokenBucket is a Limiter that refills MaxRequests tokens evenly across
// Window instead of resetting at a boundary. It smooths the boundary burst of
// FixedWindow at the cost of less predictable reset times.
type TokenBucket struct {
	buckets *cache.Cache[*rate.Limiter]
	now     func() time.Time
}

var _ Limiter = (*TokenBucket)(nil)

func NewTokenBucket(c *cache.Cache[*rate.Limiter], now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{buckets: c, now: now}
}

func interval(p Profile) time.Duration {
	return p.Window / time.Duration(p.MaxRequests)
}

// Check takes one token for identifier. An idle bucket is full again after
// one Window, so its cache entry is allowed to expire then.
func (l *TokenBucket) Check(identifier string, p Profile) Result {
	now := l.now()
	every := interval(p)

	var (
		allowed bool
		tokens  float64
	)
	l.buckets.Update(windowKey(identifier, p), func(lim *rate.Limiter, ok bool) (*rate.Limiter, time.Duration) {
		if !ok {
			lim = rate.NewLimiter(rate.Every(every), p.MaxRequests)
		}
		allowed = lim.AllowN(now, 1)
		tokens = lim.TokensAt(now)
		return lim, p.Window
	})

	missing := float64(p.MaxRequests) - tokens
	res := Result{
		Allowed:   allowed,
		Limit:     p.MaxRequests,
		Remaining: max(int(math.Floor(tokens)), 0),
		ResetAt:   now.Add(time.Duration(missing * float64(every))),
	}
	if !allowed {
		wait := time.Duration((1 - tokens) * float64(every))
		secs := math.Ceil(wait.Seconds())
		res.RetryAfter = time.Duration(max(secs, 1)) * time.Second
	}
	return res
}

func (l *TokenBucket) Reset(identifier string, p Profile) {
	l.buckets.Delete(windowKey(identifier, p))
}
