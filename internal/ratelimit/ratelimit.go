// Package ratelimit implements per-identifier request admission control.
//
// The default Limiter is a fixed window: a counter that resets entirely once
// its window has elapsed since the first request in it. A burst straddling a
// window boundary can therefore admit up to 2×MaxRequests requests within a
// short span. That is accepted behavior for the profiles defined here.
//
// Counters are process-local. Several server instances behind a load
// balancer each keep their own windows.
package ratelimit

import (
	"fmt"
	"math"
	"time"

	"github.com/acgh213/repairdesk/internal/cache"
)

// Profile names a limit: at most MaxRequests per Window.
type Profile struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

var (
	Login  = Profile{Name: "login", MaxRequests: 5, Window: time.Minute}
	API    = Profile{Name: "api", MaxRequests: 100, Window: time.Minute}
	Strict = Profile{Name: "strict", MaxRequests: 3, Window: time.Minute}
)

// Result is the outcome of a single Check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when Allowed
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Err returns an *ExceededError for a rejected result and nil otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &ExceededError{RetryAfter: r.RetryAfter}
}

// ExceededError reports a rejected request.
type ExceededError struct {
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Limiter decides whether identifier may make another request under p.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Check(identifier string, p Profile) Result
	Reset(identifier string, p Profile)
}

// Window is the counter state of one (profile, identifier) pair.
type Window struct {
	Count int
	Start time.Time
}

// FixedWindow is a Limiter backed by a TTL cache of windows. Each window's
// cache entry expires when the window rolls over.
type FixedWindow struct {
	windows *cache.Cache[Window]
	now     func() time.Time
}

var _ Limiter = (*FixedWindow)(nil)

// NewFixedWindow creates a fixed-window limiter storing its counters in c.
func NewFixedWindow(c *cache.Cache[Window], now func() time.Time) *FixedWindow {
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{windows: c, now: now}
}

func windowKey(identifier string, p Profile) string {
	return "rate:" + p.Name + ":" + identifier
}

// Check counts a request and reports whether it is admitted. Rejected
// requests still count, so the window stays exhausted until it rolls over.
func (l *FixedWindow) Check(identifier string, p Profile) Result {
	now := l.now()

	w := l.windows.Update(windowKey(identifier, p), func(cur Window, ok bool) (Window, time.Duration) {
		if !ok || now.Sub(cur.Start) >= p.Window {
			cur = Window{Count: 1, Start: now}
		} else {
			cur.Count++
		}
		return cur, cur.Start.Add(p.Window).Sub(now)
	})

	resetAt := w.Start.Add(p.Window)
	res := Result{
		Allowed:   w.Count <= p.MaxRequests,
		Limit:     p.MaxRequests,
		Remaining: max(p.MaxRequests-w.Count, 0),
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		secs := math.Ceil(resetAt.Sub(now).Seconds())
		res.RetryAfter = time.Duration(max(secs, 1)) * time.Second
	}
	return res
}

// Reset forgets the window for identifier under p. Call it after a
// successful login so earlier near-misses are forgiven.
func (l *FixedWindow) Reset(identifier string, p Profile) {
	l.windows.Delete(windowKey(identifier, p))
}
