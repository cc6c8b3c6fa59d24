package ratelimit

import (
	"net/http"
	"strconv"
)

// WriteHeaders sets the X-RateLimit-* headers for res, and Retry-After when
// res was rejected.
func WriteHeaders(h http.Header, res Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
	} else {
		h.Del("Retry-After")
	}
}
