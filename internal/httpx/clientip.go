package httpx

import (
	"net"
	"net/http"
)

// ClientIP returns the host part of r.RemoteAddr. Forwarding headers are
// not read here; when the server sits behind a trusted proxy, chi's RealIP
// middleware has already rewritten RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
