/*
Package identity derives the per-request Request Identity (§3) that
every downstream subsystem keys off of: client IP, user, tenant, path,
method, priority class, and correlation id.
*/
package identity

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Request is the immutable identity derived for one inbound request.
// Once built it is never mutated — it is passed by value through the
// pipeline.
type Request struct {
	ClientIP      string
	UserID        string
	TenantID      string
	Path          string
	Method        string
	Priority      int
	CorrelationID string
}

// Default priority bands, applied when no explicit header is present.
const (
	PriorityImportant = 0
	PriorityNormal    = 5
	PriorityDefault   = 9
)

// Extract derives a Request identity from an inbound HTTP request.
// It never blocks and never mutates r.
func Extract(r *http.Request) Request {
	return Request{
		ClientIP:      clientIP(r),
		UserID:        r.Header.Get("X-User-ID"),
		TenantID:      r.Header.Get("X-Tenant-ID"),
		Path:          r.URL.Path,
		Method:        r.Method,
		Priority:      priority(r),
		CorrelationID: correlationID(r),
	}
}

// clientIP prefers the first token of X-Forwarded-For, then
// X-Real-IP, then the socket peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if comma := strings.IndexByte(xff, ','); comma >= 0 {
			return strings.TrimSpace(xff[:comma])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := splitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// splitHostPort splits hostport at its last colon without calling
// net.SplitHostPort; an address with no colon is returned whole as the
// host. It never returns an error.
func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return hostport, "", nil
	}
	return hostport[:i], hostport[i+1:], nil
}

// priority resolves the request's priority class: explicit header,
// else path-prefix inference, else the lowest-priority default.
func priority(r *http.Request) int {
	if h := r.Header.Get("X-Request-Priority"); h != "" {
		if p, err := strconv.Atoi(h); err == nil && p >= 0 && p <= 9 {
			return p
		}
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/important/"):
		return PriorityImportant
	case strings.HasPrefix(r.URL.Path, "/normal/"):
		return PriorityNormal
	default:
		return PriorityDefault
	}
}

// correlationID returns the inbound X-Correlation-ID or mints a fresh
// random UUID via google/uuid, matching the teacher's request-id
// generation idiom.
func correlationID(r *http.Request) string {
	if v := r.Header.Get("X-Correlation-ID"); v != "" {
		return v
	}
	return uuid.NewString()
}
