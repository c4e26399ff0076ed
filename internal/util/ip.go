package util

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller's address for the transition audit trail,
// preferring X-Forwarded-For and X-Real-IP when the service sits behind a
// proxy. Header values that are not IP addresses are ignored.
func ClientIP(r *http.Request) string {
	// Format: client, proxy1, proxy2
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}

	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
