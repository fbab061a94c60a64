package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller address used for rate-limit keys and callback
// events. Forwarding headers count only when they carry a parseable IP;
// otherwise the connection address is used.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	for _, candidate := range []string{first, r.Header.Get("X-Real-IP")} {
		if ip := normaliseIP(candidate); ip != "" {
			return ip
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := normaliseIP(addr); ip != "" {
		return ip
	}
	return addr
}

func normaliseIP(v string) string {
	ip := net.ParseIP(strings.TrimSpace(v))
	if ip == nil {
		return ""
	}
	return ip.String()
}
