package server

import (
	"net"
	"net/http"
	"strings"
)

// clientIP extracts the caller's address, preferring the first entry of
// X-Forwarded-For over the socket peer. IPv4-mapped IPv6 addresses are
// normalized to their IPv4 form.
func clientIP(r *http.Request) string {
	raw := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		raw = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		raw = host
	} else {
		raw = r.RemoteAddr
	}

	if ip := net.ParseIP(raw); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return raw
}

// ipAllowed reports whether ip matches the allowlist. Entries may be
// bare addresses or CIDR ranges. An empty allowlist admits everyone.
func ipAllowed(ip string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, entry := range allowlist {
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil || parsed == nil {
				continue
			}
			if network.Contains(parsed) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && parsed != nil {
			if allowed.Equal(parsed) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}
