package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// maxUserAgentLen bounds what is stored in login logs.
const maxUserAgentLen = 512

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
}

// IPResolver determines the client address of a request. Forwarding
// headers are honoured only when the direct peer is a trusted proxy.
type IPResolver struct {
	trusted []netip.Prefix
}

// NewIPResolver parses the trusted proxy CIDRs. Invalid entries are skipped.
func NewIPResolver(config *IPConfig) *IPResolver {
	res := &IPResolver{}
	if config == nil {
		return res
	}
	for _, cidr := range config.TrustedProxies {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		res.trusted = append(res.trusted, prefix.Masked())
	}
	return res
}

// ClientIP returns the client address for r.
func (res *IPResolver) ClientIP(r *http.Request) string {
	remote := remoteAddr(r)
	if !res.isTrusted(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, candidate := range strings.Split(xff, ",") {
			candidate = strings.TrimSpace(candidate)
			if _, err := netip.ParseAddr(candidate); err == nil {
				return candidate
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}
	return remote
}

func (res *IPResolver) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range res.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ExtractClientIP is a convenience wrapper for one-off lookups.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	return NewIPResolver(config).ClientIP(r)
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// UserAgent returns the request's User-Agent, truncated for storage.
func UserAgent(r *http.Request) string {
	ua := r.UserAgent()
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	return ua
}
