package registry

import (
	"net"
	"net/url"
	"strings"
)

const (
	// Swap aggregator endpoint (0x v2, allowance-holder flow).
	ZeroExBaseURL   = "https://api.0x.org"
	ZeroExQuotePath = "/swap/allowance-holder/quote"
)

// IsAllowedZeroExBaseURL rejects configured aggregator endpoints that would
// send the API key or taker address to an unexpected host. Loopback hosts are
// accepted for local testing.
func IsAllowedZeroExBaseURL(endpoint string) bool {
	if strings.TrimSpace(endpoint) == "" {
		return true
	}
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return false
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return false
	}
	if isLoopbackHost(parsed.Hostname()) {
		scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
		return scheme == "" || scheme == "http" || scheme == "https"
	}
	if !strings.EqualFold(strings.TrimSpace(parsed.Scheme), "https") {
		return false
	}
	allowed, err := url.Parse(ZeroExBaseURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host != allowed.Hostname() && !strings.HasSuffix(host, ".0x.org") {
		return false
	}
	return normalizedURLPort(parsed) == normalizedURLPort(allowed)
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func normalizedURLPort(parsed *url.URL) string {
	if parsed == nil {
		return ""
	}
	if port := strings.TrimSpace(parsed.Port()); port != "" {
		return port
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
