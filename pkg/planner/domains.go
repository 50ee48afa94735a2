package planner

import (
	"net"
	"net/url"
	"strings"
)

// MatchDomain reports whether host matches a pack domain pattern.
// "*.example.gov" matches any subdomain of example.gov but NOT
// example.gov itself; the apex must be listed exactly to be allowed.
func MatchDomain(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if pattern == "" || host == "" {
		return false
	}

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// matchAny reports whether host matches any pattern in the list.
func matchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if MatchDomain(p, host) {
			return true
		}
	}
	return false
}

// alwaysBlockedSuffixes are never reachable regardless of pack policy.
var alwaysBlockedSuffixes = []string{".local", ".internal", ".onion"}

// alwaysBlockedHosts are exact-match internal endpoints.
var alwaysBlockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"169.254.169.254":          true, // cloud metadata
}

// AlwaysBlocked reports whether a host is in the fixed internal blocklist:
// loopback, private and link-local addresses, and internal name suffixes.
func AlwaysBlocked(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return true
	}
	if alwaysBlockedHosts[host] {
		return true
	}
	for _, suffix := range alwaysBlockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}
	return false
}

// HostOf extracts the hostname from a step target. Targets that are not
// absolute URLs (CSS selectors, relative paths) have no domain.
func HostOf(target string) string {
	if !strings.Contains(target, "://") {
		return ""
	}
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
