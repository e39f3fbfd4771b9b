package nostr

import (
	"net/url"
	"strings"
	"unicode"

	"psilo/internal/util"
)

// NormalizeURL maps any relay address onto its websocket form.
// wss:// and ws:// are kept, https:// becomes wss://, http:// becomes ws://,
// and a bare host is prefixed with wss://. Trailing slashes and whitespace are
// dropped. The function is idempotent and its result is the cache key for
// everything keyed by relay.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	scheme, rest := "wss://", s
	switch {
	case hasPrefixFold(s, "wss://"):
		rest = s[len("wss://"):]
	case hasPrefixFold(s, "ws://"):
		scheme, rest = "ws://", s[len("ws://"):]
	case hasPrefixFold(s, "https://"):
		rest = s[len("https://"):]
	case hasPrefixFold(s, "http://"):
		scheme, rest = "ws://", s[len("http://"):]
	}

	rest = strings.TrimRightFunc(rest, func(r rune) bool {
		return r == '/' || unicode.IsSpace(r)
	})
	return scheme + rest
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// HTTPURL returns the http(s) form of a relay URL, used for NIP-11 requests
func HTTPURL(relayURL string) string {
	n := NormalizeURL(relayURL)
	if strings.HasPrefix(n, "ws://") {
		return "http://" + n[len("ws://"):]
	}
	return "https://" + strings.TrimPrefix(n, "wss://")
}

// DisplayName strips the scheme from a relay URL
func DisplayName(relayURL string) string {
	n := NormalizeURL(relayURL)
	if i := strings.Index(n, "://"); i >= 0 {
		return n[i+3:]
	}
	return n
}

// FaviconURL returns the conventional favicon location for a relay host
func FaviconURL(relayURL string) string {
	parsed, err := url.Parse(HTTPURL(relayURL))
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host + "/favicon.ico"
}

// IsValidRelayURL reports whether a normalized URL is something we are willing to dial.
// Loopback hosts are allowed for development; other internal names are rejected.
func IsValidRelayURL(relayURL string) bool {
	if strings.Contains(relayURL, "%20") || strings.Count(relayURL, "://") != 1 {
		return false
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" || strings.Contains(host, " ") {
		return false
	}
	if util.IsLoopbackHost(host) {
		return true
	}
	if !strings.Contains(host, ".") {
		return false
	}
	return !util.IsInternalHost(host)
}
