package remote

import (
	"fmt"
	"strings"
)

// EndpointMode selects how the group endpoint is appended to a host url.
type EndpointMode string

const (
	// ModeLegacy appends the endpoint unless the endpoint string itself
	// contains the url past its first byte. This reproduces the historical
	// behavior of group hosts' clients and almost always appends, so a url
	// that already ends in the endpoint gets it twice.
	ModeLegacy EndpointMode = "legacy"
	// ModeSuffix appends the endpoint only when the url does not already
	// end with it.
	ModeSuffix EndpointMode = "suffix"
)

// ParseEndpointMode validates a configured mode.
func ParseEndpointMode(s string) (EndpointMode, error) {
	switch m := EndpointMode(s); m {
	case ModeLegacy, ModeSuffix:
		return m, nil
	case "":
		return ModeLegacy, nil
	default:
		return "", fmt.Errorf("unknown endpoint mode %q", s)
	}
}

// normalize returns the url that commands for baseURL are sent to.
func normalize(mode EndpointMode, endpoint, baseURL string) string {
	if endpoint == "" {
		return baseURL
	}
	switch mode {
	case ModeSuffix:
		trimmed := strings.TrimRight(baseURL, "/")
		if strings.HasSuffix(trimmed, strings.TrimRight(endpoint, "/")) {
			return trimmed
		}
		return trimmed + endpoint
	default:
		if strings.Index(endpoint, baseURL) > 0 {
			return baseURL
		}
		return baseURL + endpoint
	}
}

const hexDigits = "0123456789ABCDEF"

// rawURLEncode percent-encodes every byte except the RFC 3986 unreserved
// set, so the result is safe as a single path segment.
func rawURLEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
