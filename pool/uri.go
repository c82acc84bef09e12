package pool

import (
	"fmt"
	"net/url"
)

// NormalizeHostURI rewrites a host URI onto the WARP WebSocket scheme:
// http -> ws, https -> wss. ws/wss URIs pass through unchanged. Any
// other scheme is rejected.
func NormalizeHostURI(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("pool: invalid host URI %q: %w", host, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		// already WARP-scheme
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("pool: unsupported host URI scheme %q", u.Scheme)
	}
	return u.String(), nil
}
