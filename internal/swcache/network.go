package swcache

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Network performs the real fetch behind a worker. A non-2xx status is a
// response, not an error; errors mean the network could not answer at all.
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (CacheEntry, error)
}

var (
	// ErrOffline is returned when neither the network nor the cache can answer.
	ErrOffline        = errors.New("network unavailable and no cached response")
	ErrDevOnly        = errors.New("command is only available in development mode")
	ErrNoWorker       = errors.New("no active worker")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrRegistryClosed = errors.New("registry closed")
)

// isNavigation reports whether r loads a document rather than a subresource.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// IsLocalHost reports hosts treated as a local development context.
func IsLocalHost(host string) bool {
	h := strings.ToLower(host)
	if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	}
	h = strings.Trim(h, "[]")
	return h == "localhost" || strings.HasSuffix(h, ".localhost") || h == "127.0.0.1" || h == "::1"
}
