// Package origin implements the networks a worker fetches from when its
// caches cannot answer.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"minishell/internal/swcache"
)

// HTTP fetches from a bundle origin over HTTP. Relative request URLs are
// resolved against Base; absolute URLs are fetched as they are.
type HTTP struct {
	Base   string
	Client *http.Client
}

func NewHTTP(base string) *HTTP {
	return &HTTP{
		Base:   strings.TrimRight(base, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *HTTP) Fetch(ctx context.Context, r *http.Request) (swcache.CacheEntry, error) {
	target := r.URL.String()
	if !r.URL.IsAbs() {
		if o.Base == "" {
			return swcache.CacheEntry{}, fmt.Errorf("no origin configured for %s", r.URL.RequestURI())
		}
		target = o.Base + r.URL.RequestURI()
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead && r.Body != nil {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return swcache.CacheEntry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := o.Client.Do(req)
	if err != nil {
		return swcache.CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return swcache.CacheEntry{}, err
	}
	return swcache.NewEntry(resp.StatusCode, resp.Header, b), nil
}

var hopHeaders = []string{"Host", "Connection", "Upgrade", "Te", "Trailer", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding"}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}
