package swcache

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testHost = "shapes.example.com"

type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]CacheEntry
	offline   bool
	calls     []string
	hosts     []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]CacheEntry{}}
}

func (f *fakeNetwork) set(ref, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[ref] = NewEntry(http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, []byte(body))
}

func (f *fakeNetwork) setStatus(ref string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[ref] = NewEntry(status, http.Header{"Content-Type": {"text/plain"}}, []byte(body))
}

func (f *fakeNetwork) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeNetwork) called(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == ref {
			n++
		}
	}
	return n
}

func (f *fakeNetwork) Fetch(_ context.Context, r *http.Request) (CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := r.URL.String()
	f.calls = append(f.calls, ref)
	f.hosts = append(f.hosts, r.Host)
	if f.offline {
		return CacheEntry{}, errors.New("dial tcp: connection refused")
	}
	ent, ok := f.responses[ref]
	if !ok {
		return NewEntry(http.StatusNotFound, nil, []byte("not found")), nil
	}
	if rng := r.Header.Get("Range"); rng != "" {
		h := cloneHeader(ent.Header)
		h.Set("Content-Range", "bytes 0-1/"+strconv.Itoa(len(ent.Body)))
		return NewEntry(http.StatusPartialContent, h, ent.Body[:2]), nil
	}
	return ent, nil
}

func newTestWorker(t *testing.T, opts Options, net Network, store Storage) *Worker {
	t.Helper()
	if opts.Host == "" {
		opts.Host = testHost
	}
	if opts.ScriptURL == "" {
		opts.ScriptURL = "/app/shapes/sw.js"
	}
	if opts.SyncTag == "" {
		opts.SyncTag = "model-update"
	}
	w := NewWorker(opts, net, store, testLogger(t))
	t.Cleanup(w.Close)
	return w
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

func get(path string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, path, nil)
	return r
}
