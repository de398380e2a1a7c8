package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"minishell/internal/config"
	"minishell/internal/origin"
	"minishell/internal/shell"
	"minishell/internal/swcache"
)

const testHost = "shapes.example.com"

type fakeOrigin struct {
	mu     sync.Mutex
	files  map[string]string
	hits   map[string]int
	delays map[string]time.Duration
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		files: map[string]string{
			"/app/shapes/manifest.json": `{"name":"Shapes","start_url":"/"}`,
			"/app/shapes/index.html":    `<html><head><style>h1{color:red}</style></head><body><h1>Shapes</h1><script src="https://evil.example/x.js"></script></body></html>`,
			"/app/shapes/app.js":        `var modelUrl = 'model.onnx'; function startShapeApp() {}`,
			"/app/shapes/sw.js":         `self.addEventListener('fetch', function () {});`,
			"/app/shapes/style.css":     `h1{color:blue}`,
		},
		hits:   map[string]int{},
		delays: map[string]time.Duration{},
	}
}

func (o *fakeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	body, ok := o.files[r.URL.Path]
	delay := o.delays[r.URL.Path]
	o.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "max-age=600")
	_, _ = w.Write([]byte(body))
}

func (o *fakeOrigin) count(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[p]
}

func (o *fakeOrigin) set(p, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[p] = body
}

func (o *fakeOrigin) slow(p string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays[p] = d
}

func (o *fakeOrigin) remove(p string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.files, p)
}

func testConfig(t *testing.T, extra string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
server:
  origin: http://origin.invalid
worker:
  precache: ["/"]
  prefetchModel: false
` + extra))
	require.NoError(t, err)
	return cfg
}

type fixture struct {
	svc    *Service
	origin *fakeOrigin
	ts     *httptest.Server
	h      http.Handler
}

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	return newFixtureWith(t, newFakeOrigin(), testConfig(t, extra))
}

func newFixtureWith(t *testing.T, fo *fakeOrigin, cfg config.Config) *fixture {
	t.Helper()
	ts := httptest.NewServer(fo)
	t.Cleanup(ts.Close)

	svc, err := New(cfg, origin.NewHTTP(ts.URL), swcache.NewMemoryStorage(0, nil), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, origin: fo, ts: ts, h: svc.Handler()}
}

// settle waits for worker installs started by earlier requests.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Registry().WaitInstalls(ctx))
}

func (f *fixture) do(method, host, target string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Host = host
	r.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, r)
	return w
}

func TestShellPageMountsAndRegistersWorker(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(http.MethodGet, testHost, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<h1>Shapes</h1>")
	assert.Contains(t, body, "'/app/shapes/model.onnx'")
	assert.NotContains(t, body, "evil.example")
	assert.Contains(t, body, config.DefaultRuntimeURL)
	assert.Equal(t, "bypass", w.Header().Get(swcache.OutcomeHeader))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	f.settle(t)
	ctrl := f.svc.Registry().Controller(testHost)
	require.NotNil(t, ctrl)
	assert.Equal(t, "/app/shapes/sw.js", ctrl.ScriptURL())
	assert.Equal(t, "shapes", ctrl.Slug())

	w = f.do(http.MethodGet, testHost, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "network", w.Header().Get(swcache.OutcomeHeader))
	assert.Contains(t, w.Body.String(), "<h1>Shapes</h1>")
}

func TestFirstShellResponseDoesNotWaitForWorkerInstall(t *testing.T) {
	fo := newFakeOrigin()
	fo.set("/app/shapes/model.onnx", "MODEL")
	fo.slow("/app/shapes/model.onnx", 2*time.Second)
	cfg := testConfig(t, "")
	prefetch := true
	cfg.Worker.PrefetchModel = &prefetch
	f := newFixtureWith(t, fo, cfg)

	start := time.Now()
	w := f.do(http.MethodGet, testHost, "/", "")
	took := time.Since(start)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<h1>Shapes</h1>")
	assert.Less(t, took, time.Second)
	assert.Nil(t, f.svc.Registry().Controller(testHost), "worker still installing")

	f.settle(t)
	assert.NotNil(t, f.svc.Registry().Controller(testHost))
	assert.Equal(t, 1, fo.count("/app/shapes/model.onnx"))

	w = f.do(http.MethodGet, testHost, "/app/shapes/model.onnx", "")
	assert.Equal(t, "hit", w.Header().Get(swcache.OutcomeHeader))
}

func TestShellPageHostPortIsIgnored(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, testHost+":8080", "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	f.settle(t)
	assert.NotNil(t, f.svc.Registry().Controller(testHost))
}

func TestShellPageWithoutSlug(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "localhost", "/", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid mini program URL: missing slug.")
	assert.Nil(t, f.svc.Registry().Controller("localhost"))
}

func TestShellPageBundleFailure(t *testing.T) {
	f := newFixture(t, "")
	f.origin.remove("/app/shapes/app.js")

	w := f.do(http.MethodGet, testHost, "/", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Failed to load app resources: load app.js: 404 Not Found")
	assert.NotContains(t, w.Body.String(), "<h1>Shapes</h1>")
	assert.Zero(t, f.origin.count("/app/shapes/sw.js"))
	f.settle(t)
	assert.Nil(t, f.svc.Registry().Controller(testHost))
}

func TestExtensionlessAppPathsServeShell(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, testHost, "/app/shapes/camera", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<h1>Shapes</h1>")

	w = f.do(http.MethodGet, testHost, "/app/shapes/style.css", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "h1{color:blue}", w.Body.String())
}

func TestIsShellPath(t *testing.T) {
	for _, p := range []string{"/", "/index.html", "/app/shapes", "/app/shapes/", "/app/shapes/camera/settings"} {
		assert.True(t, IsShellPath(p), p)
	}
	for _, p := range []string{"/app/shapes/app.js", "/app/shapes/model.onnx", "/manifest.json", "/icon.png", "/about"} {
		assert.False(t, IsShellPath(p), p)
	}
}

func TestWorkerScriptHeaders(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, testHost, "/app/shapes/sw.js", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/", w.Header().Get("Service-Worker-Allowed"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), "addEventListener")
}

func TestAssetsGoThroughWorker(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, testHost, "/app/shapes/style.css", "")
	assert.Equal(t, "bypass", w.Header().Get(swcache.OutcomeHeader), "no worker yet")

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, testHost, "/", "").Code)
	f.settle(t)

	w = f.do(http.MethodGet, testHost, "/app/shapes/style.css", "")
	assert.Equal(t, "miss", w.Header().Get(swcache.OutcomeHeader))
	w = f.do(http.MethodGet, testHost, "/app/shapes/style.css", "")
	assert.Equal(t, "hit", w.Header().Get(swcache.OutcomeHeader))
	assert.Equal(t, "h1{color:blue}", w.Body.String())
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), swcache.OutcomeHeader)
	assert.Equal(t, 2, f.origin.count("/app/shapes/style.css"))
}

func TestControlledShellLoadsOffline(t *testing.T) {
	f := newFixture(t, "")
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, testHost, "/", "").Code)
	f.settle(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, testHost, "/", "").Code)

	f.ts.Close()
	w := f.do(http.MethodGet, testHost, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<h1>Shapes</h1>")
}

func TestWorkerMessages(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(http.MethodPost, testHost, "/__worker/message", `{"type":"CLEAR_CACHES"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(http.MethodPost, testHost, "/__worker/message", `{"type":"REBOOT"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodPost, testHost, "/__worker/message", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodPost, testHost, "/__worker/message", `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestWorkerSync(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, testHost, "/__worker/sync", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, testHost, "/", "").Code)
	f.settle(t)
	f.origin.set("/app/shapes/model.onnx", "MODEL")

	w = f.do(http.MethodPost, testHost, "/__worker/sync", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, f.origin.count("/app/shapes/model.onnx"))

	w = f.do(http.MethodGet, testHost, "/app/shapes/model.onnx", "")
	assert.Equal(t, "hit", w.Header().Get(swcache.OutcomeHeader))
	assert.Equal(t, "MODEL", w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, testHost, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = f.do(http.MethodGet, testHost, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestInvalidSyncScheduleIsRejected(t *testing.T) {
	cfg := testConfig(t, "  syncSchedule: \"not a schedule\"\n")
	_, err := New(cfg, origin.NewHTTP("http://origin.invalid"), swcache.NewMemoryStorage(0, nil), zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "worker.syncSchedule")
}

func TestClientsReceiveBroadcasts(t *testing.T) {
	f := newFixture(t, "  dev: true\n")
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, testHost, "/", "").Code)
	f.settle(t)

	hdr := http.Header{}
	hdr.Set("Host", testHost)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/__worker/clients", hdr)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.svc.hub.Count(testHost) == 1 }, 2*time.Second, 10*time.Millisecond)

	w := f.do(http.MethodPost, testHost, "/__worker/message", `{"type":"CLEAR_CACHES"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg swcache.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, swcache.MsgCachesCleared, msg.Type)

	require.NoError(t, conn.WriteJSON(swcache.Message{Type: swcache.MsgClearCaches}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, swcache.MsgCachesCleared, msg.Type)

	conn.Close()
	require.Eventually(t, func() bool { return f.svc.hub.Count(testHost) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPreflightRunsMiniApp(t *testing.T) {
	f := newFixture(t, `shell:
  anchorTimeout: 2s
  pollInterval: 5ms
  runtime:
    url: /vendor/ort.js
`)
	f.origin.set("/vendor/ort.js", `var ort = {};`)
	f.origin.set("/app/shapes/app.js", `
var started = false;
function startShapeApp() { started = true; }
var b = document.createElement('button');
b.id = 'cameraBtn';
document.body.appendChild(b);
`)

	st, err := f.svc.Preflight(context.Background(), testHost)
	require.NoError(t, err)
	assert.Equal(t, "Found #cameraBtn, starting app...", st.Debug)
	assert.Equal(t, "Shapes", st.Manifest.Name())
	assert.NotNil(t, f.svc.Registry().Controller(testHost))
	assert.Equal(t, 1, f.origin.count("/vendor/ort.js"))
}

func TestPreflightReportsBundleFailure(t *testing.T) {
	f := newFixture(t, "")
	f.origin.remove("/app/shapes/manifest.json")
	_, err := f.svc.Preflight(context.Background(), testHost)
	var re *shell.ResourceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, shell.ResManifest, re.Resource)
}
