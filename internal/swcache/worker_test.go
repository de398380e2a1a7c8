package swcache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeRequestForModelAlwaysGoesToNetwork(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	net.set("/app/shapes/model.onnx", "ONNXMODEL")
	store := NewMemoryStorage(0, nil)
	w := newTestWorker(t, Options{}, net, store)

	model, err := store.Open(ctx, PartitionName(testHost, "shapes", PartitionModel, w.Version()))
	require.NoError(t, err)
	require.NoError(t, model.Put(ctx, "/app/shapes/model.onnx", NewEntry(200, nil, []byte("STALE"))))

	req := get("/app/shapes/model.onnx")
	req.Header.Set("Range", "bytes=0-1")
	ent, outcome, err := w.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRange, outcome)
	assert.Equal(t, http.StatusPartialContent, ent.Status)
	assert.Equal(t, "ON", string(ent.Body))
	assert.Equal(t, 1, net.called("/app/shapes/model.onnx"))

	cached, ok := model.Match(ctx, "/app/shapes/model.onnx")
	require.True(t, ok)
	assert.Equal(t, "STALE", string(cached.Body), "range response must not be written")

	keys, err := model.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/app/shapes/model.onnx"}, keys)
}

func TestCacheFirstServesSecondRequestOffline(t *testing.T) {
	net := newFakeNetwork()
	net.set("/app/shapes/icon.png", "PNG")
	w := newTestWorker(t, Options{}, net, NewMemoryStorage(0, nil))

	ent, outcome, err := w.Fetch(get("/app/shapes/icon.png"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "PNG", string(ent.Body))

	net.setOffline(true)
	ent, outcome, err = w.Fetch(get("/app/shapes/icon.png"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "PNG", string(ent.Body))
	assert.Equal(t, 1, net.called("/app/shapes/icon.png"))
}

func TestCacheFirstRefetchesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	routes, err := CompileRoutes([]RouteSpec{{Name: "static", Match: "Suffix(.png)", Strategy: "cache-first", MaxAge: "1m"}})
	require.NoError(t, err)
	net := newFakeNetwork()
	net.set("/logo.png", "NEW")
	store := NewMemoryStorage(0, nil)
	w := newTestWorker(t, Options{Routes: NewRouteTable(routes, false)}, net, store)

	app, err := store.Open(ctx, PartitionName(testHost, "shapes", PartitionApp, w.Version()))
	require.NoError(t, err)
	old := NewEntry(200, nil, []byte("OLD"))
	old.StoredAt = time.Now().Add(-time.Hour).Unix()
	require.NoError(t, app.Put(ctx, "/logo.png", old))

	ent, outcome, err := w.Fetch(get("/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "NEW", string(ent.Body))

	require.NoError(t, app.Put(ctx, "/logo.png", old))
	net.setOffline(true)
	ent, outcome, err = w.Fetch(get("/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, "OLD", string(ent.Body))
}

func TestCacheFirstServesExpiredCopyOnOriginError(t *testing.T) {
	ctx := context.Background()
	routes, err := CompileRoutes([]RouteSpec{{Name: "static", Match: "Suffix(.png)", Strategy: "cache-first", MaxAge: "1m"}})
	require.NoError(t, err)
	net := newFakeNetwork()
	net.setStatus("/logo.png", http.StatusServiceUnavailable, "upstream down")
	store := NewMemoryStorage(0, nil)
	w := newTestWorker(t, Options{Routes: NewRouteTable(routes, false)}, net, store)

	app, err := store.Open(ctx, PartitionName(testHost, "shapes", PartitionApp, w.Version()))
	require.NoError(t, err)
	old := NewEntry(200, nil, []byte("OLD"))
	old.StoredAt = time.Now().Add(-time.Hour).Unix()
	require.NoError(t, app.Put(ctx, "/logo.png", old))

	ent, outcome, err := w.Fetch(get("/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, "OLD", string(ent.Body))

	cached, ok := app.Match(ctx, "/logo.png")
	require.True(t, ok)
	assert.Equal(t, "OLD", string(cached.Body))

	// without a cached copy the error is passed through
	net.setStatus("/other.png", http.StatusBadGateway, "bad")
	ent, outcome, err = w.Fetch(get("/other.png"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, http.StatusBadGateway, ent.Status)
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	net := newFakeNetwork()
	net.set("/app/shapes/app.js", "console.log(1)")
	store := NewMemoryStorage(0, nil)
	w := newTestWorker(t, Options{}, net, store)

	ent, outcome, err := w.Fetch(get("/app/shapes/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetwork, outcome)

	net.setOffline(true)
	cached, outcome, err := w.Fetch(get("/app/shapes/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, ent.Body, cached.Body)

	_, _, err = w.Fetch(get("/app/shapes/other.js"))
	assert.ErrorIs(t, err, ErrOffline)
}

func TestNetworkFirstDoesNotStoreErrors(t *testing.T) {
	net := newFakeNetwork()
	store := NewMemoryStorage(0, nil)
	w := newTestWorker(t, Options{}, net, store)

	ent, _, err := w.Fetch(get("/app/shapes/missing.js"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, ent.Status)

	entries, _ := store.Usage(context.Background())
	assert.Zero(t, entries)
}

func TestStaleWhileRevalidateUpdatesInBackground(t *testing.T) {
	net := newFakeNetwork()
	net.set("/app/shapes/app.js", "v1")
	w := NewWorker(Options{Host: testHost, ScriptURL: "/app/shapes/sw.js", Dev: true}, net, NewMemoryStorage(0, nil), testLogger(t))

	ent, outcome, err := w.Fetch(get("/app/shapes/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "v1", string(ent.Body))

	net.set("/app/shapes/app.js", "v2")
	ent, outcome, err = w.Fetch(get("/app/shapes/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "v1", string(ent.Body), "stale copy is served immediately")

	w.Close() // waits for the background revalidation

	net.setOffline(true)
	ent, outcome, err = w.Fetch(get("/app/shapes/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "v2", string(ent.Body))
}

func TestStaleWhileRevalidateSwallowsBackgroundFailure(t *testing.T) {
	net := newFakeNetwork()
	net.set("/app/shapes/app.js", "v1")
	w := NewWorker(Options{Host: testHost, ScriptURL: "/app/shapes/sw.js", Dev: true}, net, NewMemoryStorage(0, nil), testLogger(t))

	_, _, err := w.Fetch(get("/app/shapes/app.js"))
	require.NoError(t, err)

	net.setOffline(true)
	ent, outcome, err := w.Fetch(get("/app/shapes/app.js"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "v1", string(ent.Body))
	w.Close()
}

func TestNavigationFallsBackToCachedShell(t *testing.T) {
	routes, err := CompileRoutes([]RouteSpec{{Name: "pages", Match: "PathPrefix(/app/)", Strategy: "cache-first"}})
	require.NoError(t, err)
	net := newFakeNetwork()
	net.set("/index.html", "<html>shell</html>")
	w := newTestWorker(t, Options{Precache: []string{"/index.html"}, Routes: NewRouteTable(routes, false)}, net, NewMemoryStorage(0, nil))
	require.NoError(t, w.Install(context.Background()))

	net.setOffline(true)
	req := get("/app/shapes/settings")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	ent, outcome, err := w.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, "<html>shell</html>", string(ent.Body))

	_, _, err = w.Fetch(get("/app/shapes/data.bin"))
	assert.ErrorIs(t, err, ErrOffline)
}

func TestInstallToleratesFailuresAndPrefetchesModel(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	net.set("/", "shell")
	net.set("https://cdn.example/ort.min.js", "var ort = {}")
	net.set("/app/shapes/model.onnx", "MODEL")
	store := NewMemoryStorage(0, nil)

	w := newTestWorker(t, Options{
		Precache:      []string{"/", "/missing.png", "https://cdn.example/ort.min.js"},
		PrefetchModel: true,
	}, net, store)
	require.NoError(t, w.Install(ctx))
	assert.Equal(t, StateInstalled, w.State())

	app, _ := store.Open(ctx, PartitionName(testHost, "shapes", PartitionApp, w.Version()))
	keys, err := app.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, keys)

	cdn, _ := store.Open(ctx, PartitionName(testHost, "shapes", PartitionCDN, w.Version()))
	keys, err = cdn.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/ort.min.js"}, keys)

	model, _ := store.Open(ctx, PartitionName(testHost, "shapes", PartitionModel, w.Version()))
	_, ok := model.Match(ctx, "/app/shapes/model.onnx")
	assert.True(t, ok)
}

func TestInterruptedInstallFails(t *testing.T) {
	net := newFakeNetwork()
	net.set("/", "shell")
	w := newTestWorker(t, Options{Precache: []string{"/"}}, net, NewMemoryStorage(0, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Install(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateInstalling, w.State())
}

func TestWorkerRequestsCarryHost(t *testing.T) {
	net := newFakeNetwork()
	net.set("/", "shell")
	net.set("https://cdn.example/ort.min.js", "var ort = {}")

	w := newTestWorker(t, Options{Precache: []string{"/", "https://cdn.example/ort.min.js"}}, net, NewMemoryStorage(0, nil))
	require.NoError(t, w.Install(context.Background()))

	net.mu.Lock()
	defer net.mu.Unlock()
	assert.Equal(t, []string{testHost, "cdn.example"}, net.hosts)
}

func TestInstallSkipsModelInLocalDevelopment(t *testing.T) {
	net := newFakeNetwork()
	net.set("/app/shapes/model.onnx", "MODEL")

	w := newTestWorker(t, Options{Host: "shapes.localhost", PrefetchModel: true, Precache: []string{}}, net, NewMemoryStorage(0, nil))
	require.NoError(t, w.Install(context.Background()))
	assert.Zero(t, net.called("/app/shapes/model.onnx"))

	w = newTestWorker(t, Options{Dev: true, PrefetchModel: true, Precache: []string{}}, net, NewMemoryStorage(0, nil))
	require.NoError(t, w.Install(context.Background()))
	assert.Zero(t, net.called("/app/shapes/model.onnx"))
}

func TestActivateKeepsOnlyCurrentVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0, nil)
	for _, class := range partitionClasses {
		p, err := store.Open(ctx, PartitionName(testHost, "shapes", class, "v1"))
		require.NoError(t, err)
		require.NoError(t, p.Put(ctx, "/x", NewEntry(200, nil, []byte("old"))))
	}
	foreign := PartitionName("other.example.com", "other", PartitionApp, "v1")
	_, err := store.Open(ctx, foreign)
	require.NoError(t, err)

	w := newTestWorker(t, Options{Version: "v2", Precache: []string{}}, newFakeNetwork(), store)
	require.NoError(t, w.Install(ctx))
	require.NoError(t, w.Activate(ctx))
	assert.Equal(t, StateActivated, w.State())

	names, err := store.Names(ctx)
	require.NoError(t, err)
	want := append([]string{foreign}, w.PartitionNames()...)
	assert.ElementsMatch(t, want, names)
	for _, n := range w.PartitionNames() {
		assert.Contains(t, n, "-v2")
	}
}

func TestSyncOverwritesModel(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	net.set("/app/shapes/model.onnx", "MODEL-1")
	store := NewMemoryStorage(0, nil)
	w := newTestWorker(t, Options{Precache: []string{}, PrefetchModel: true}, net, store)
	require.NoError(t, w.Install(ctx))

	net.set("/app/shapes/model.onnx", "MODEL-2")
	require.NoError(t, w.Sync(ctx, "unrelated-tag"))
	require.NoError(t, w.Sync(ctx, "model-update"))

	model, _ := store.Open(ctx, PartitionName(testHost, "shapes", PartitionModel, w.Version()))
	ent, ok := model.Match(ctx, "/app/shapes/model.onnx")
	require.True(t, ok)
	assert.Equal(t, "MODEL-2", string(ent.Body))

	net.setOffline(true)
	assert.Error(t, w.Sync(ctx, "model-update"))
	ent, _ = model.Match(ctx, "/app/shapes/model.onnx")
	assert.Equal(t, "MODEL-2", string(ent.Body))
}

func TestNonGetBypassesCache(t *testing.T) {
	net := newFakeNetwork()
	w := newTestWorker(t, Options{}, net, NewMemoryStorage(0, nil))

	req, _ := http.NewRequest(http.MethodPost, "/app/shapes/icon.png", nil)
	_, outcome, err := w.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBypass, outcome)
}

func TestSlugFromScriptURL(t *testing.T) {
	assert.Equal(t, "shapes", SlugFromScriptURL("/app/shapes/sw.js"))
	assert.Equal(t, "", SlugFromScriptURL("/sw.js"))
	assert.Equal(t, "", SlugFromScriptURL("/app/shapes"))
}

func TestIsLocalHost(t *testing.T) {
	for _, h := range []string{"localhost", "LOCALHOST:5173", "shapes.localhost", "127.0.0.1:8080", "[::1]:80", "::1"} {
		assert.True(t, IsLocalHost(h), h)
	}
	for _, h := range []string{"shapes.example.com", "localhost.example.com", "10.0.0.1"} {
		assert.False(t, IsLocalHost(h), h)
	}
}
