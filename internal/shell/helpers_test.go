package shell

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	fail   map[string]error
	calls  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: map[string]string{}, status: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, ref string) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	if err, ok := f.fail[ref]; ok {
		return nil, err
	}
	if st, ok := f.status[ref]; ok {
		return &Response{Status: st}, nil
	}
	body, ok := f.bodies[ref]
	if !ok {
		return &Response{Status: http.StatusNotFound}, nil
	}
	return &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, nil
}

func (f *fakeFetcher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var errOffline = errors.New("offline")

type fakeRegistrar struct {
	regs []Registration
	err  error
}

func (r *fakeRegistrar) Register(_ context.Context, reg Registration) error {
	r.regs = append(r.regs, reg)
	return r.err
}

const (
	testRuntimeURL = "https://cdn.example/ort.min.js"

	shapesHTML = `<!DOCTYPE html>
<html><head><style>.btn{color:red}</style><script src="https://evil.example/x.js"></script></head>
<body><h1>Shapes</h1><div id="root"></div><script src="https://evil.example/y.js"></script></body></html>`

	shapesJS = `var modelUrl = 'model.onnx';
var other = "model.onnx";
var calls = 0;
setTimeout(function () {
  var b = document.createElement('button');
  b.id = 'cameraBtn';
  b.classList.add('btn');
  document.getElementById('root').appendChild(b);
}, 20);
function startShapeApp() { calls++; window.startedWith = modelUrl; }
`
)

func shapesFetcher() *fakeFetcher {
	f := newFakeFetcher()
	f.bodies["/app/shapes/manifest.json"] = `{"name":"Shapes","start_url":"/","display":"standalone"}`
	f.bodies["/app/shapes/index.html"] = shapesHTML
	f.bodies["/app/shapes/app.js"] = shapesJS
	f.bodies["/app/shapes/sw.js"] = `self.addEventListener('fetch', function () {});`
	f.bodies[testRuntimeURL] = `var ort = { InferenceSession: { create: function () {} } };`
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RuntimeURL = testRuntimeURL
	cfg.PollInterval = 5 * time.Millisecond
	cfg.AnchorTimeout = 2 * time.Second
	return cfg
}

func newTestDocument(t *testing.T) *Document {
	t.Helper()
	doc, err := ParseDocument(Template)
	require.NoError(t, err)
	return doc
}
