package shell

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// Manifest is a mini-app's manifest.json. Only name and start_url are
// interpreted; everything else passes through untouched.
type Manifest struct {
	raw []byte
}

func ParseManifest(b []byte) (Manifest, error) {
	if !gjson.ValidBytes(b) {
		return Manifest{}, errors.New("manifest is not valid JSON")
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return Manifest{raw: raw}, nil
}

func (m Manifest) Name() string     { return gjson.GetBytes(m.raw, "name").String() }
func (m Manifest) StartURL() string { return gjson.GetBytes(m.raw, "start_url").String() }

// Get reads any manifest attribute by gjson path.
func (m Manifest) Get(path string) gjson.Result { return gjson.GetBytes(m.raw, path) }

func (m Manifest) Raw() []byte {
	out := make([]byte, len(m.raw))
	copy(out, m.raw)
	return out
}

// Bundle holds the raw texts of one mini-app load.
type Bundle struct {
	Slug          string
	HTML          string
	JS            string
	ServiceWorker string
}

// Resource paths relative to /app/<slug>/, in fetch order.
const (
	ResManifest = "manifest.json"
	ResHTML     = "index.html"
	ResJS       = "app.js"
	ResWorker   = "sw.js"
)

var bundleResources = []string{ResManifest, ResHTML, ResJS, ResWorker}

// AppPath is the same-origin path of a file in a mini-app's namespace.
func AppPath(slug, file string) string { return "/app/" + slug + "/" + file }

// Response is a fetched resource.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Fetcher retrieves resources by URL. Relative references are same-origin.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*Response, error)
}

// ResourceError names the bundle resource that could not be fetched.
type ResourceError struct {
	Resource string
	URL      string
	Status   int
	Err      error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("load %s: %d %s", e.Resource, e.Status, http.StatusText(e.Status))
}

func (e *ResourceError) Unwrap() error { return e.Err }

// FetchBundle fetches manifest.json, index.html, app.js and sw.js in that
// order. Any failure discards everything fetched so far.
func FetchBundle(ctx context.Context, f Fetcher, slug string, progress func(string)) (Manifest, Bundle, error) {
	if progress == nil {
		progress = func(string) {}
	}
	texts := make(map[string][]byte, len(bundleResources))
	for _, res := range bundleResources {
		url := AppPath(slug, res)
		progress("Loading mini program resource: " + res)
		resp, err := f.Fetch(ctx, url)
		if err != nil {
			return Manifest{}, Bundle{}, &ResourceError{Resource: res, URL: url, Err: err}
		}
		if !resp.OK() {
			return Manifest{}, Bundle{}, &ResourceError{Resource: res, URL: url, Status: resp.Status}
		}
		texts[res] = resp.Body
	}

	manifest, err := ParseManifest(texts[ResManifest])
	if err != nil {
		return Manifest{}, Bundle{}, &ResourceError{Resource: ResManifest, URL: AppPath(slug, ResManifest), Status: http.StatusOK, Err: err}
	}
	return manifest, Bundle{
		Slug:          slug,
		HTML:          string(texts[ResHTML]),
		JS:            string(texts[ResJS]),
		ServiceWorker: string(texts[ResWorker]),
	}, nil
}
