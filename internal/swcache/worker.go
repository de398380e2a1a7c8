package swcache

import (
	"context"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a worker lifecycle state.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options describe one worker registration.
type Options struct {
	// Host is the origin the worker controls (no scheme).
	Host      string
	ScriptURL string
	Scope     string
	// Source is the worker script; its checksum identifies the version
	// unless Version is set.
	Source  string
	Version string

	Dev           bool
	ShellDocument string
	Precache      []string
	PrefetchModel bool
	SyncTag       string
	Routes        RouteTable
}

// Worker is the cache strategy engine for one mini-app on one host.
type Worker struct {
	id      string
	opts    Options
	slug    string
	version string
	hash    uint32

	net   Network
	store Storage
	log   *zap.Logger
	stats *statsCollector

	mu     sync.Mutex
	state  State
	parts  map[string]Partition
	closed bool

	settled    chan struct{}
	settleOnce sync.Once

	bgSem chan struct{}
	wg    sync.WaitGroup
}

func NewWorker(opts Options, net Network, store Storage, log *zap.Logger) *Worker {
	return newWorker(opts, net, store, log, newStatsCollector())
}

func newWorker(opts Options, net Network, store Storage, log *zap.Logger, stats *statsCollector) *Worker {
	if opts.Scope == "" {
		opts.Scope = "/"
	}
	if opts.ShellDocument == "" {
		opts.ShellDocument = "/index.html"
	}
	if opts.Routes.fallback.Name == "" {
		opts.Routes = NewRouteTable(DefaultRoutes(), opts.Dev)
	}
	hash := crc32.ChecksumIEEE([]byte(opts.Source))
	version := opts.Version
	if version == "" {
		version = fmt.Sprintf("%08x", hash)
	}
	slug := SlugFromScriptURL(opts.ScriptURL)
	id := uuid.NewString()

	return &Worker{
		id:      id,
		opts:    opts,
		slug:    slug,
		version: version,
		hash:    hash,
		net:     net,
		store:   store,
		stats:   stats,
		log: log.With(
			zap.String("worker", id),
			zap.String("host", opts.Host),
			zap.String("slug", slug),
			zap.String("version", version),
		),
		state:   StateInstalling,
		parts:   map[string]Partition{},
		settled: make(chan struct{}),
		bgSem:   make(chan struct{}, 32),
	}
}

// SlugFromScriptURL extracts <slug> from /app/<slug>/sw.js; other script
// locations yield "".
func SlugFromScriptURL(scriptURL string) string {
	rest, ok := strings.CutPrefix(scriptURL, "/app/")
	if !ok {
		return ""
	}
	slug, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return slug
}

func (w *Worker) ID() string        { return w.id }
func (w *Worker) Host() string      { return w.opts.Host }
func (w *Worker) Slug() string      { return w.slug }
func (w *Worker) Version() string   { return w.version }
func (w *Worker) ScriptURL() string { return w.opts.ScriptURL }
func (w *Worker) Scope() string     { return w.opts.Scope }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Settled is closed once the worker has left installing for good: it is
// active, waiting or redundant.
func (w *Worker) Settled() <-chan struct{} { return w.settled }

func (w *Worker) settle() {
	w.settleOnce.Do(func() { close(w.settled) })
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	lifecycleTransitions.WithLabelValues(s.String()).Inc()
	w.log.Debug("worker state", zap.Stringer("state", s))
}

// PartitionNames lists the partitions of the current version.
func (w *Worker) PartitionNames() []string {
	out := make([]string, 0, len(partitionClasses))
	for _, c := range partitionClasses {
		out = append(out, w.partitionName(c))
	}
	return out
}

func (w *Worker) partitionName(class string) string {
	slug := w.slug
	if slug == "" {
		slug = "shell"
	}
	return PartitionName(w.opts.Host, slug, class, w.version)
}

func (w *Worker) partition(ctx context.Context, class string) (Partition, error) {
	w.mu.Lock()
	p, ok := w.parts[class]
	w.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := w.store.Open(ctx, w.partitionName(class))
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.parts[class] = p
	w.mu.Unlock()
	return p, nil
}

func (w *Worker) modelPath() string {
	if w.slug == "" {
		return "/model.onnx"
	}
	return "/app/" + w.slug + "/model.onnx"
}

func (w *Worker) localDev() bool {
	return w.opts.Dev || IsLocalHost(w.opts.Host)
}

// Install opens the partitions of this version and warms them. Individual
// precache failures are logged and skipped.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	for _, c := range partitionClasses {
		if _, err := w.partition(ctx, c); err != nil {
			return fmt.Errorf("open partition %s: %w", c, err)
		}
	}

	for _, ref := range w.opts.Precache {
		if err := w.precache(ctx, ref); err != nil {
			w.log.Warn("precache failed", zap.String("url", ref), zap.Error(err))
		}
	}

	if w.opts.PrefetchModel {
		if w.localDev() {
			w.log.Debug("skipping model prefetch in local development")
		} else if err := w.precache(ctx, w.modelPath()); err != nil {
			w.log.Warn("model prefetch failed", zap.String("url", w.modelPath()), zap.Error(err))
		}
	}

	// an interrupted install leaves cold partitions behind
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("install interrupted: %w", err)
	}
	w.setState(StateInstalled)
	return nil
}

// newRequest builds a worker-initiated GET. Relative refs carry the
// worker's host so the network can tell origins apart.
func (w *Worker) newRequest(ctx context.Context, ref string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	if !req.URL.IsAbs() {
		req.Host = w.opts.Host
	}
	return req, nil
}

func (w *Worker) precache(ctx context.Context, ref string) error {
	req, err := w.newRequest(ctx, ref)
	if err != nil {
		return err
	}
	tg, key := w.target(req)
	route := w.opts.Routes.pick(tg)
	part, err := w.partition(ctx, route.Partition)
	if err != nil {
		return err
	}

	ent, err := w.net.Fetch(ctx, req)
	if err == nil && !ent.storable() {
		err = fmt.Errorf("status %d", ent.Status)
	}
	if err != nil {
		precacheFailures.WithLabelValues(route.Partition).Inc()
		return err
	}
	return part.Put(ctx, key, ent)
}

// Activate evicts every partition of this host that does not belong to the
// current version.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)

	keep := map[string]bool{}
	for _, n := range w.PartitionNames() {
		keep[n] = true
	}
	names, err := w.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, n := range names {
		if !belongsTo(n, w.opts.Host) || keep[n] {
			continue
		}
		ok, err := w.store.Delete(ctx, n)
		if err != nil {
			w.log.Warn("delete old partition", zap.String("partition", n), zap.Error(err))
			continue
		}
		if ok {
			partitionsDeleted.Inc()
			w.log.Info("deleted old partition", zap.String("partition", n))
		}
	}

	w.setState(StateActivated)
	return nil
}

// ClearCaches empties every partition of the host, including the current ones.
func (w *Worker) ClearCaches(ctx context.Context) (int, error) {
	names, err := w.store.Names(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		if !belongsTo(name, w.opts.Host) {
			continue
		}
		ok, err := w.store.Delete(ctx, name)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			partitionsDeleted.Inc()
		}
	}
	w.mu.Lock()
	w.parts = map[string]Partition{}
	w.mu.Unlock()
	w.log.Info("cleared caches", zap.Int("partitions", n))
	return n, nil
}

// Sync handles a background sync tag. The model tag refetches the model
// binary and overwrites its cached copy; other tags are ignored. Retrying
// is left to the caller.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	if tag != w.opts.SyncTag {
		w.log.Debug("ignoring sync tag", zap.String("tag", tag))
		return nil
	}
	path := w.modelPath()
	req, err := w.newRequest(ctx, path)
	if err != nil {
		return err
	}
	tg, key := w.target(req)
	route := w.opts.Routes.pick(tg)

	ent, err := w.net.Fetch(ctx, req)
	if err == nil && !ent.storable() {
		err = fmt.Errorf("status %d", ent.Status)
	}
	if err != nil {
		w.log.Error("model update failed", zap.String("url", path), zap.Error(err))
		return fmt.Errorf("sync %s: %w", tag, err)
	}

	part, err := w.partition(ctx, route.Partition)
	if err != nil {
		return err
	}
	if err := part.Put(ctx, key, ent); err != nil {
		return err
	}
	w.log.Info("model updated", zap.String("url", path), zap.Int("bytes", len(ent.Body)))
	return nil
}

func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
	w.settle()
}

// Close stops background revalidation and waits for in-flight work.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wg.Wait()
}

// detached returns a context for work that outlives the triggering request.
func detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
