package swcache

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Message types accepted by Registry.PostMessage and broadcast to clients.
const (
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgClearCaches       = "CLEAR_CACHES"
	MsgCachesCleared     = "CACHES_CLEARED"
	MsgControllerChanged = "CONTROLLER_CHANGED"
)

type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Notifier delivers messages to the pages connected for a host.
type Notifier interface {
	Broadcast(host string, msg Message)
}

// Registration is what a shell asks for when mounting a mini-app.
type Registration struct {
	ScriptURL string
	Scope     string
	Source    string
}

// RegistryConfig holds the settings shared by every worker.
type RegistryConfig struct {
	Dev           bool
	Version       string
	ShellDocument string
	Precache      []string
	PrefetchModel bool
	SyncTag       string
	Routes        RouteTable
}

// installTimeout bounds one worker install, model prefetch included.
const installTimeout = 5 * time.Minute

// Registry tracks one registration per host and drives each worker through
// its lifecycle.
type Registry struct {
	cfg      RegistryConfig
	net      Network
	store    Storage
	log      *zap.Logger
	notifier Notifier
	stats    *statsCollector

	// installs run under base; Close cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	regs     map[string]*registration
	closed   bool
	installs sync.WaitGroup
}

type registration struct {
	host string

	// mu serialises lifecycle changes; readers use active.
	mu          sync.Mutex
	active      atomic.Pointer[Worker]
	installing  *Worker
	waiting     *Worker
	skipWaiting bool
	clients     int
}

func NewRegistry(cfg RegistryConfig, net Network, store Storage, notifier Notifier, log *zap.Logger) *Registry {
	if cfg.Routes.fallback.Name == "" {
		cfg.Routes = NewRouteTable(DefaultRoutes(), cfg.Dev)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		net:      net,
		store:    store,
		log:      log,
		notifier: notifier,
		stats:    newStatsCollector(),
		base:     base,
		cancel:   cancel,
		regs:     map[string]*registration{},
	}
}

func (r *Registry) get(host string, create bool) *registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[host]
	if !ok && create && !r.closed {
		reg = &registration{host: host}
		r.regs[host] = reg
	}
	return reg
}

// Controller returns the active worker for host, or nil.
func (r *Registry) Controller(host string) *Worker {
	reg := r.get(host, false)
	if reg == nil {
		return nil
	}
	return reg.active.Load()
}

// Waiting returns the installed worker waiting to take over host, or nil.
func (r *Registry) Waiting(host string) *Worker {
	reg := r.get(host, false)
	if reg == nil {
		return nil
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.waiting
}

// Installing returns the worker still installing for host, or nil.
func (r *Registry) Installing(host string) *Worker {
	reg := r.get(host, false)
	if reg == nil {
		return nil
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.installing
}

// Register records a worker for host and returns it while it installs in
// the background. A byte-identical script that is already active, waiting
// or installing is a no-op. Once installed, the worker activates at once
// when nothing controls host, no client is connected, or in development;
// otherwise it waits for SKIP_WAITING or for the host's last client to
// disconnect.
func (r *Registry) Register(_ context.Context, host string, in Registration) (*Worker, error) {
	if in.ScriptURL == "" {
		return nil, errors.New("register: empty script url")
	}
	if in.Scope == "" {
		in.Scope = "/"
	}
	hash := crc32.ChecksumIEEE([]byte(in.Source))

	reg := r.get(host, true)
	if reg == nil {
		return nil, ErrRegistryClosed
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()

	same := func(w *Worker) bool { return w != nil && w.hash == hash && w.ScriptURL() == in.ScriptURL }
	if cur := reg.active.Load(); same(cur) {
		return cur, nil
	}
	if same(reg.waiting) {
		return reg.waiting, nil
	}
	if same(reg.installing) {
		return reg.installing, nil
	}

	w := newWorker(Options{
		Host:          host,
		ScriptURL:     in.ScriptURL,
		Scope:         in.Scope,
		Source:        in.Source,
		Version:       r.cfg.Version,
		Dev:           r.cfg.Dev,
		ShellDocument: r.cfg.ShellDocument,
		Precache:      r.cfg.Precache,
		PrefetchModel: r.cfg.PrefetchModel,
		SyncTag:       r.cfg.SyncTag,
		Routes:        r.cfg.Routes,
	}, r.net, r.store, r.log, r.stats)

	if prev := reg.installing; prev != nil {
		// superseded; its install goroutine drops it
		prev.markRedundant()
	}
	reg.installing = w
	reg.skipWaiting = false
	r.installAsync(reg, w)
	return w, nil
}

// installAsync installs w off the caller's request and places it.
func (r *Registry) installAsync(reg *registration, w *Worker) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		reg.installing = nil
		w.markRedundant()
		return
	}
	r.installs.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.installs.Done()
		ctx, cancel := context.WithTimeout(r.base, installTimeout)
		defer cancel()
		err := w.Install(ctx)

		reg.mu.Lock()
		defer reg.mu.Unlock()
		defer w.settle()

		if reg.installing != w {
			w.markRedundant()
			w.Close()
			return
		}
		reg.installing = nil
		if err != nil {
			w.log.Warn("worker install failed", zap.Error(err))
			w.markRedundant()
			w.Close()
			return
		}

		if reg.active.Load() == nil || r.cfg.Dev || reg.clients == 0 || reg.skipWaiting {
			reg.skipWaiting = false
			if err := r.promoteLocked(ctx, reg, w); err != nil {
				w.log.Warn("worker activation failed", zap.Error(err))
				w.Close()
			}
			return
		}

		if reg.waiting != nil {
			reg.waiting.markRedundant()
			reg.waiting.Close()
		}
		reg.waiting = w
		w.log.Info("worker installed, waiting")
	}()
}

// WaitInstalls blocks until every worker installing at the time of the call
// has settled, or ctx is done.
func (r *Registry) WaitInstalls(ctx context.Context) error {
	r.mu.Lock()
	regs := make([]*registration, 0, len(r.regs))
	for _, reg := range r.regs {
		regs = append(regs, reg)
	}
	r.mu.Unlock()

	for _, reg := range regs {
		reg.mu.Lock()
		w := reg.installing
		reg.mu.Unlock()
		if w == nil {
			continue
		}
		select {
		case <-w.Settled():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// promoteLocked makes w the active worker of reg. reg.mu must be held.
func (r *Registry) promoteLocked(ctx context.Context, reg *registration, w *Worker) error {
	old := reg.active.Load()
	if old != nil {
		old.Close()
	}
	if err := w.Activate(ctx); err != nil {
		w.markRedundant()
		return fmt.Errorf("activate %s: %w", w.ScriptURL(), err)
	}
	reg.active.Store(w)
	if reg.waiting == w {
		reg.waiting = nil
	} else if reg.waiting != nil {
		reg.waiting.markRedundant()
		reg.waiting = nil
	}
	if old != nil {
		old.markRedundant()
	}
	w.log.Info("worker activated")

	if r.cfg.Dev && r.notifier != nil {
		r.notifier.Broadcast(reg.host, Message{
			Type: MsgControllerChanged,
			Data: map[string]any{"worker": w.ID(), "version": w.Version()},
		})
	}
	return nil
}

// PostMessage delivers a client command to the workers of host.
func (r *Registry) PostMessage(ctx context.Context, host string, msg Message) error {
	switch msg.Type {
	case MsgSkipWaiting:
		reg := r.get(host, false)
		if reg == nil {
			return nil
		}
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if reg.waiting == nil {
			// applies once the installing worker is ready
			reg.skipWaiting = reg.installing != nil
			return nil
		}
		return r.promoteLocked(ctx, reg, reg.waiting)

	case MsgClearCaches:
		if !r.cfg.Dev {
			return ErrDevOnly
		}
		w := r.Controller(host)
		if w == nil {
			return ErrNoWorker
		}
		n, err := w.ClearCaches(ctx)
		if err != nil {
			return err
		}
		if r.notifier != nil {
			r.notifier.Broadcast(host, Message{Type: MsgCachesCleared, Data: map[string]any{"partitions": n}})
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// ClientsChanged records how many pages are connected for host. When the
// last one leaves, a waiting worker takes over.
func (r *Registry) ClientsChanged(ctx context.Context, host string, n int) {
	reg := r.get(host, n > 0)
	if reg == nil {
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.clients = n
	if n > 0 || reg.waiting == nil {
		return
	}
	if err := r.promoteLocked(ctx, reg, reg.waiting); err != nil {
		r.log.Warn("promote waiting worker", zap.String("host", host), zap.Error(err))
	}
}

// Sync fires a background sync tag on the active worker of host.
func (r *Registry) Sync(ctx context.Context, host, tag string) error {
	w := r.Controller(host)
	if w == nil {
		return ErrNoWorker
	}
	return w.Sync(ctx, tag)
}

// SyncAll fires tag on every active worker and joins the failures.
func (r *Registry) SyncAll(ctx context.Context, tag string) error {
	var errs []error
	for _, host := range r.Hosts() {
		w := r.Controller(host)
		if w == nil {
			continue
		}
		if err := w.Sync(ctx, tag); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
		}
	}
	return errors.Join(errs...)
}

// Hosts lists hosts with a registration, sorted.
func (r *Registry) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.regs))
	for h := range r.regs {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Stats returns response size statistics across all workers.
func (r *Registry) Stats() StatsSnapshot { return r.stats.snapshot() }

// Close cancels pending installs and stops every worker.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	regs := make([]*registration, 0, len(r.regs))
	for _, reg := range r.regs {
		regs = append(regs, reg)
	}
	r.mu.Unlock()

	r.cancel()
	r.installs.Wait()

	for _, reg := range regs {
		reg.mu.Lock()
		if w := reg.active.Load(); w != nil {
			w.Close()
		}
		if reg.waiting != nil {
			reg.waiting.Close()
		}
		reg.mu.Unlock()
	}
}
