package swcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Outcome describes how a worker produced a response.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeNetwork  Outcome = "network"
	OutcomeFallback Outcome = "fallback"
	OutcomeBypass   Outcome = "bypass"
	OutcomeRange    Outcome = "range-bypass"
)

func (w *Worker) target(r *http.Request) (target, string) {
	u := r.URL
	same := !u.IsAbs() || strings.EqualFold(u.Host, w.opts.Host)
	abs := *u
	if !u.IsAbs() {
		abs.Scheme = "https"
		abs.Host = w.opts.Host
	}
	key := u.String()
	if same {
		key = u.RequestURI()
	}
	return target{url: &abs, sameOrigin: same}, key
}

// Classify returns the route a request would be handled by.
func (w *Worker) Classify(r *http.Request) Route {
	tg, _ := w.target(r)
	return w.opts.Routes.pick(tg)
}

// Fetch answers an intercepted request. The route is chosen once, up front,
// and only its partition is read or written.
func (w *Worker) Fetch(r *http.Request) (CacheEntry, Outcome, error) {
	start := time.Now()
	tg, key := w.target(r)
	route := w.opts.Routes.pick(tg)

	ent, outcome, err := w.dispatch(r, route, key)

	strategy := string(route.Policy.Strategy)
	if outcome == OutcomeRange || outcome == OutcomeBypass {
		strategy = "network-only"
	}
	fetchDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	fetchTotal.WithLabelValues(route.Name, strategy, label).Inc()
	if err == nil && (outcome == OutcomeHit || outcome == OutcomeMiss) {
		w.stats.observe(len(ent.Body))
	}
	return ent, outcome, err
}

func (w *Worker) dispatch(r *http.Request, route Route, key string) (CacheEntry, Outcome, error) {
	ctx := r.Context()

	// Partial content is never cached generically.
	if route.Policy.RangeRequests && r.Header.Get("Range") != "" {
		ent, err := w.net.Fetch(ctx, r)
		return ent, OutcomeRange, err
	}
	if r.Method != http.MethodGet {
		ent, err := w.net.Fetch(ctx, r)
		return ent, OutcomeBypass, err
	}

	part, err := w.partition(ctx, route.Partition)
	if err != nil {
		w.log.Warn("open partition", zap.String("partition", route.Partition), zap.Error(err))
		ent, err := w.net.Fetch(ctx, r)
		return ent, OutcomeBypass, err
	}

	switch route.Policy.Strategy {
	case NetworkFirst:
		return w.networkFirst(r, part, key)
	case StaleWhileRevalidate:
		return w.staleWhileRevalidate(r, route, part, key)
	default:
		return w.cacheFirst(r, route, part, key)
	}
}

func (w *Worker) cacheFirst(r *http.Request, route Route, part Partition, key string) (CacheEntry, Outcome, error) {
	ctx := r.Context()
	cached, ok := part.Match(ctx, key)
	if ok && !cached.olderThan(route.Policy.MaxAge, time.Now()) {
		return cached, OutcomeHit, nil
	}

	ent, err := w.net.Fetch(ctx, r)
	if err == nil && ok && ent.Status >= http.StatusInternalServerError {
		w.log.Debug("origin error, serving expired copy", zap.String("key", key), zap.Int("status", ent.Status))
		return cached, OutcomeFallback, nil
	}
	if err != nil {
		if ok {
			return cached, OutcomeFallback, nil
		}
		if isNavigation(r) {
			if shell, found := w.shellDocument(ctx); found {
				return shell, OutcomeFallback, nil
			}
		}
		return CacheEntry{}, "", fmt.Errorf("%w: %s: %v", ErrOffline, key, err)
	}
	w.store1(ctx, part, key, ent)
	return ent, OutcomeMiss, nil
}

func (w *Worker) networkFirst(r *http.Request, part Partition, key string) (CacheEntry, Outcome, error) {
	ctx := r.Context()
	ent, err := w.net.Fetch(ctx, r)
	if err == nil {
		w.store1(ctx, part, key, ent)
		return ent, OutcomeNetwork, nil
	}
	if cached, ok := part.Match(ctx, key); ok {
		return cached, OutcomeFallback, nil
	}
	return CacheEntry{}, "", fmt.Errorf("%w: %s: %v", ErrOffline, key, err)
}

func (w *Worker) staleWhileRevalidate(r *http.Request, route Route, part Partition, key string) (CacheEntry, Outcome, error) {
	ctx := r.Context()
	if cached, ok := part.Match(ctx, key); ok {
		if route.Policy.MaxAge == 0 || cached.olderThan(route.Policy.MaxAge, time.Now()) {
			w.revalidateAsync(r, part, key)
		}
		return cached, OutcomeHit, nil
	}

	ent, err := w.net.Fetch(ctx, r)
	if err != nil {
		return CacheEntry{}, "", fmt.Errorf("%w: %s: %v", ErrOffline, key, err)
	}
	w.store1(ctx, part, key, ent)
	return ent, OutcomeMiss, nil
}

// store1 writes a storable response; write failures only cost a future hit.
func (w *Worker) store1(ctx context.Context, part Partition, key string, ent CacheEntry) {
	if !ent.storable() {
		return
	}
	if err := part.Put(ctx, key, ent); err != nil {
		w.log.Warn("cache put failed", zap.String("partition", part.Name()), zap.String("key", key), zap.Error(err))
	}
}

func (w *Worker) shellDocument(ctx context.Context) (CacheEntry, bool) {
	part, err := w.partition(ctx, PartitionApp)
	if err != nil {
		return CacheEntry{}, false
	}
	for _, k := range []string{w.opts.ShellDocument, "/"} {
		if ent, ok := part.Match(ctx, k); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

// revalidateAsync refreshes key in the background. It is skipped when the
// worker is closing or too many revalidations are already running.
func (w *Worker) revalidateAsync(r *http.Request, part Partition, key string) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		revalidations.WithLabelValues("skipped").Inc()
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.bgSem
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	u := *r.URL
	accept := r.Header.Get("Accept")
	go func() {
		defer w.wg.Done()
		defer func() { <-w.bgSem }()
		ctx, cancel := detached()
		defer cancel()
		w.revalidateOnce(ctx, &u, accept, part, key)
	}()
}

func (w *Worker) revalidateOnce(ctx context.Context, u *url.URL, accept string, part Partition, key string) {
	req, err := w.newRequest(ctx, u.String())
	if err != nil {
		return
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	ent, err := w.net.Fetch(ctx, req)
	if err != nil {
		revalidations.WithLabelValues("error").Inc()
		w.log.Warn("background revalidation failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !ent.storable() {
		if ent.Status == http.StatusNotFound || ent.Status == http.StatusGone {
			revalidations.WithLabelValues("evicted").Inc()
			_ = part.Delete(ctx, key)
			return
		}
		revalidations.WithLabelValues("error").Inc()
		w.log.Warn("background revalidation rejected", zap.String("key", key), zap.Int("status", ent.Status))
		return
	}
	if cur, ok := part.Match(ctx, key); ok && cur.Hash32 == ent.Hash32 {
		revalidations.WithLabelValues("unchanged").Inc()
		return
	}
	if err := part.Put(ctx, key, ent); err != nil {
		revalidations.WithLabelValues("error").Inc()
		w.log.Warn("background revalidation put failed", zap.String("key", key), zap.Error(err))
		return
	}
	revalidations.WithLabelValues("updated").Inc()
}
