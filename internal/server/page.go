package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"minishell/internal/shell"
	"minishell/internal/swcache"
)

// workerNetwork is what workers fetch through: the shell document is
// composed here, everything else comes from the origin.
type workerNetwork struct{ s *Service }

func (n workerNetwork) Fetch(ctx context.Context, r *http.Request) (swcache.CacheEntry, error) {
	if r.Method == http.MethodGet && !r.URL.IsAbs() && IsShellPath(r.URL.Path) {
		ent, st := n.s.renderShell(ctx, hostOf(r), nil)
		var re *shell.ResourceError
		if errors.As(st.Err, &re) && re.Err != nil {
			// origin unreachable: let the worker fall back to its cache
			return swcache.CacheEntry{}, re
		}
		return ent, nil
	}
	return n.s.origin.Fetch(ctx, r)
}

// assetFetcher loads bundle resources for one host. They go through the
// host's worker when one is active, so a controlled shell keeps loading
// offline. Worker scripts always come from the origin.
type assetFetcher struct {
	s    *Service
	host string
}

func (f assetFetcher) Fetch(ctx context.Context, ref string) (*shell.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	if !req.URL.IsAbs() {
		req.Host = f.host
	}

	var ent swcache.CacheEntry
	if w := f.s.registry.Controller(f.host); w != nil && !isWorkerScript(req.URL.Path) {
		ent, _, err = w.Fetch(req)
	} else {
		ent, err = f.s.origin.Fetch(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &shell.Response{Status: ent.Status, Header: ent.Header, Body: ent.Body}, nil
}

// registrar installs mounted workers into the registry for one host.
type registrar struct {
	reg  *swcache.Registry
	host string
}

func (a registrar) Register(ctx context.Context, in shell.Registration) error {
	_, err := a.reg.Register(ctx, a.host, swcache.Registration{ScriptURL: in.ScriptURL, Scope: in.Scope, Source: in.Source})
	return err
}

// renderShell composes the shell document for host. A nil reg skips worker
// registration.
func (s *Service) renderShell(ctx context.Context, host string, reg shell.Registrar) (swcache.CacheEntry, shell.State) {
	doc, err := shell.ParseDocument(s.template)
	if err != nil {
		// the template was parsed once in New
		s.log.Error("parse shell template", zap.Error(err))
		return swcache.NewEntry(http.StatusInternalServerError, textHeader(), []byte("shell template unavailable")), shell.State{Err: err}
	}

	l := shell.NewLoader(s.shellCfg, doc, assetFetcher{s: s, host: host}, shell.NewPageExecutor(doc), reg, s.log)
	st := l.Load(ctx, host)

	status := http.StatusOK
	switch {
	case errors.Is(st.Err, shell.ErrNoSlug):
		status = http.StatusNotFound
	case st.Err != nil:
		status = http.StatusBadGateway
	}

	out, err := doc.Render()
	if err != nil {
		s.log.Error("render shell", zap.String("host", host), zap.Error(err))
		return swcache.NewEntry(http.StatusInternalServerError, textHeader(), []byte("render failed")), st
	}
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return swcache.NewEntry(status, h, out), st
}

func textHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return h
}

// updateCheck refetches the worker script of host's mini-app and registers
// it; an unchanged script is a no-op in the registry.
func (s *Service) updateCheck(ctx context.Context, host string) {
	slug, ok := shell.ResolveSlug(host)
	if !ok {
		return
	}
	ref := shell.AppPath(slug, shell.ResWorker)
	resp, err := assetFetcher{s: s, host: host}.Fetch(ctx, ref)
	if err != nil || !resp.OK() {
		s.log.Debug("worker update check skipped", zap.String("host", host), zap.Error(err))
		return
	}
	err = registrar{reg: s.registry, host: host}.Register(ctx, shell.Registration{ScriptURL: ref, Scope: "/", Source: string(resp.Body)})
	if err != nil {
		s.log.Warn("worker update failed", zap.String("host", host), zap.Error(err))
	}
}

// Preflight loads host's mini-app headlessly: the bundle is mounted into a
// fresh shell document and its script runs in a sandbox until the start hook
// has been called or the anchor wait gives up. It returns once the
// mini-app's worker has finished installing.
func (s *Service) Preflight(ctx context.Context, host string) (shell.State, error) {
	doc, err := shell.ParseDocument(s.template)
	if err != nil {
		return shell.State{}, err
	}
	fetcher := assetFetcher{s: s, host: host}
	sb := shell.NewSandbox(doc, fetcher, s.log.Named("sandbox"))
	defer sb.Close()

	l := shell.NewLoader(s.shellCfg, doc, fetcher, sb, registrar{reg: s.registry, host: host}, s.log)
	st := l.Load(ctx, host)
	if err := s.registry.WaitInstalls(ctx); err != nil {
		return st, fmt.Errorf("worker install: %w", err)
	}
	if st.Err != nil {
		return st, st.Err
	}
	if st.MountErr != nil {
		return st, st.MountErr
	}
	if alerts := sb.Alerts(); len(alerts) > 0 {
		s.log.Info("mini-app alerts", zap.Strings("alerts", alerts))
	}
	return st, nil
}
