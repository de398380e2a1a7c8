package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"minishell/internal/swcache"
)

// Handler returns the edge router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/__worker", func(r chi.Router) {
		r.Get("/clients", s.hub.ServeHTTP)
		r.Post("/message", s.postMessage)
		r.Post("/sync", s.postSync)
	})

	r.NotFound(s.handle)
	r.MethodNotAllowed(s.handle)
	return r
}

func (s *Service) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("host", r.Host),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("cache", ww.Header().Get(swcache.OutcomeHeader)),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// handle serves everything that is not an edge endpoint.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case isWorkerScript(r.URL.Path):
		s.serveWorkerScript(w, r)
	case r.Method == http.MethodGet && IsShellPath(r.URL.Path):
		s.serveShell(w, r)
	default:
		s.serveAsset(w, r)
	}
}

// serveShell answers a navigation with the shell document. A controlled host
// gets it from its worker (which can answer offline) and is then checked
// for a new worker script; otherwise the document is composed here and the
// mini-app's worker is registered along the way.
func (s *Service) serveShell(w http.ResponseWriter, r *http.Request) {
	host := hostOf(r)

	// edge rewrite: /app/<slug>/<route> is the shell document
	r2 := r.Clone(r.Context())
	r2.URL.Path = shellDocument
	r2.URL.RawPath = ""
	w.Header().Set("Cache-Control", "no-cache")

	if ctrl := s.registry.Controller(host); ctrl != nil {
		ent, outcome, err := ctrl.Fetch(r2)
		if err != nil {
			s.badGateway(w, host, err)
			return
		}
		swcache.WriteEntry(w, ent, outcome)
		s.goBackground(func(ctx context.Context) { s.updateCheck(ctx, host) })
		return
	}

	ent, st := s.renderShell(r.Context(), host, registrar{reg: s.registry, host: host})
	if st.MountErr != nil {
		s.log.Info("shell mounted with errors", zap.String("host", host), zap.Error(st.MountErr))
	}
	swcache.WriteEntry(w, ent, swcache.OutcomeBypass)
}

// serveWorkerScript hands out /app/<slug>/sw.js straight from the origin.
func (s *Service) serveWorkerScript(w http.ResponseWriter, r *http.Request) {
	ent, err := s.origin.Fetch(r.Context(), r)
	if err != nil {
		s.badGateway(w, hostOf(r), err)
		return
	}
	w.Header().Set("Service-Worker-Allowed", "/")
	w.Header().Set("Cache-Control", "no-cache")
	ent.Header.Del("Cache-Control")
	swcache.WriteEntry(w, ent, swcache.OutcomeBypass)
}

// serveAsset answers through the host's worker when there is one.
func (s *Service) serveAsset(w http.ResponseWriter, r *http.Request) {
	host := hostOf(r)
	if ctrl := s.registry.Controller(host); ctrl != nil {
		ent, outcome, err := ctrl.Fetch(r)
		if err != nil {
			s.badGateway(w, host, err)
			return
		}
		swcache.WriteEntry(w, ent, outcome)
		return
	}
	ent, err := s.origin.Fetch(r.Context(), r)
	if err != nil {
		s.badGateway(w, host, err)
		return
	}
	swcache.WriteEntry(w, ent, swcache.OutcomeBypass)
}

func (s *Service) badGateway(w http.ResponseWriter, host string, err error) {
	s.log.Warn("upstream failed", zap.String("host", host), zap.Error(err))
	swcache.SetOutcomeHeader(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

// postMessage accepts {"type": "SKIP_WAITING"} and the other client
// commands for the request host.
func (s *Service) postMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil || !gjson.ValidBytes(body) {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	msg := swcache.Message{Type: gjson.GetBytes(body, "type").String()}
	if data, ok := gjson.GetBytes(body, "data").Value().(map[string]any); ok {
		msg.Data = data
	}

	err = s.registry.PostMessage(r.Context(), hostOf(r), msg)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, swcache.ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, swcache.ErrDevOnly):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, swcache.ErrNoWorker):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.log.Error("worker message failed", zap.String("type", msg.Type), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// postSync fires a background sync tag (default: the model tag) on the
// host's worker.
func (s *Service) postSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = s.cfg.Worker.SyncTag
	}
	err := s.registry.Sync(r.Context(), hostOf(r), tag)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, swcache.ErrNoWorker):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
