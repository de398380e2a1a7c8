// Package server is the HTTP edge: it serves the shell document for
// mini-app hosts and answers every other request through the host's worker.
package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"minishell/internal/config"
	"minishell/internal/shell"
	"minishell/internal/swcache"
)

type Service struct {
	cfg config.Config
	log *zap.Logger

	origin   swcache.Network
	store    swcache.Storage
	registry *swcache.Registry
	hub      *Hub

	template []byte
	shellCfg shell.Config

	cron *cron.Cron

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the worker registry to origin and store. The caller keeps
// ownership of store.
func New(cfg config.Config, origin swcache.Network, store swcache.Storage, log *zap.Logger) (*Service, error) {
	routes, err := swcache.CompileRoutes(cfg.Worker.Routes)
	if err != nil {
		return nil, fmt.Errorf("worker routes: %w", err)
	}

	tmpl := shell.Template
	if cfg.Shell.Template != "" {
		tmpl, err = os.ReadFile(cfg.Shell.Template)
		if err != nil {
			return nil, fmt.Errorf("shell template: %w", err)
		}
	}
	if _, err := shell.ParseDocument(tmpl); err != nil {
		return nil, fmt.Errorf("shell template: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		origin:   origin,
		store:    store,
		template: tmpl,
		shellCfg: ShellConfig(cfg.Shell),
		stopCh:   make(chan struct{}),
	}
	s.hub = NewHub(log)
	s.registry = swcache.NewRegistry(swcache.RegistryConfig{
		Dev:           cfg.Worker.Dev,
		Version:       cfg.Worker.Version,
		ShellDocument: cfg.Worker.ShellDocument,
		Precache:      cfg.Worker.Precache,
		PrefetchModel: cfg.Worker.ShouldPrefetchModel(),
		SyncTag:       cfg.Worker.SyncTag,
		Routes:        swcache.NewRouteTable(routes, cfg.Worker.Dev),
	}, workerNetwork{s}, store, s.hub, log)
	s.hub.OnClients = s.registry.ClientsChanged
	s.hub.OnMessage = s.registry.PostMessage

	if cfg.Worker.SyncSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.Worker.SyncSchedule, s.syncAll); err != nil {
			return nil, fmt.Errorf("worker.syncSchedule: %w", err)
		}
		s.cron.Start()
		log.Info("model sync scheduled", zap.String("schedule", cfg.Worker.SyncSchedule), zap.String("tag", cfg.Worker.SyncTag))
	}

	if cfg.Logging.StatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.StatsEveryDur)
		}()
	}

	return s, nil
}

// ShellConfig maps the shell section of the config onto the loader contract.
func ShellConfig(c config.Shell) shell.Config {
	return shell.Config{
		Container:     c.Container,
		DebugElement:  c.DebugElement,
		StartHook:     c.StartHook,
		Anchor:        c.Anchor,
		RuntimeSymbol: c.Runtime.Symbol,
		RuntimeURL:    c.Runtime.URL,
		PollInterval:  c.PollIntervalDur,
		AnchorTimeout: c.AnchorTimeoutDur,
	}
}

func (s *Service) Registry() *swcache.Registry { return s.registry }

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.hub.Close()
	s.wg.Wait()
	s.registry.Close()
}

func (s *Service) syncAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.registry.SyncAll(ctx, s.cfg.Worker.SyncTag); err != nil {
		s.log.Warn("scheduled sync failed", zap.Error(err))
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.registry.Stats()
			entries, used := s.store.Usage(context.Background())
			s.log.Info("cache stats",
				zap.Int("workers", len(s.registry.Hosts())),
				zap.Int("entries", entries),
				zap.String("usage", swcache.FormatBytes(uint64(max(used, 0)))),
				zap.String("resp_min", swcache.FormatBytes(ss.MinRespBytes)),
				zap.String("resp_avg", swcache.FormatBytes(ss.AvgRespBytes)),
				zap.String("resp_max", swcache.FormatBytes(ss.MaxRespBytes)),
			)
		}
	}
}

// detached is for work that outlives the request that triggered it.
func detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// goBackground runs fn on a tracked goroutine unless the service is closing.
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := detached()
		defer cancel()
		fn(ctx)
	}()
}
