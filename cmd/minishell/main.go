package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"minishell/internal/config"
	"minishell/internal/logging"
	"minishell/internal/server"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	var configPath, preflight string
	flag.StringVar(&configPath, "config", getenvDefault("MINISHELL_CONFIG", "/minishell.yaml"), "path to minishell.yaml")
	flag.StringVar(&preflight, "preflight", "", "load the mini-app of this host headlessly and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if preflight != "" {
		os.Exit(runPreflight(cfg, preflight, logger))
	}

	if err := serve(cfg, logger); err != nil {
		logger.Fatal("minishell stopped", zap.Error(err))
	}
}

func serve(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := server.OpenStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	origin, err := server.OpenOrigin(ctx, cfg)
	if err != nil {
		return err
	}

	svc, err := server.New(cfg, origin, store, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("minishell listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("bucket", cfg.Server.S3.Bucket),
			zap.String("storage", cfg.Storage.Backend),
			zap.Bool("dev", cfg.Worker.Dev),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// runPreflight mounts one host's mini-app into a headless shell and runs its
// script, against an in-memory cache. It returns the process exit code.
func runPreflight(cfg config.Config, host string, logger *zap.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg.Storage.Backend = "memory"
	store, err := server.OpenStorage(cfg.Storage, logger)
	if err != nil {
		logger.Error("preflight storage", zap.Error(err))
		return 1
	}
	defer store.Close()

	origin, err := server.OpenOrigin(ctx, cfg)
	if err != nil {
		logger.Error("preflight origin", zap.Error(err))
		return 1
	}
	svc, err := server.New(cfg, origin, store, logger)
	if err != nil {
		logger.Error("preflight init", zap.Error(err))
		return 1
	}
	defer svc.Close()

	st, err := svc.Preflight(ctx, host)
	if err != nil {
		logger.Error("preflight failed", zap.String("host", host), zap.Stringer("phase", st.Phase), zap.String("debug", st.Debug), zap.Error(err))
		return 1
	}
	fields := []zap.Field{zap.String("host", host), zap.String("slug", st.Slug), zap.String("debug", st.Debug)}
	if m := st.Manifest; m != nil {
		fields = append(fields,
			zap.String("name", m.Name()),
			zap.String("start_url", m.StartURL()),
			zap.String("display", m.Get("display").String()),
		)
	}
	if w := svc.Registry().Controller(host); w != nil {
		fields = append(fields, zap.String("worker_version", w.Version()))
	}
	logger.Info("preflight ok", fields...)
	return 0
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
