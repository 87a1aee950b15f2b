package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammadhprp/offgrid/internal/config"
	"github.com/mohammadhprp/offgrid/internal/limiter"
	"github.com/mohammadhprp/offgrid/internal/manifest"
	"github.com/mohammadhprp/offgrid/internal/metrics"
	"github.com/mohammadhprp/offgrid/internal/middleware"
	"github.com/mohammadhprp/offgrid/internal/service"
	"github.com/mohammadhprp/offgrid/internal/storage"
	"github.com/mohammadhprp/offgrid/internal/transport"
	"go.uber.org/zap"
)

func main() {
	config.LoadDotEnv()

	cfg := config.Load()

	// Initialize logger
	logger, err := config.InitLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting offgrid server",
		zap.String("address", cfg.ServerAddr()),
		zap.String("grpc_address", cfg.GRPCAddr()),
		zap.String("store", cfg.Store.Backend),
	)

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer store.Close()

	rec, err := metrics.New("offgrid")
	if err != nil {
		logger.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := manifest.NewWatcher(cfg.Manifest.Path, logger)
	if err != nil {
		logger.Fatal("Failed to load manifest", zap.String("path", cfg.Manifest.Path), zap.Error(err))
	}
	if err := watcher.Watch(ctx); err != nil {
		logger.Warn("Manifest hot reload disabled", zap.Error(err))
	}

	proxies, err := middleware.NewTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Fatal("Invalid TRUSTED_PROXIES", zap.Error(err))
	}

	lim := limiter.NewFixedWindow(store, cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
	defer lim.Close()

	services := transport.Services{
		RateLimit: service.NewRateLimitService(lim, cfg.Store.Timeout, rec, logger),
		Health:    service.NewHealthService(store, cfg.Store.Backend, logger),
		Documents: service.NewDocumentService(store, cfg.Documents.MaxBytes, logger),
		Manifest:  watcher,
	}

	servers := []transport.Server{
		transport.NewHTTPServer(transport.ServerConfig{
			Address:      cfg.ServerAddr(),
			Services:     services,
			Metrics:      rec,
			Logger:       logger,
			ClientIP:     proxies.KeyExtractor(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}),
		transport.NewGRPCServer(transport.ServerConfig{
			Address:  cfg.GRPCAddr(),
			Services: services,
			Metrics:  rec,
			Logger:   logger,
		}),
	}

	for _, srv := range servers {
		if err := srv.Start(ctx); err != nil {
			logger.Fatal("Server failed to start", zap.String("address", srv.Addr()), zap.Error(err))
		}
	}

	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.String("address", srv.Addr()), zap.Error(err))
		}
	}
	if err := rec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown failed", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func newStore(cfg config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Info("Using in-memory window store")
		return storage.NewMemoryStore(), nil
	case "redis":
		client, err := config.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr(), err)
		}
		logger.Info("Connected to Redis", zap.String("address", cfg.RedisAddr()))
		return storage.NewRedisStoreWithClient(client, "offgrid:"), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
