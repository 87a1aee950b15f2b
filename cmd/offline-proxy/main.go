package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mohammadhprp/offgrid/internal/config"
	"github.com/mohammadhprp/offgrid/internal/metrics"
	"github.com/mohammadhprp/offgrid/internal/proxy"
	"go.uber.org/zap"
)

// CLI is the offline proxy command line.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the offline gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"offline-proxy.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (json, console)." default:"console"`
}

// ValidateCmd checks the configuration and exits.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := proxy.LoadConfig(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("configuration OK: origin=%s listen=%s prefix=%s\n", cfg.Origin, cfg.Listen, cfg.Prefix)
	return nil
}

// ServeCmd runs the gateway until interrupted.
type ServeCmd struct {
	Listen string `help:"Override the listen address."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := proxy.LoadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}

	logger, err := config.InitLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rec, err := metrics.New("offgrid-offline-proxy")
	if err != nil {
		return err
	}

	gateway, err := proxy.NewGateway(cfg, nil, rec, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gateway.Start(ctx); err != nil {
		_ = gateway.Stop()
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gateway,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Offline gateway listening",
			zap.String("address", cfg.Listen),
			zap.String("origin", cfg.Origin),
			zap.String("cache_dir", cfg.CacheDir),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Gateway server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway forced to shutdown", zap.Error(err))
	}
	if err := gateway.Stop(); err != nil {
		logger.Error("Failed to close cache", zap.Error(err))
	}
	if err := rec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown failed", zap.Error(err))
	}

	logger.Info("Gateway stopped")
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("offline-proxy"),
		kong.Description("Offline gateway serving an offgrid application from its generation cache."),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "offline-proxy: %v\n", err)
		os.Exit(1)
	}
}
