// Package proxy is the offline gateway: a local reverse proxy in front of the
// application origin that serves GETs through the generation cache, installs
// new generations as they are deployed and reports connectivity.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/mohammadhprp/offgrid/internal/cache"
	"github.com/mohammadhprp/offgrid/internal/connection"
	"github.com/mohammadhprp/offgrid/internal/fetch"
	"github.com/mohammadhprp/offgrid/internal/metrics"
	"github.com/mohammadhprp/offgrid/internal/middleware"
	"github.com/mohammadhprp/offgrid/internal/update"
	"go.uber.org/zap"
)

// Gateway wires the cache, fetch strategies, update lifecycle and
// connection monitor behind one http.Handler.
type Gateway struct {
	cfg     Config
	origin  *url.URL
	metrics *metrics.Recorder
	logger  *zap.Logger

	store     cache.Store
	fetcher   *fetch.Fetcher
	host      *OriginHost
	lifecycle *update.Lifecycle
	monitor   *connection.Monitor
	router    *mux.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway builds a gateway from cfg. A nil transport uses a clone of
// http.DefaultTransport for origin traffic.
func NewGateway(cfg Config, transport http.RoundTripper, rec *metrics.Recorder, logger *zap.Logger) (*Gateway, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if rec == nil {
		rec = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	var store cache.Store
	if cfg.CacheDir != "" {
		if store, err = cache.OpenLevelStore(cfg.CacheDir); err != nil {
			return nil, err
		}
	} else {
		store = cache.NewMemoryStore()
	}

	g := &Gateway{
		cfg:     cfg,
		origin:  origin,
		metrics: rec,
		logger:  logger,
		store:   store,
	}

	g.fetcher = fetch.New(origin, transport, store, logger.Named("fetch"),
		fetch.WithNetworkTimeout(cfg.NetworkTimeout),
		fetch.WithMaxBodyBytes(cfg.MaxBodyBytes),
		fetch.WithMetrics(rec),
	)
	g.host = NewOriginHost(origin, cfg.Prefix, &http.Client{Transport: transport}, store, g.fetcher, cfg.PrecacheConcurrency, logger.Named("host"))
	g.lifecycle = update.New(g.host, store, update.Config{
		Prefix:         cfg.Prefix,
		CheckInterval:  cfg.Update.CheckInterval,
		ReloadFallback: cfg.Update.ReloadFallback,
	}, rec, logger.Named("update"))
	g.host.OnControllerChange(g.lifecycle.ControllerChanged)
	g.lifecycle.OnUpdateAvailable(func(version string) {
		g.logger.Info("update available, POST /__offline/update to activate", zap.String("version", version))
	})

	g.monitor = connection.NewMonitor(connection.Config{
		Endpoint:      cfg.Connection.HealthEndpoint,
		CheckTimeout:  cfg.Connection.CheckTimeout,
		CheckInterval: cfg.Connection.CheckInterval,
	}, logger.Named("connection"))

	g.router = mux.NewRouter()
	g.registerRoutes()
	return g, nil
}

func (g *Gateway) registerRoutes() {
	g.router.Use(middleware.RequestLogger(g.logger))

	control := g.router.PathPrefix("/__offline").Subrouter()
	control.HandleFunc("/status", g.status()).Methods("GET")
	control.HandleFunc("/update", g.activate()).Methods("POST")
	control.HandleFunc("/claim", g.claim()).Methods("POST")
	control.HandleFunc("/check", g.check()).Methods("POST")
	control.HandleFunc("/connectivity", g.connectivity()).Methods("POST")
	control.Handle("/metrics", g.metrics.Handler()).Methods("GET")

	g.router.PathPrefix("/").Handler(&httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(g.origin)
			pr.SetXForwarded()
		},
		Transport: g.fetcher,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.logger.Warn("origin request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusBadGateway, "origin unreachable")
		},
	})
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Start resumes the newest persisted generation, then begins update checks
// and connectivity monitoring.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.restore(g.ctx); err != nil {
		return err
	}

	g.monitor.Subscribe(func(s connection.State) {
		if s != connection.Online {
			return
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.lifecycle.OnOnline(g.ctx)
		}()
	})

	g.lifecycle.Start(g.ctx)
	g.monitor.Run(g.ctx)
	return nil
}

// restore makes the most recently sealed generation current, as left by a
// previous run. Unsealed generations were interrupted mid-install and are
// discarded so the next check installs them again.
func (g *Gateway) restore(ctx context.Context) error {
	prefix := g.cfg.Prefix + "-"
	names, err := g.store.ListNamespaces(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}

	latest := ""
	for i := len(names) - 1; i >= 0; i-- {
		sealed, err := g.store.Sealed(ctx, names[i])
		if err != nil {
			return fmt.Errorf("read generation %s: %w", names[i], err)
		}
		if !sealed {
			if _, err := g.store.Delete(ctx, names[i]); err != nil {
				return fmt.Errorf("discard partial generation %s: %w", names[i], err)
			}
			g.logger.Warn("discarded partially installed generation", zap.String("namespace", names[i]))
			continue
		}
		if latest == "" {
			latest = names[i]
		}
	}
	if latest == "" {
		return nil
	}

	h, err := g.store.Open(ctx, latest)
	if err != nil {
		return fmt.Errorf("open generation %s: %w", latest, err)
	}
	g.fetcher.Use(h)
	g.lifecycle.Restore(strings.TrimPrefix(latest, prefix))

	g.logger.Info("resumed cached generation", zap.String("namespace", latest))
	return nil
}

// Stop halts background work, waits for pending cache writes and closes the cache.
func (g *Gateway) Stop() error {
	if g.cancel != nil {
		g.cancel()
	}
	g.lifecycle.Stop()
	g.monitor.Stop()
	g.wg.Wait()
	g.fetcher.Wait()
	return g.store.Close()
}
