package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohammadhprp/offgrid/internal/handler"
	"github.com/mohammadhprp/offgrid/internal/middleware"
	"go.uber.org/zap"
)

// HTTPServer implements the Server interface for HTTP transport
type HTTPServer struct {
	server   *http.Server
	router   *mux.Router
	address  string
	logger   *zap.Logger
	cfg      ServerConfig
	handlers *ServiceHandlers
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg ServerConfig) *HTTPServer {
	router := mux.NewRouter()
	if cfg.ClientIP == nil {
		cfg.ClientIP = middleware.IPKeyExtractor
	}

	handlers := &ServiceHandlers{
		HealthCheck: handler.NewHealthCheckHandler(cfg.Services.Health, cfg.Logger),
		RateLimit:   handler.NewRateLimitHandler(cfg.Services.RateLimit, cfg.ClientIP, cfg.Logger),
		Documents:   handler.NewDocumentHandler(cfg.Services.Documents, cfg.ClientIP, cfg.Logger),
	}

	hs := &HTTPServer{
		address:  cfg.Address,
		logger:   cfg.Logger,
		cfg:      cfg,
		handlers: handlers,
		router:   router,
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	hs.registerRoutes()
	return hs
}

// registerRoutes registers all HTTP routes
func (hs *HTTPServer) registerRoutes() {
	hs.router.Use(middleware.RequestLogger(hs.logger))

	hs.router.HandleFunc("/health", hs.handlers.HealthCheck.HealthCheck()).Methods("GET")
	hs.router.Handle("/metrics", hs.cfg.Metrics.Handler()).Methods("GET")

	// Rate limiter contract, called by the upload path
	hs.router.HandleFunc("/check", hs.handlers.RateLimit.Check()).Methods("POST")
	hs.router.HandleFunc("/reset", hs.handlers.RateLimit.Reset()).Methods("POST")

	if hs.cfg.Services.Manifest != nil {
		hs.router.HandleFunc("/version", handler.Version(hs.cfg.Services.Manifest)).Methods("GET")
	}

	gate := middleware.RateLimitMiddleware(hs.cfg.Services.RateLimit, hs.cfg.ClientIP, hs.logger)
	hs.router.Handle("/api/documents", gate(hs.handlers.Documents.Upload())).Methods("POST")
	hs.router.HandleFunc("/api/documents", hs.handlers.Documents.Fetch()).Methods("GET")
}

// Handler exposes the router, mainly for tests.
func (hs *HTTPServer) Handler() http.Handler {
	return hs.router
}

// Start starts the HTTP server
func (hs *HTTPServer) Start(ctx context.Context) error {
	hs.logger.Info("Starting HTTP server", zap.String("address", hs.address))

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (hs *HTTPServer) Stop(ctx context.Context) error {
	hs.logger.Info("Stopping HTTP server")
	return hs.server.Shutdown(ctx)
}

// Addr returns the address the HTTP server is listening on
func (hs *HTTPServer) Addr() string {
	return hs.address
}
