package transport

import (
	"context"
	"time"

	"github.com/mohammadhprp/offgrid/internal/handler"
	"github.com/mohammadhprp/offgrid/internal/metrics"
	"github.com/mohammadhprp/offgrid/internal/middleware"
	"github.com/mohammadhprp/offgrid/internal/service"
	"go.uber.org/zap"
)

// Server defines the interface for different transport implementations (HTTP, gRPC, etc.)
type Server interface {
	// Start starts the transport server
	Start(ctx context.Context) error

	// Stop gracefully stops the transport server
	Stop(ctx context.Context) error

	// Addr returns the address the server is listening on
	Addr() string
}

// Services bundles the business services shared by every transport.
type Services struct {
	RateLimit *service.RateLimitService
	Health    *service.HealthService
	Documents *service.DocumentService
	Manifest  handler.ManifestSource
}

// ServerConfig contains common configuration for all transport servers
type ServerConfig struct {
	Address      string                  // Address to listen on (e.g., "localhost:8080" or ":50051")
	Services     Services                // Shared business services
	Metrics      *metrics.Recorder       // Shared metrics recorder
	Logger       *zap.Logger             // Shared logger
	ClientIP     middleware.KeyExtractor // Rate-limit identity of a request; nil uses the peer address
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ServiceHandlers contains all HTTP handlers
type ServiceHandlers struct {
	HealthCheck *handler.HealthCheckHandler
	RateLimit   *handler.RateLimitHandler
	Documents   *handler.DocumentHandler
}
