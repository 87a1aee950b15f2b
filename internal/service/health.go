package service

import (
	"context"
	"time"

	"github.com/mohammadhprp/offgrid/internal/storage"
	"go.uber.org/zap"
)

const healthPingTimeout = 2 * time.Second

// HealthReport describes window store reachability.
type HealthReport struct {
	Status       string  `json:"status"`
	Time         string  `json:"time"`
	Backend      string  `json:"backend,omitempty"`
	StoreLatency float64 `json:"storeLatencyMs"`
	Error        string  `json:"error,omitempty"`
}

// Healthy reports whether the store answered.
func (r HealthReport) Healthy() bool {
	return r.Status == HealthStatusHealthy
}

// HealthService reports whether the limiter can reach its window store.
type HealthService struct {
	store   storage.Store
	backend string
	logger  *zap.Logger
	now     func() time.Time
}

// NewHealthService creates a health service for store. backend is only
// echoed in reports.
func NewHealthService(store storage.Store, backend string, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthService{
		store:   store,
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// Report pings the store within a bounded time.
func (s *HealthService) Report(ctx context.Context) HealthReport {
	start := s.now()
	report := HealthReport{
		Status:  HealthStatusHealthy,
		Time:    start.UTC().Format(time.RFC3339),
		Backend: s.backend,
	}

	err := s.Ping(ctx)
	report.StoreLatency = float64(s.now().Sub(start).Microseconds()) / 1000
	if err != nil {
		s.logger.Warn("health check failed", zap.String("backend", s.backend), zap.Error(err))
		report.Status = HealthStatusUnhealthy
		report.Error = err.Error()
	}
	return report
}

// Ping verifies connectivity with the underlying store.
func (s *HealthService) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	return s.store.Ping(ctx)
}
