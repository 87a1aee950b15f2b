// Package metrics records limiter, cache and update activity through
// OpenTelemetry instruments exported in Prometheus format.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Outcome labels.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"

	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceOffline = "offline"
)

// Recorder wraps the instruments. A zero Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	limiterDecisions  metric.Int64Counter
	limiterDuration   metric.Float64Histogram
	cacheLookups      metric.Int64Counter
	cacheWriteErrors  metric.Int64Counter
	fetchResponses    metric.Int64Counter
	updateTransitions metric.Int64Counter
}

// Nop returns a Recorder that discards everything.
func Nop() *Recorder {
	return &Recorder{}
}

// New creates a Recorder backed by its own Prometheus registry.
func New(serviceName string) (*Recorder, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(serviceName)

	r := &Recorder{registry: registry, provider: provider}

	if r.limiterDecisions, err = meter.Int64Counter(
		"offgrid_limiter_decisions_total",
		metric.WithDescription("Rate limiter decisions by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create limiter decisions counter: %w", err)
	}

	if r.limiterDuration, err = meter.Float64Histogram(
		"offgrid_limiter_check_duration_seconds",
		metric.WithDescription("Rate limiter check duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create limiter duration histogram: %w", err)
	}

	if r.cacheLookups, err = meter.Int64Counter(
		"offgrid_cache_lookups_total",
		metric.WithDescription("Cache lookups by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	if r.cacheWriteErrors, err = meter.Int64Counter(
		"offgrid_cache_write_errors_total",
		metric.WithDescription("Best-effort cache writes that failed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache write errors counter: %w", err)
	}

	if r.fetchResponses, err = meter.Int64Counter(
		"offgrid_fetch_responses_total",
		metric.WithDescription("Responses served by strategy and source"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fetch responses counter: %w", err)
	}

	if r.updateTransitions, err = meter.Int64Counter(
		"offgrid_update_transitions_total",
		metric.WithDescription("Update lifecycle state transitions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create update transitions counter: %w", err)
	}

	return r, nil
}

// Handler serves the registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

func (r *Recorder) LimiterDecision(ctx context.Context, outcome string, seconds float64) {
	if r == nil || r.limiterDecisions == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.limiterDecisions.Add(ctx, 1, attrs)
	r.limiterDuration.Record(ctx, seconds, attrs)
}

func (r *Recorder) CacheLookup(ctx context.Context, namespace string, hit bool) {
	if r == nil || r.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("result", result),
	))
}

func (r *Recorder) CacheWriteError(ctx context.Context, namespace string) {
	if r == nil || r.cacheWriteErrors == nil {
		return
	}
	r.cacheWriteErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}

func (r *Recorder) FetchResponse(ctx context.Context, strategy, source string) {
	if r == nil || r.fetchResponses == nil {
		return
	}
	r.fetchResponses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("source", source),
	))
}

func (r *Recorder) UpdateTransition(ctx context.Context, state string) {
	if r == nil || r.updateTransitions == nil {
		return
	}
	r.updateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
