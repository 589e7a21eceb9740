// ABOUTME: OpenTelemetry instruments exported through a Prometheus scrape handler
// ABOUTME: Counts tool requests by outcome, security events by category, and exposes backlog gauges

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/assessor-labs/mcpgate"

// Metrics owns a meter provider whose only reader is a Prometheus exporter
// bound to a private registry.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	registry *prometheus.Registry

	requests metric.Int64Counter
	duration metric.Float64Histogram
	security metric.Int64Counter
}

// New creates the instruments.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	requests, err := meter.Int64Counter(
		"mcpgate.requests",
		metric.WithDescription("Tool requests by tool, outcome, and status code"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"mcpgate.request.duration",
		metric.WithDescription("Time from receipt to response"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	security, err := meter.Int64Counter(
		"mcpgate.security_events",
		metric.WithDescription("Security events by category"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider: provider,
		meter:    meter,
		registry: registry,
		requests: requests,
		duration: duration,
		security: security,
	}, nil
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(ctx context.Context, tool, outcome string, status int, elapsed time.Duration) {
	opt := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.requests.Add(ctx, 1, opt)
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// CountSecurityEvent records one security event.
func (m *Metrics) CountSecurityEvent(ctx context.Context, category string) {
	m.security.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// Gauge registers an observable gauge read from fn at scrape time.
func (m *Metrics) Gauge(name, description string, fn func() int64) error {
	_, err := m.meter.Int64ObservableGauge(
		name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}

// Handler serves the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
