// Package telemetry exposes service metrics through an OpenTelemetry
// meter backed by a Prometheus registry. A disabled provider degrades
// to no-op instruments so call sites never branch.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Config selects the telemetry backend.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Enabled selects the Prometheus-backed provider; disabled
	// telemetry records nothing and serves no /metrics handler.
	Enabled bool
}

// Provider owns the service's metric instruments.
type Provider struct {
	meterProvider metric.MeterProvider
	sdkProvider   *sdkmetric.MeterProvider
	handler       http.Handler

	postsTotal        metric.Int64Counter
	errorsTotal       metric.Int64Counter
	providerDuration  metric.Float64Histogram
	rateLimitHits     metric.Int64Counter
	activeConnections metric.Int64UpDownCounter
}

// NewProvider builds the metric instruments. With cfg.Enabled false the
// instruments are no-ops and Handler returns nil.
func NewProvider(cfg Config) (*Provider, error) {
	p := &Provider{}

	if cfg.Enabled {
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("building prometheus exporter: %w", err)
		}
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		))
		if err != nil {
			return nil, fmt.Errorf("building telemetry resource: %w", err)
		}
		p.sdkProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		)
		p.meterProvider = p.sdkProvider
		p.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	} else {
		p.meterProvider = noop.NewMeterProvider()
	}

	meter := p.meterProvider.Meter("crier")
	var err error
	if p.postsTotal, err = meter.Int64Counter("posts_total",
		metric.WithDescription("Posts attempted, by provider, account and outcome")); err != nil {
		return nil, err
	}
	if p.errorsTotal, err = meter.Int64Counter("errors_total",
		metric.WithDescription("Errors by kind")); err != nil {
		return nil, err
	}
	if p.providerDuration, err = meter.Float64Histogram("provider_execution_duration_seconds",
		metric.WithDescription("Provider invocation duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if p.rateLimitHits, err = meter.Int64Counter("rate_limit_hits",
		metric.WithDescription("Requests rejected by rate limiting")); err != nil {
		return nil, err
	}
	if p.activeConnections, err = meter.Int64UpDownCounter("active_connections",
		metric.WithDescription("In-flight webhook requests")); err != nil {
		return nil, err
	}
	return p, nil
}

// Handler returns the Prometheus scrape handler, nil when disabled.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// RecordPost counts one delivery attempt.
func (p *Provider) RecordPost(ctx context.Context, provider, account string, success bool) {
	p.postsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("account", account),
		attribute.Bool("success", success),
	))
}

// RecordError counts one error of the given kind.
func (p *Provider) RecordError(ctx context.Context, kind string) {
	p.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ObserveProviderDuration records one provider invocation duration.
func (p *Provider) ObserveProviderDuration(ctx context.Context, provider string, seconds float64) {
	p.providerDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordRateLimitHit counts one rate-limited request.
func (p *Provider) RecordRateLimitHit(ctx context.Context, provider string) {
	p.rateLimitHits.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// ConnectionOpened increments the in-flight request gauge.
func (p *Provider) ConnectionOpened(ctx context.Context) {
	p.activeConnections.Add(ctx, 1)
}

// ConnectionClosed decrements the in-flight request gauge.
func (p *Provider) ConnectionClosed(ctx context.Context) {
	p.activeConnections.Add(ctx, -1)
}

// Shutdown flushes the metric pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdkProvider == nil {
		return nil
	}
	return p.sdkProvider.Shutdown(ctx)
}
