// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's operational counters over the
// OpenTelemetry metric API with a Prometheus exporter.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider owns the meter provider and its Prometheus registry. Each
// provider has its own registry so multiple instances never collide.
type Provider struct {
	mp       *sdkmetric.MeterProvider
	registry *promclient.Registry

	*Collector
}

// NewProvider builds a meter provider backed by a private Prometheus
// registry and installs it as the global OpenTelemetry meter provider.
func NewProvider(serviceName, version string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // avoid schema conflicts when merging with the default resource
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	collector, err := NewCollector(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create collector: %w", err)
	}

	return &Provider{mp: mp, registry: registry, Collector: collector}, nil
}

// Handler serves the Prometheus scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending metrics and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

// Collector holds the instruments for the daemon's domain events.
type Collector struct {
	passesTotal   metric.Int64Counter
	passDuration  metric.Float64Histogram
	commitsTotal  metric.Int64Counter
	patchesTotal  metric.Int64Counter
	skippedTotal  metric.Int64Counter
	pollTicks     metric.Int64Counter
	webhooksTotal metric.Int64Counter

	viewers atomic.Int64
}

// NewCollector registers all instruments on the given meter provider.
func NewCollector(mp metric.MeterProvider) (*Collector, error) {
	meter := mp.Meter("shopcal")
	c := &Collector{}

	var err error
	c.passesTotal, err = meter.Int64Counter(
		"shopcal_refresh_passes_total",
		metric.WithDescription("Total number of refresh passes by reason and outcome"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	c.passDuration, err = meter.Float64Histogram(
		"shopcal_refresh_pass_duration_seconds",
		metric.WithDescription("Refresh pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.commitsTotal, err = meter.Int64Counter(
		"shopcal_snapshot_commits_total",
		metric.WithDescription("Total number of snapshot commits"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}

	c.patchesTotal, err = meter.Int64Counter(
		"shopcal_event_patches_total",
		metric.WithDescription("Total number of interactive event patches by outcome"),
		metric.WithUnit("{patch}"),
	)
	if err != nil {
		return nil, err
	}

	c.skippedTotal, err = meter.Int64Counter(
		"shopcal_records_skipped_total",
		metric.WithDescription("Total number of records skipped during derivation by reason"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	c.pollTicks, err = meter.Int64Counter(
		"shopcal_poll_ticks_total",
		metric.WithDescription("Total number of reconciliation poll ticks by outcome"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	c.webhooksTotal, err = meter.Int64Counter(
		"shopcal_webhooks_total",
		metric.WithDescription("Total number of received webhook deliveries by status"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"shopcal_sse_viewers",
		metric.WithDescription("Number of currently connected SSE viewers"),
		metric.WithUnit("{viewer}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(c.viewers.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordPass records one refresh pass.
func (c *Collector) RecordPass(reason, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("outcome", outcome),
	)
	ctx := context.Background()
	c.passesTotal.Add(ctx, 1, attrs)
	c.passDuration.Record(ctx, d.Seconds(), attrs)
	if outcome == "committed" {
		c.commitsTotal.Add(ctx, 1)
	}
}

// RecordPatch records one interactive patch attempt.
func (c *Collector) RecordPatch(outcome string) {
	c.patchesTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSkipped adds derivation skip counts by reason.
func (c *Collector) RecordSkipped(skipped map[string]int) {
	ctx := context.Background()
	for reason, n := range skipped {
		c.skippedTotal.Add(ctx, int64(n),
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordPollTick records one reconciliation poll tick.
func (c *Collector) RecordPollTick(outcome string) {
	c.pollTicks.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordWebhook records one webhook delivery.
func (c *Collector) RecordWebhook(status string) {
	c.webhooksTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// SetViewers updates the connected-viewers gauge.
func (c *Collector) SetViewers(n int) {
	c.viewers.Store(int64(n))
}
