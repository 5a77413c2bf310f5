// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package monitoring forwards run results to OpenTelemetry: metrics for the
// heartbeat, exit code, counters and attempts, and one error span per failed
// workbook.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/wbbackup/internal/backup"
)

const (
	instrumentationName = "github.com/cardinalhq/wbbackup/internal/monitoring"
	metricPrefix        = "wbbackup."
)

// Metrics implements backup.MetricsSink and backup.EventSink.
type Metrics struct {
	meter metric.Meter

	heartbeat      metric.Int64Gauge
	exitCode       metric.Int64Gauge
	progressDone   metric.Int64Gauge
	progressTotal  metric.Int64Gauge
	attempts       metric.Int64Counter
	backoffSeconds metric.Float64Histogram

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

var (
	_ backup.MetricsSink = (*Metrics)(nil)
	_ backup.EventSink   = (*Metrics)(nil)
)

type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	provider metric.MeterProvider
}

// WithMeterProvider replaces the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) MetricsOption {
	return func(c *metricsConfig) {
		c.provider = mp
	}
}

func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	cfg := metricsConfig{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		meter:    cfg.provider.Meter(instrumentationName),
		counters: map[string]metric.Int64Counter{},
	}

	var err error
	if m.heartbeat, err = m.meter.Int64Gauge(
		metricPrefix+"heartbeat",
		metric.WithDescription("Unix time of the last finished run or progress report"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create heartbeat gauge: %w", err)
	}
	if m.exitCode, err = m.meter.Int64Gauge(
		metricPrefix+"exitcode",
		metric.WithDescription("Exit status of the last finished run"),
	); err != nil {
		return nil, fmt.Errorf("failed to create exitcode gauge: %w", err)
	}
	if m.progressDone, err = m.meter.Int64Gauge(
		metricPrefix+"progress.completed",
		metric.WithDescription("Workbooks finished so far in the current run"),
	); err != nil {
		return nil, fmt.Errorf("failed to create progress.completed gauge: %w", err)
	}
	if m.progressTotal, err = m.meter.Int64Gauge(
		metricPrefix+"progress.total",
		metric.WithDescription("Workbooks resolved for the current run"),
	); err != nil {
		return nil, fmt.Errorf("failed to create progress.total gauge: %w", err)
	}
	if m.attempts, err = m.meter.Int64Counter(
		metricPrefix+"attempts",
		metric.WithDescription("Download and upload attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}
	if m.backoffSeconds, err = m.meter.Float64Histogram(
		metricPrefix+"backoff.delay",
		metric.WithDescription("Delay before a retried attempt"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create backoff.delay histogram: %w", err)
	}
	return m, nil
}

func (m *Metrics) RecordHeartbeat(ctx context.Context, at time.Time, statusCode int) error {
	m.heartbeat.Record(ctx, at.Unix())
	m.exitCode.Record(ctx, int64(statusCode))
	return nil
}

// RecordCounter adds value to the counter wbbackup.<name>, creating it on
// first use.
func (m *Metrics) RecordCounter(ctx context.Context, name string, value int64) error {
	c, err := m.counter(name)
	if err != nil {
		return err
	}
	c.Add(ctx, value)
	return nil
}

func (m *Metrics) counter(name string) (metric.Int64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(metricPrefix + name)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %q: %w", name, err)
	}
	m.counters[name] = c
	return c, nil
}

// RecordProgress is a liveness signal during a run.
func (m *Metrics) RecordProgress(ctx context.Context, at time.Time, completed, total int) {
	m.heartbeat.Record(ctx, at.Unix())
	m.progressDone.Record(ctx, int64(completed))
	m.progressTotal.Record(ctx, int64(total))
}

func (m *Metrics) RecordAttempt(ctx context.Context, ev backup.AttemptEvent) {
	result := "success"
	switch {
	case ev.Succeeded():
	case ev.Retry:
		result = "retry"
	default:
		result = "giveup"
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("site", backup.SiteSegment(ev.Item.SiteID)),
		attribute.String("stage", string(ev.Stage)),
		attribute.String("kind", string(ev.Kind)),
		attribute.String("result", result),
	))
	if ev.Retry {
		m.backoffSeconds.Record(ctx, ev.Delay.Seconds(), metric.WithAttributes(
			attribute.String("stage", string(ev.Stage)),
		))
	}
}
