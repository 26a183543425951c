// Package telemetry collects per-run metrics with the OpenTelemetry SDK and
// reads them back through a manual reader so they can be written into the
// run summary.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	scopeName = "kiln/run"

	metricTasks        = "kiln.tasks"
	metricCacheLookups = "kiln.cache.lookups"
	metricTaskDuration = "kiln.task.duration"
)

// Metrics records task and cache activity for one run. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	tasks    metric.Int64Counter
	lookups  metric.Int64Counter
	duration metric.Float64Histogram
}

// New builds a meter provider backed by a manual reader.
func New() (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(scopeName)

	tasks, err := meter.Int64Counter(metricTasks,
		metric.WithDescription("Tasks reaching a terminal status"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTasks, err)
	}
	lookups, err := meter.Int64Counter(metricCacheLookups,
		metric.WithDescription("Cache lookups by tier and result"),
		metric.WithUnit("{lookup}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheLookups, err)
	}
	duration, err := meter.Float64Histogram(metricTaskDuration,
		metric.WithDescription("Wall time of executed tasks"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTaskDuration, err)
	}
	return &Metrics{provider: provider, reader: reader, tasks: tasks, lookups: lookups, duration: duration}, nil
}

// TaskFinished counts a terminal status. Durations are only recorded for
// tasks that actually ran.
func (m *Metrics) TaskFinished(ctx context.Context, status string, executed bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.tasks.Add(ctx, 1, attrs)
	if executed {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
}

// CacheLookup counts one tier consultation.
func (m *Metrics) CacheLookup(ctx context.Context, tier, result string) {
	if m == nil {
		return
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
}

// Snapshot is the summary-friendly view of collected metrics.
type Snapshot struct {
	Tasks        map[string]int64 `json:"tasks"`
	CacheLookups map[string]int64 `json:"cacheLookups"`
	TaskDuration DurationSummary  `json:"taskDuration"`
}

// DurationSummary aggregates the task duration histogram.
type DurationSummary struct {
	Count      uint64  `json:"count"`
	SumSeconds float64 `json:"sumSeconds"`
	MinSeconds float64 `json:"minSeconds,omitempty"`
	MaxSeconds float64 `json:"maxSeconds,omitempty"`
}

// Snapshot collects the current values. Cache lookups are keyed "tier/result".
func (m *Metrics) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Tasks: map[string]int64{}, CacheLookups: map[string]int64{}}
	if m == nil {
		return snap, nil
	}
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return snap, fmt.Errorf("collect metrics: %w", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, md := range scope.Metrics {
			switch md.Name {
			case metricTasks:
				if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						snap.Tasks[attr(dp.Attributes, "status")] += dp.Value
					}
				}
			case metricCacheLookups:
				if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						key := attr(dp.Attributes, "tier") + "/" + attr(dp.Attributes, "result")
						snap.CacheLookups[key] += dp.Value
					}
				}
			case metricTaskDuration:
				if hist, ok := md.Data.(metricdata.Histogram[float64]); ok {
					mergeHistogram(&snap.TaskDuration, hist.DataPoints)
				}
			}
		}
	}
	return snap, nil
}

// Shutdown releases the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func mergeHistogram(dst *DurationSummary, points []metricdata.HistogramDataPoint[float64]) {
	sort.Slice(points, func(i, j int) bool { return points[i].StartTime.Before(points[j].StartTime) })
	for _, dp := range points {
		if dp.Count == 0 {
			continue
		}
		first := dst.Count == 0
		dst.Count += dp.Count
		dst.SumSeconds += dp.Sum
		if v, ok := dp.Min.Value(); ok && (first || v < dst.MinSeconds) {
			dst.MinSeconds = v
		}
		if v, ok := dp.Max.Value(); ok && (first || v > dst.MaxSeconds) {
			dst.MaxSeconds = v
		}
	}
}

func attr(set attribute.Set, key string) string {
	if v, ok := set.Value(attribute.Key(key)); ok {
		return v.AsString()
	}
	return ""
}
