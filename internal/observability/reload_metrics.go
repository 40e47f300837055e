package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ReloadMetrics holds custom metrics for artifact reload behavior.
type ReloadMetrics struct {
	reloadCounter   metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
	lastSuccessUnix atomic.Int64
}

// InitReloadMetrics initializes artifact reload metrics.
func InitReloadMetrics(logger *slog.Logger) (*ReloadMetrics, error) {
	meter := otel.Meter("sqlstencil")

	reloadCounter, err := meter.Int64Counter(
		"artifact.reload.total",
		metric.WithDescription("Total number of artifact reload attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact reload counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"artifact.reload.errors.total",
		metric.WithDescription("Total number of failed artifact reload attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact reload error counter: %w", err)
	}

	durationHist, err := meter.Float64Histogram(
		"artifact.reload.duration",
		metric.WithDescription("Duration of artifact reload attempts in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact reload duration histogram: %w", err)
	}

	lastSuccessGauge, err := meter.Int64ObservableGauge(
		"artifact.reload.last_success_unix",
		metric.WithDescription("Unix timestamp of the last successful artifact reload"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact reload last success gauge: %w", err)
	}

	metrics := &ReloadMetrics{
		reloadCounter: reloadCounter,
		errorCounter:  errorCounter,
		durationHist:  durationHist,
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			value := metrics.lastSuccessUnix.Load()
			if value > 0 {
				observer.ObserveInt64(lastSuccessGauge, value)
			}
			return nil
		},
		lastSuccessGauge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register artifact reload gauge callback: %w", err)
	}

	logger.Info("artifact reload metrics initialized")
	return metrics, nil
}

// RecordReload records an artifact reload attempt.
func (m *ReloadMetrics) RecordReload(ctx context.Context, duration time.Duration, success bool, trigger string) {
	attrs := []attribute.KeyValue{
		attribute.String("trigger", trigger),
		attribute.Bool("success", success),
	}

	m.reloadCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if !success {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
		return
	}

	m.lastSuccessUnix.Store(time.Now().Unix())
}
