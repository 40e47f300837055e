package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ExecutionMetrics holds custom metrics for compiled operation
// execution. The gateway records the request-level series; the
// executor records per-operation and per-batch series pulled from the
// request context.
type ExecutionMetrics struct {
	requestDuration   metric.Float64Histogram
	requestCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	activeRequests    metric.Int64UpDownCounter
	requestComplexity metric.Int64Histogram
	operationDuration metric.Float64Histogram
	operationCounter  metric.Int64Counter
	operationRows     metric.Int64Histogram
	batchParents      metric.Int64Histogram
	batchRows         metric.Int64Histogram
	partialFailures   metric.Int64Counter
}

// InitExecutionMetrics initializes operation execution metrics.
func InitExecutionMetrics() (*ExecutionMetrics, error) {
	meter := otel.Meter("sqlstencil")

	requestDuration, err := meter.Float64Histogram(
		"graphql.request.duration",
		metric.WithDescription("Duration of GraphQL requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requestCounter, err := meter.Int64Counter(
		"graphql.requests.total",
		metric.WithDescription("Total number of GraphQL requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"graphql.errors.total",
		metric.WithDescription("Total number of GraphQL requests that returned errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"graphql.requests.active",
		metric.WithDescription("Number of in-flight GraphQL requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	requestComplexity, err := meter.Int64Histogram(
		"graphql.request.complexity",
		metric.WithDescription("Request complexity scored with the artifact's cost weights"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request complexity histogram: %w", err)
	}

	operationDuration, err := meter.Float64Histogram(
		"operation.duration",
		metric.WithDescription("Duration of compiled operation invocations in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	operationCounter, err := meter.Int64Counter(
		"operation.executions.total",
		metric.WithDescription("Total number of compiled operation invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	operationRows, err := meter.Int64Histogram(
		"operation.rows",
		metric.WithDescription("Root rows returned by a compiled operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation rows histogram: %w", err)
	}

	batchParents, err := meter.Int64Histogram(
		"relation.batch.parents",
		metric.WithDescription("Parent keys carried by one relationship batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch parents histogram: %w", err)
	}

	batchRows, err := meter.Int64Histogram(
		"relation.batch.rows",
		metric.WithDescription("Rows returned by one relationship batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch rows histogram: %w", err)
	}

	partialFailures, err := meter.Int64Counter(
		"operation.partial_failures.total",
		metric.WithDescription("Relationship fields nulled under the partial results policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial failures counter: %w", err)
	}

	return &ExecutionMetrics{
		requestDuration:   requestDuration,
		requestCounter:    requestCounter,
		errorCounter:      errorCounter,
		activeRequests:    activeRequests,
		requestComplexity: requestComplexity,
		operationDuration: operationDuration,
		operationCounter:  operationCounter,
		operationRows:     operationRows,
		batchParents:      batchParents,
		batchRows:         batchRows,
		partialFailures:   partialFailures,
	}, nil
}

// RecordRequest records one GraphQL request with its duration and
// outcome.
func (m *ExecutionMetrics) RecordRequest(ctx context.Context, duration time.Duration, hasErrors bool, operationType string) {
	attrs := []attribute.KeyValue{
		attribute.String("operation_type", operationType),
		attribute.Bool("has_errors", hasErrors),
	}

	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if hasErrors {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation_type", operationType),
		))
	}
}

// RecordRequestComplexity records the score computed for an admitted
// request.
func (m *ExecutionMetrics) RecordRequestComplexity(ctx context.Context, score int64, operationType string) {
	m.requestComplexity.Record(ctx, score, metric.WithAttributes(
		attribute.String("operation_type", operationType),
	))
}

// RecordOperation records one compiled operation invocation.
func (m *ExecutionMetrics) RecordOperation(ctx context.Context, operation, kind string, duration time.Duration, rows int, failed bool) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("kind", kind),
		attribute.Bool("failed", failed),
	}

	m.operationDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.operationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if !failed {
		m.operationRows.Record(ctx, int64(rows), metric.WithAttributes(
			attribute.String("operation", operation),
		))
	}
}

// RecordBatch records one relationship batch query.
func (m *ExecutionMetrics) RecordBatch(ctx context.Context, relation string, parents, rows int) {
	attrs := metric.WithAttributes(attribute.String("relation", relation))
	m.batchParents.Record(ctx, int64(parents), attrs)
	m.batchRows.Record(ctx, int64(rows), attrs)
}

// RecordPartialFailure records a relationship field that failed and
// was nulled while its siblings completed.
func (m *ExecutionMetrics) RecordPartialFailure(ctx context.Context, operation, field string) {
	m.partialFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("field", field),
	))
}

// IncrementActiveRequests increments the in-flight request counter.
func (m *ExecutionMetrics) IncrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests decrements the in-flight request counter.
func (m *ExecutionMetrics) DecrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the
// ExecutionMetrics instance.
func InitMetrics(logger *slog.Logger) (*ExecutionMetrics, error) {
	metrics, err := InitExecutionMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize execution metrics: %w", err)
	}

	logger.Info("execution metrics initialized")
	return metrics, nil
}

type executionMetricsContextKey struct{}

// ContextWithExecutionMetrics stores execution metrics in the provided
// context.
func ContextWithExecutionMetrics(ctx context.Context, metrics *ExecutionMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, executionMetricsContextKey{}, metrics)
}

// ExecutionMetricsFromContext retrieves execution metrics from the
// context, or nil when none are installed.
func ExecutionMetricsFromContext(ctx context.Context) *ExecutionMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(executionMetricsContextKey{}).(*ExecutionMetrics)
	return metrics
}
