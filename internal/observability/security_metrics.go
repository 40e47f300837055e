package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SecurityMetrics holds authentication and rule evaluation metrics.
// The middleware records the auth series; the executor records rule
// denials, filtered rows, and masked fields.
type SecurityMetrics struct {
	authAttempts          metric.Int64Counter
	authFailures          metric.Int64Counter
	authSuccesses         metric.Int64Counter
	adminEndpointAccess   metric.Int64Counter
	tokenValidationErrors metric.Int64Counter
	ruleDenials           metric.Int64Counter
	rowsFiltered          metric.Int64Counter
	fieldsMasked          metric.Int64Counter
}

// InitSecurityMetrics initializes security-specific metrics.
func InitSecurityMetrics() (*SecurityMetrics, error) {
	meter := otel.Meter("sqlstencil/security")

	authAttempts, err := meter.Int64Counter(
		"security.auth.attempts.total",
		metric.WithDescription("Total number of authentication attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth attempts counter: %w", err)
	}

	authFailures, err := meter.Int64Counter(
		"security.auth.failures.total",
		metric.WithDescription("Total number of authentication failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth failures counter: %w", err)
	}

	authSuccesses, err := meter.Int64Counter(
		"security.auth.successes.total",
		metric.WithDescription("Total number of successful authentications"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth successes counter: %w", err)
	}

	adminEndpointAccess, err := meter.Int64Counter(
		"security.admin.access.total",
		metric.WithDescription("Total number of admin endpoint access attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin endpoint access counter: %w", err)
	}

	tokenValidationErrors, err := meter.Int64Counter(
		"security.token.validation_errors.total",
		metric.WithDescription("Total number of token validation errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token validation errors counter: %w", err)
	}

	ruleDenials, err := meter.Int64Counter(
		"security.rule.denials.total",
		metric.WithDescription("Operations denied by a permission rule"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule denials counter: %w", err)
	}

	rowsFiltered, err := meter.Int64Counter(
		"security.rows.filtered.total",
		metric.WithDescription("Rows dropped by post-fetch permission rules"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rows filtered counter: %w", err)
	}

	fieldsMasked, err := meter.Int64Counter(
		"security.fields.masked.total",
		metric.WithDescription("Sensitive fields redacted by the active security profile"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fields masked counter: %w", err)
	}

	return &SecurityMetrics{
		authAttempts:          authAttempts,
		authFailures:          authFailures,
		authSuccesses:         authSuccesses,
		adminEndpointAccess:   adminEndpointAccess,
		tokenValidationErrors: tokenValidationErrors,
		ruleDenials:           ruleDenials,
		rowsFiltered:          rowsFiltered,
		fieldsMasked:          fieldsMasked,
	}, nil
}

// RecordAuthAttempt records an authentication attempt.
func (m *SecurityMetrics) RecordAuthAttempt(ctx context.Context, endpoint string) {
	m.authAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordAuthFailure records a failed authentication attempt.
func (m *SecurityMetrics) RecordAuthFailure(ctx context.Context, endpoint, reason string) {
	m.authFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

// RecordAuthSuccess records a successful authentication.
func (m *SecurityMetrics) RecordAuthSuccess(ctx context.Context, endpoint, issuer string) {
	m.authSuccesses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("issuer", issuer),
	))
}

// RecordAdminEndpointAccess records access to admin endpoints.
func (m *SecurityMetrics) RecordAdminEndpointAccess(ctx context.Context, operation string, authenticated bool, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("authenticated", authenticated),
		attribute.Bool("success", success),
	}
	m.adminEndpointAccess.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTokenValidationError records a token validation error.
func (m *SecurityMetrics) RecordTokenValidationError(ctx context.Context, errorType string) {
	m.tokenValidationErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", errorType),
	))
}

// RecordRuleDenial records an operation denied by a permission rule.
func (m *SecurityMetrics) RecordRuleDenial(ctx context.Context, operation, phase string) {
	m.ruleDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("phase", phase),
	))
}

// RecordRowsFiltered records rows dropped from a result by post-fetch
// rules.
func (m *SecurityMetrics) RecordRowsFiltered(ctx context.Context, operation string, count int) {
	if count <= 0 {
		return
	}
	m.rowsFiltered.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordFieldsMasked records sensitive fields redacted while
// formatting a result.
func (m *SecurityMetrics) RecordFieldsMasked(ctx context.Context, operation string, count int) {
	if count <= 0 {
		return
	}
	m.fieldsMasked.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

type securityMetricsContextKey struct{}

// ContextWithSecurityMetrics stores security metrics in the provided
// context.
func ContextWithSecurityMetrics(ctx context.Context, metrics *SecurityMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, securityMetricsContextKey{}, metrics)
}

// SecurityMetricsFromContext retrieves security metrics from the
// context, or nil when none are installed.
func SecurityMetricsFromContext(ctx context.Context) *SecurityMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(securityMetricsContextKey{}).(*SecurityMetrics)
	return metrics
}
