package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"sqlstencil/internal/gqlrequest"
	"sqlstencil/internal/observability"
)

// RequestMetricsMiddleware records the request series and stashes both
// metric recorders in the request context, where the executor picks
// them up for operation, batch, and rule counters. Runs after the
// request analysis middleware; without an analysis the operation type
// records as unknown. Non-POST traffic (GraphiQL page loads, health
// probes routed here) is not measured.
func RequestMetricsMiddleware(metrics *observability.ExecutionMetrics, security *observability.SecurityMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			if metrics != nil {
				ctx = observability.ContextWithExecutionMetrics(ctx, metrics)
			}
			if security != nil {
				ctx = observability.ContextWithSecurityMetrics(ctx, security)
			}
			r = r.WithContext(ctx)

			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			metrics.IncrementActiveRequests(ctx)
			defer metrics.DecrementActiveRequests(ctx)

			start := time.Now()

			operationType := "unknown"
			if analysis := gqlrequest.AnalysisFromContext(ctx); analysis != nil && analysis.OperationType != "" {
				operationType = analysis.OperationType
			}

			wrapped := &metricsResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			hasErrors := wrapped.statusCode >= 400 || responseHasGraphQLErrors(wrapped.body.Bytes())
			metrics.RecordRequest(ctx, duration, hasErrors, operationType)
		})
	}
}

// metricsResponseWriter captures the status code and body so the error
// series can count GraphQL errors served with HTTP 200.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	body       bytes.Buffer
}

func (w *metricsResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
		w.ResponseWriter.WriteHeader(statusCode)
	}
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	if len(b) > 0 {
		_, _ = w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func responseHasGraphQLErrors(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}

	var payload struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return false
	}
	if len(payload.Errors) == 0 {
		return false
	}

	errorsValue := bytes.TrimSpace(payload.Errors)
	if len(errorsValue) == 0 || bytes.Equal(errorsValue, []byte("null")) {
		return false
	}

	var errorsList []json.RawMessage
	if err := json.Unmarshal(errorsValue, &errorsList); err != nil {
		return false
	}
	return len(errorsList) > 0
}
