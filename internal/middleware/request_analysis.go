package middleware

import (
	"net/http"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/gqlrequest"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/observability"
)

// ArtifactSource yields the active compiled artifact. The registry
// satisfies it; tests substitute a fixed artifact.
type ArtifactSource interface {
	Artifact() *artifact.Artifact
}

// RequestAnalysisMiddleware decodes and analyzes the request payload
// once and stores the derived metadata in request context for
// downstream middleware, the gateway, and the executor's recorders.
// Runs after the rule context middleware so the caller's role lands in
// the execution metadata.
func RequestAnalysisMiddleware(source ArtifactSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			analysis := gqlrequest.AnalyzeRequest(r)
			ctx := gqlrequest.WithAnalysis(r.Context(), analysis)

			meta := gqlrequest.ExecMeta{}
			if source != nil {
				if art := source.Artifact(); art != nil {
					meta.Checksum = art.Checksum
				}
			}
			if role, ok := RoleFromContext(ctx); ok {
				meta.Role = role
			}
			if analysis != nil {
				meta.OperationName = analysis.OperationName
				meta.OperationType = analysis.OperationType
				meta.OperationHash = analysis.OperationHash
			}
			ctx = gqlrequest.WithExecMeta(ctx, meta)

			logger := logging.FromContext(ctx)
			logFields := observability.RequestLogFields(ctx, analysis, meta)
			if len(logFields) > 0 {
				ctx = logging.WithLogger(ctx, logger.WithFields(logFields...))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
