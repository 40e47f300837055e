package gqlrequest

import "context"

type ctxKey int

const (
	analysisKey ctxKey = iota
	execMetaKey
)

// ExecMeta is the immutable per-request execution metadata: the
// caller's resolved role and the checksum of the artifact snapshot
// serving the request, plus the operation identity for log and span
// attributes.
type ExecMeta struct {
	Role     string
	Checksum string

	OperationName string
	OperationType string
	OperationHash string
}

// WithAnalysis stores request analysis in context.
func WithAnalysis(ctx context.Context, a *Analysis) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, analysisKey, a)
}

// AnalysisFromContext retrieves request analysis, or nil.
func AnalysisFromContext(ctx context.Context) *Analysis {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(analysisKey).(*Analysis)
	return a
}

// WithExecMeta stores execution metadata in context.
func WithExecMeta(ctx context.Context, meta ExecMeta) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, execMetaKey, meta)
}

// ExecMetaFromContext retrieves execution metadata.
func ExecMetaFromContext(ctx context.Context) (ExecMeta, bool) {
	if ctx == nil {
		return ExecMeta{}, false
	}
	meta, ok := ctx.Value(execMetaKey).(ExecMeta)
	return meta, ok
}
