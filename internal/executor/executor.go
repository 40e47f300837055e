// Package executor runs compiled operations against the backend. An
// invocation moves through a fixed lifecycle: resolve the operation in
// the loaded artifact, bind arguments into the template's positional
// slots, evaluate pre-execution rules, run the primary statement,
// resolve batched relationships level by level, apply post-fetch rules
// to the assembled tree and format the result. Template text is never
// edited at runtime beyond placeholder-count expansion; every caller
// value binds positionally.
package executor

import (
	"context"
	"sync"
	"time"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/authz"
	"sqlstencil/internal/dbexec"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/observability"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/planner"
)

// Options tunes an Executor.
type Options struct {
	Logger *logging.Logger
	// Profile selects the sensitivity redaction applied when
	// formatting. Empty selects the standard profile.
	Profile authz.SecurityProfile
	// PartialResults keeps an invocation alive when a batched
	// relationship fails: the field gets a scoped error and a null
	// value while its siblings complete. Off, the first failure ends
	// the invocation.
	PartialResults bool
}

// Executor runs operations from a schema source against one backend.
// Safe for concurrent use; per-invocation state lives on the stack.
type Executor struct {
	source  SchemaSource
	db      dbexec.QueryExecutor
	logger  *logging.Logger
	profile authz.SecurityProfile
	partial bool
}

// New builds an executor over a schema source and a query executor.
func New(source SchemaSource, db dbexec.QueryExecutor, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	profile := opts.Profile
	if profile == "" {
		profile = authz.ProfileStandard
	}
	return &Executor{
		source:  source,
		db:      db,
		logger:  logger,
		profile: profile,
		partial: opts.PartialResults,
	}
}

// Execute runs one request to completion. The returned error is
// always a *operr.Error; the result is nil when it is set. Validation
// and authorization failures never touch the backend.
func (e *Executor) Execute(ctx context.Context, req *Request) (res *Result, err error) {
	start := time.Now()
	inv := &invocation{exec: e, req: req, state: StateReceived}
	defer func() {
		inv.observe(ctx, time.Since(start), err != nil)
	}()
	if req == nil || req.Operation == "" {
		return nil, inv.fail(operr.Validation("no operation named"))
	}
	if err := ctx.Err(); err != nil {
		return nil, inv.fail(operr.FromBackend(err))
	}

	if err := inv.resolve(); err != nil {
		return nil, inv.fail(err)
	}
	if err := inv.bind(); err != nil {
		return nil, inv.fail(err)
	}
	if err := inv.preAuthorize(); err != nil {
		return nil, inv.fail(err)
	}

	inv.to(StateExecuting)
	var runErr *operr.Error
	if inv.op.Kind == ir.OpMutation {
		runErr = inv.runMutation(ctx)
	} else {
		runErr = inv.runQuery(ctx)
	}
	if runErr != nil {
		return nil, inv.fail(runErr)
	}

	if err := inv.resolveBatches(ctx); err != nil {
		return nil, inv.fail(err)
	}
	if err := inv.postAuthorize(); err != nil {
		return nil, inv.fail(err)
	}

	data, endCursor, fmtErr := inv.format()
	if fmtErr != nil {
		return nil, inv.fail(fmtErr)
	}

	inv.to(StateCompleted)
	e.logger.Debug("invocation completed",
		"operation", inv.op.Name,
		"rows", len(inv.records),
		"errors", len(inv.errs),
		"duration_ms", time.Since(start).Milliseconds())
	return &Result{Data: data, Errors: inv.errs, EndCursor: endCursor, State: StateCompleted}, nil
}

// invocation is the per-request state threaded through the lifecycle.
type invocation struct {
	exec  *Executor
	req   *Request
	state State

	art   *artifact.Artifact
	op    *artifact.OperationDef
	typ   *artifact.TypeDef
	plan  *selectionPlan
	bound *boundArgs
	query *boundQuery

	// records are the root rows after scanning, with batched children
	// attached underneath.
	records []*record
	// lastRoot is the last scanned root row, kept before post-fetch
	// filtering so the page cursor still advances past it.
	lastRoot *record

	// score is the selection's cost under the artifact's weights.
	score int
	// filtered and masked count rows dropped and fields nulled by
	// post-fetch rules; deniedPhase names the phase whose rule denied
	// the invocation outright.
	filtered    int
	masked      int
	deniedPhase string

	// mu guards errs and child attachment while sibling batches
	// resolve concurrently.
	mu sync.Mutex
	// errs collects field-scoped errors under the partial results
	// policy.
	errs []*operr.Error
}

func (inv *invocation) to(s State) {
	inv.state = s
	name := ""
	if inv.op != nil {
		name = inv.op.Name
	}
	inv.exec.logger.Debug("invocation state", "operation", name, "state", string(s))
}

// fail moves the invocation to errored and normalizes the error.
func (inv *invocation) fail(err error) *operr.Error {
	oe, ok := err.(*operr.Error)
	if !ok {
		oe = operr.Internal(err)
	}
	from := inv.state
	inv.state = StateErrored
	name := ""
	if inv.op != nil {
		name = inv.op.Name
	} else if inv.req != nil {
		name = inv.req.Operation
	}
	inv.exec.logger.Warn("invocation failed",
		"operation", name,
		"state", string(from),
		"code", string(oe.Code),
		"error", oe.Error())
	return oe
}

// resolve looks the operation up in the current artifact and plans the
// selection against its return type.
func (inv *invocation) resolve() *operr.Error {
	art := inv.exec.source.Artifact()
	if art == nil {
		return operr.New(operr.CodeInternal, "no artifact loaded")
	}
	op, ok := art.Operation(inv.req.Operation)
	if !ok {
		return operr.Validation("unknown operation %q", inv.req.Operation)
	}
	typ, ok := art.Type(op.ReturnType)
	if !ok {
		return operr.Newf(operr.CodeInternal, "operation %s returns unindexed type %q", op.Name, op.ReturnType)
	}
	inv.art = art
	inv.op = op
	inv.typ = typ

	plan, err := planSelection(art, typ, inv.req.Selection, art.Preset.MaxDepth)
	if err != nil {
		return err
	}
	inv.plan = plan

	inv.score = scoreSelection(plan, art.Preset.BaseCost, art.Preset.FieldCost, art.Preset.DepthCost)
	if max := art.Preset.MaxComplexity; max > 0 && inv.score > max {
		return operr.Validation("selection scores %d against a budget of %d", inv.score, max)
	}
	inv.to(StateResolved)
	return nil
}

// bind validates the arguments and produces the ready-to-run primary
// statement.
func (inv *invocation) bind() *operr.Error {
	bound, err := normalizeArguments(inv.art, inv.op, inv.req.Arguments)
	if err != nil {
		return err
	}
	if inv.op.Mutation != nil && inv.op.Mutation.Kind == ir.MutationUpdate {
		any := false
		for _, a := range inv.op.Arguments {
			if a.Role == planner.RoleWrite && bound.present[a.Name] {
				any = true
				break
			}
		}
		if !any {
			return operr.Validation("operation %s has nothing to update", inv.op.Name)
		}
	}
	inv.bound = bound

	tmpl := inv.op.Templates.Primary
	if bound.cursor != nil {
		tmpl = inv.op.Templates.After
		if tmpl == nil {
			return operr.Validation("operation %s does not page by cursor", inv.op.Name)
		}
	}
	query, err := bindTemplate(tmpl, bound, nil)
	if err != nil {
		return err
	}
	inv.query = query
	inv.to(StateBound)
	return nil
}

// preAuthorize evaluates the operation's pre-execution rules over the
// request context alone. Any rule that fails or cannot be evaluated
// denies before the backend sees the request.
func (inv *invocation) preAuthorize() *operr.Error {
	for _, rule := range inv.art.RulesFor(inv.op.Name) {
		if rule.Phase != ir.PhasePre {
			continue
		}
		ok, err := authz.Evaluate(rule.Predicate, inv.req.Context, nil)
		if err != nil || !ok {
			inv.deniedPhase = string(ir.PhasePre)
			return operr.Authorization("operation %s denied", inv.op.Name)
		}
	}
	inv.to(StatePreAuthorized)
	return nil
}

// observe emits the invocation's metrics when the context carries
// recorders.
func (inv *invocation) observe(ctx context.Context, elapsed time.Duration, failed bool) {
	name := ""
	kind := "query"
	if inv.op != nil {
		name = inv.op.Name
		if inv.op.Kind == ir.OpMutation {
			kind = "mutation"
		}
	} else if inv.req != nil {
		name = inv.req.Operation
	}

	if m := observability.ExecutionMetricsFromContext(ctx); m != nil {
		m.RecordOperation(ctx, name, kind, elapsed, len(inv.records), failed)
		if inv.score > 0 {
			m.RecordRequestComplexity(ctx, int64(inv.score), kind)
		}
	}
	if m := observability.SecurityMetricsFromContext(ctx); m != nil {
		if inv.deniedPhase != "" {
			m.RecordRuleDenial(ctx, name, inv.deniedPhase)
		}
		m.RecordRowsFiltered(ctx, name, inv.filtered)
		m.RecordFieldsMasked(ctx, name, inv.masked)
	}
}

// runQuery executes the bound primary statement and scans the root
// rows.
func (inv *invocation) runQuery(ctx context.Context) *operr.Error {
	rows, err := inv.exec.db.QueryContext(ctx, inv.query.sql, inv.query.values...)
	if err != nil {
		return operr.FromBackend(err)
	}
	records, scanErr := scanRecords(rows, inv.query.tmpl)
	if scanErr != nil {
		return scanErr
	}
	inv.records = records
	if len(records) > 0 {
		inv.lastRoot = records[len(records)-1]
	}
	return nil
}
