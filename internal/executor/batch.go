package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/observability"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/sqlgen"
)

// resolveBatches runs the selected secondary queries level by level.
// Each relationship costs exactly one query for the whole parent set;
// siblings at the same level run concurrently.
func (inv *invocation) resolveBatches(ctx context.Context) *operr.Error {
	if len(inv.records) == 0 || !needsBatches(inv.plan) {
		return nil
	}
	inv.to(StateBatchResolving)
	return inv.resolveLevel(ctx, inv.records, inv.plan, nil)
}

func needsBatches(plan *selectionPlan) bool {
	if len(plan.batches) > 0 {
		return true
	}
	for _, jp := range plan.joins {
		if len(jp.plan.batches) > 0 {
			return true
		}
	}
	return false
}

func (inv *invocation) resolveLevel(ctx context.Context, records []*record, plan *selectionPlan, path []string) *operr.Error {
	if len(records) == 0 {
		return nil
	}

	// Inline-join children scanned with their parents can carry their
	// own batched relationships.
	for _, jp := range plan.joins {
		if len(jp.plan.batches) == 0 {
			continue
		}
		children := make([]*record, 0, len(records))
		for _, rec := range records {
			if child := rec.joined[jp.rel.Field]; child != nil {
				children = append(children, child)
			}
		}
		if err := inv.resolveLevel(ctx, children, jp.plan, childPath(path, jp.rel.Field)); err != nil {
			return err
		}
	}
	if len(plan.batches) == 0 {
		return nil
	}

	errs := make([]*operr.Error, len(plan.batches))
	var wg sync.WaitGroup
	for i, bp := range plan.batches {
		wg.Add(1)
		go func(i int, bp *relPlan) {
			defer wg.Done()
			errs[i] = inv.resolveBatch(ctx, records, bp, childPath(path, bp.rel.Field))
		}(i, bp)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		if !inv.exec.partial {
			return err
		}
		if m := observability.ExecutionMetricsFromContext(ctx); m != nil {
			m.RecordPartialFailure(ctx, inv.op.Name, plan.batches[i].rel.Field)
		}
		inv.mu.Lock()
		inv.errs = append(inv.errs, err)
		inv.mu.Unlock()
	}
	return nil
}

// resolveBatch fetches one relationship's children for every parent in
// a single query, groups them by their echoed parent key and attaches
// them, then resolves the children's own level.
func (inv *invocation) resolveBatch(ctx context.Context, parents []*record, bp *relPlan, path []string) *operr.Error {
	rel := bp.rel
	tmpl, ok := inv.art.BatchTemplate(rel.Batch)
	if !ok {
		return operr.Newf(operr.CodeInternal, "missing batch template %q", rel.Batch).WithPath(path...)
	}

	tuples := parentTuples(parents, rel.LocalColumns)
	if len(tuples) == 0 {
		inv.attach(parents, rel, nil)
		return nil
	}

	var windowHigh int64
	if rel.Limits != nil {
		windowHigh = int64(rel.Limits.Default)
	}
	query, err := bindBatch(tmpl, tuples, windowHigh)
	if err != nil {
		return err.WithPath(path...)
	}
	rows, qerr := inv.exec.db.QueryContext(ctx, query.sql, query.values...)
	if qerr != nil {
		return operr.FromBackend(qerr).WithPath(path...)
	}
	children, serr := scanRecords(rows, tmpl)
	if serr != nil {
		return serr.WithPath(path...)
	}
	if m := observability.ExecutionMetricsFromContext(ctx); m != nil {
		m.RecordBatch(ctx, rel.Field, len(tuples), len(children))
	}

	groups := make(map[string][]*record, len(tuples))
	for _, child := range children {
		key := tupleKey(child.parentKey)
		groups[key] = append(groups[key], child)
	}
	inv.attach(parents, rel, groups)

	return inv.resolveLevel(ctx, children, bp.plan, path)
}

// attach stores each parent's children, an empty slice when none
// matched. Sibling batches attach to the same parent records, hence
// the lock.
func (inv *invocation) attach(parents []*record, rel *artifact.RelationshipDef, groups map[string][]*record) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, rec := range parents {
		if rec.related == nil {
			rec.related = make(map[string][]*record)
		}
		children := []*record{}
		if tuple, ok := recordTuple(rec, rel.LocalColumns); ok {
			if group := groups[tupleKey(tuple)]; group != nil {
				children = group
			}
		}
		rec.related[rel.Field] = children
	}
}

// bindBatch expands the parent-set token to the bound tuple count and
// fills the row window. Only punctuation enters the text.
func bindBatch(tmpl *sqlgen.Template, tuples [][]interface{}, windowHigh int64) (*boundQuery, *operr.Error) {
	text := tmpl.SQL
	values := make([]interface{}, 0, len(tuples)+2)
	for _, p := range tmpl.Params {
		switch p.Role {
		case sqlgen.RoleParents:
			width := p.Width
			if width < 1 {
				width = 1
			}
			if width != len(tuples[0]) {
				return nil, operr.Newf(operr.CodeInternal,
					"template %s binds %d-wide parent keys, relationship supplies %d", tmpl.Name, width, len(tuples[0]))
			}
			if !strings.Contains(text, sqlgen.ParentSetToken) {
				return nil, operr.Newf(operr.CodeInternal, "template %s is missing the parent-set slot", tmpl.Name)
			}
			text = strings.Replace(text, sqlgen.ParentSetToken, parentPlaceholders(len(tuples), width), 1)
			for _, tuple := range tuples {
				values = append(values, tuple...)
			}

		case sqlgen.RoleWindowLow:
			values = append(values, int64(0))

		case sqlgen.RoleWindowHigh:
			values = append(values, windowHigh)

		default:
			return nil, operr.Newf(operr.CodeInternal, "template %s: unbindable slot %s %s", tmpl.Name, p.Role, p.Name)
		}
	}
	return &boundQuery{tmpl: tmpl, sql: text, values: values}, nil
}

// parentPlaceholders renders the placeholder punctuation of a parent
// set: flat for single-column keys, tuples for composite ones.
func parentPlaceholders(count, width int) string {
	if width <= 1 {
		return sq.Placeholders(count)
	}
	one := "(" + sq.Placeholders(width) + ")"
	parts := make([]string, count)
	for i := range parts {
		parts[i] = one
	}
	return strings.Join(parts, ",")
}

// parentTuples collects the distinct parent keys in parent order.
// Parents with any null key column have no children to fetch and are
// skipped.
func parentTuples(parents []*record, columns []string) [][]interface{} {
	seen := make(map[string]bool, len(parents))
	var tuples [][]interface{}
	for _, rec := range parents {
		tuple, ok := recordTuple(rec, columns)
		if !ok {
			continue
		}
		key := tupleKey(tuple)
		if seen[key] {
			continue
		}
		seen[key] = true
		tuples = append(tuples, tuple)
	}
	return tuples
}

func recordTuple(rec *record, columns []string) ([]interface{}, bool) {
	tuple := make([]interface{}, len(columns))
	for i, col := range columns {
		v, ok := rec.keys[col]
		if !ok || v == nil {
			return nil, false
		}
		tuple[i] = v
	}
	return tuple, true
}

// tupleKey canonicalizes a key tuple for grouping. Bound parent values
// and echoed batch columns come out of the same rows, so the printed
// form matches across the two sides.
func tupleKey(values []interface{}) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprintf(&b, "%v", v)
	}
	return b.String()
}

func childPath(path []string, field string) []string {
	next := make([]string, len(path)+1)
	copy(next, path)
	next[len(path)] = field
	return next
}
