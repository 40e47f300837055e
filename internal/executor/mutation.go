package executor

import (
	"context"

	"sqlstencil/internal/ir"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/sqlgen"
)

// runMutation executes the write and loads the affected row through
// the operation's refetch template, so the response reflects stored
// values (defaults, triggers, generated keys) rather than the input.
// Deletes refetch before the write executes; inserts and updates
// refetch after.
func (inv *invocation) runMutation(ctx context.Context) *operr.Error {
	m := inv.op.Mutation
	if m == nil {
		return operr.Newf(operr.CodeInternal, "operation %s has no write plan", inv.op.Name)
	}
	refetch := inv.op.Templates.Refetch
	if refetch == nil {
		return operr.Newf(operr.CodeInternal, "operation %s has no refetch template", inv.op.Name)
	}

	switch m.Kind {
	case ir.MutationInsert:
		return inv.runInsert(ctx, refetch)
	case ir.MutationUpdate:
		return inv.runUpdate(ctx, refetch)
	case ir.MutationDelete:
		return inv.runDelete(ctx, refetch)
	}
	return operr.Newf(operr.CodeInternal, "operation %s has unknown write kind %q", inv.op.Name, m.Kind)
}

func (inv *invocation) runInsert(ctx context.Context, refetch *sqlgen.Template) *operr.Error {
	res, err := inv.exec.db.ExecContext(ctx, inv.query.sql, inv.query.values...)
	if err != nil {
		return operr.FromBackend(err)
	}
	var extra map[string]interface{}
	if inv.op.Mutation.Refetch.ByInsertID {
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return operr.Internal(idErr)
		}
		extra = map[string]interface{}{sqlgen.InsertIDParam: id}
	}
	return inv.refetch(ctx, refetch, extra,
		operr.Newf(operr.CodeInternal, "insert %s refetched no row", inv.op.Name))
}

func (inv *invocation) runUpdate(ctx context.Context, refetch *sqlgen.Template) *operr.Error {
	if _, err := inv.exec.db.ExecContext(ctx, inv.query.sql, inv.query.values...); err != nil {
		return operr.FromBackend(err)
	}
	// Affected-row counts cannot separate a missing row from an update
	// that changed nothing, so existence comes from the refetch.
	return inv.refetch(ctx, refetch, nil, operr.NotFound("no row matched %s", inv.op.Name))
}

func (inv *invocation) runDelete(ctx context.Context, refetch *sqlgen.Template) *operr.Error {
	if err := inv.refetch(ctx, refetch, nil, operr.NotFound("no row matched %s", inv.op.Name)); err != nil {
		return err
	}
	res, err := inv.exec.db.ExecContext(ctx, inv.query.sql, inv.query.values...)
	if err != nil {
		return operr.FromBackend(err)
	}
	n, raErr := res.RowsAffected()
	if raErr != nil {
		return operr.Internal(raErr)
	}
	if n == 0 {
		inv.records = nil
		return operr.NotFound("no row matched %s", inv.op.Name)
	}
	return nil
}

// refetch loads the mutation's affected row and makes it the root
// record set. missing is returned when no row comes back.
func (inv *invocation) refetch(ctx context.Context, tmpl *sqlgen.Template, extra map[string]interface{}, missing *operr.Error) *operr.Error {
	query, err := bindTemplate(tmpl, inv.bound, extra)
	if err != nil {
		return err
	}
	rows, qerr := inv.exec.db.QueryContext(ctx, query.sql, query.values...)
	if qerr != nil {
		return operr.FromBackend(qerr)
	}
	records, serr := scanRecords(rows, tmpl)
	if serr != nil {
		return serr
	}
	if len(records) == 0 {
		return missing
	}
	inv.records = records[:1]
	return nil
}
