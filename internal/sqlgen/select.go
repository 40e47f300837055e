package sqlgen

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"sqlstencil/internal/ir"
	"sqlstencil/internal/planner"
	"sqlstencil/internal/sqltype"
	"sqlstencil/internal/sqlutil"
)

// queryTemplates emits the primary template of a query operation and,
// for paged lists, the keyset variant picked when a cursor is bound.
func queryTemplates(op *planner.OperationPlan, preset planner.Preset) (*OperationTemplates, error) {
	if !op.Operation.ReturnsList {
		tmpl, err := selectOne(op)
		if err != nil {
			return nil, err
		}
		return &OperationTemplates{Name: op.Operation.Name, Primary: tmpl}, nil
	}

	primary, err := selectList(op, preset, false)
	if err != nil {
		return nil, err
	}
	out := &OperationTemplates{Name: op.Operation.Name, Primary: primary}
	if op.Paging != nil {
		out.After, err = selectList(op, preset, true)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func selectOne(op *planner.OperationPlan) (*Template, error) {
	sel := selectType(op.Type)
	builder := sq.Select(sel.exprs...).
		From(fromClause(op.Type.Source.Name)).
		PlaceholderFormat(sq.Question)
	for _, join := range sel.joins {
		builder = builder.LeftJoin(join)
	}

	var params []Param
	for _, b := range op.Predicates {
		expr, ps := equalityPredicate(b)
		builder = builder.Where(sq.Expr(expr))
		params = append(params, ps...)
	}
	builder = builder.Suffix("LIMIT 1")

	text, _, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", op.Operation.Name, err)
	}
	return &Template{
		Name:    op.Operation.Name,
		Kind:    KindSelectOne,
		SQL:     text,
		Params:  params,
		Columns: sel.columns,
	}, nil
}

func selectList(op *planner.OperationPlan, preset planner.Preset, withCursor bool) (*Template, error) {
	sel := selectType(op.Type)
	builder := sq.Select(sel.exprs...).
		From(fromClause(op.Type.Source.Name)).
		PlaceholderFormat(sq.Question)
	for _, join := range sel.joins {
		builder = builder.LeftJoin(join)
	}

	var params []Param
	for _, b := range op.Predicates {
		expr, ps := equalityPredicate(b)
		builder = builder.Where(sq.Expr(expr))
		params = append(params, ps...)
	}
	for _, b := range op.Filters {
		expr, ps := equalityPredicate(b)
		builder = builder.Where(sq.Expr(expr))
		params = append(params, ps...)
	}

	name := op.Operation.Name
	if op.Paging == nil {
		// Paging disabled still bounds the scan: the preset ceiling is
		// a compile-time constant, not bound data.
		builder = builder.OrderBy(orderClauses(op, nil)...)
		builder = builder.Suffix(fmt.Sprintf("LIMIT %d", preset.MaxLimit))
		text, _, err := builder.ToSql()
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", name, err)
		}
		return &Template{Name: name, Kind: KindSelectList, SQL: text, Params: params, Columns: sel.columns}, nil
	}

	if withCursor {
		name += "/after"
		expr, ps := keysetPredicate(op)
		builder = builder.Where(sq.Expr(expr))
		params = append(params, ps...)
	}
	builder = builder.OrderBy(orderClauses(op, op.Paging.OrderBy)...)
	builder = builder.Suffix("LIMIT ? OFFSET ?")
	params = append(params,
		Param{Name: ir.PagingArgLimit, Role: RoleLimit, Scalar: ir.ScalarInt},
		Param{Name: ir.PagingArgOffset, Role: RoleOffset, Scalar: ir.ScalarInt},
	)

	text, _, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", name, err)
	}
	return &Template{Name: name, Kind: KindSelectList, SQL: text, Params: params, Columns: sel.columns}, nil
}

// equalityPredicate renders one argument as a fixed predicate.
// Required arguments compare directly; optional ones carry a null
// guard so one template serves requests with and without the value.
// List arguments expand through their token at bind time.
func equalityPredicate(b *planner.ArgumentBinding) (string, []Param) {
	col := sqlutil.Qualify(rootAlias, b.Column)
	if b.List {
		cond := fmt.Sprintf("%s IN (%s)", col, ListToken(b.Name))
		value := Param{Name: b.Name, Role: RoleArgument, Scalar: b.Scalar, Column: b.Column, Expand: true}
		if b.Required {
			return cond, []Param{value}
		}
		// The guard binds the element count, nil when absent.
		return fmt.Sprintf("(? IS NULL OR %s)", cond), []Param{
			{Name: b.Name, Role: RoleGuard, Scalar: ir.ScalarInt},
			value,
		}
	}

	value := Param{Name: b.Name, Role: RoleArgument, Scalar: b.Scalar, Column: b.Column}
	if b.Required {
		return fmt.Sprintf("%s = ?", col), []Param{value}
	}
	return fmt.Sprintf("(? IS NULL OR %s = ?)", col), []Param{
		{Name: b.Name, Role: RoleGuard, Scalar: b.Scalar},
		value,
	}
}

// keysetPredicate renders the strict "after this row" condition over
// the operation's total order: for each rank, all earlier columns
// equal and the ranked column strictly beyond the cursor.
func keysetPredicate(op *planner.OperationPlan) (string, []Param) {
	order := op.Paging.OrderBy
	var terms []string
	var params []Param
	for i, oc := range order {
		var conds []string
		for _, prev := range order[:i] {
			conds = append(conds, fmt.Sprintf("%s = ?", sqlutil.Qualify(rootAlias, prev.Column)))
			params = append(params, cursorParam(op.Type, prev.Column))
		}
		cmp := ">"
		if oc.Desc {
			cmp = "<"
		}
		conds = append(conds, fmt.Sprintf("%s %s ?", sqlutil.Qualify(rootAlias, oc.Column), cmp))
		params = append(params, cursorParam(op.Type, oc.Column))
		terms = append(terms, "("+strings.Join(conds, " AND ")+")")
	}
	return "(" + strings.Join(terms, " OR ") + ")", params
}

func cursorParam(tp *planner.TypePlan, column string) Param {
	return Param{Name: column, Role: RoleCursor, Scalar: columnScalar(tp, column), Column: column}
}

// columnScalar resolves a column's scalar kind, preferring the
// declared field over the raw SQL type.
func columnScalar(tp *planner.TypePlan, column string) ir.Scalar {
	for _, fb := range tp.Scalars {
		if fb.Column.Name == column {
			return fb.Scalar
		}
	}
	if col, ok := tp.Source.Column(column); ok {
		return sqltype.MapScalar(col.SQLType)
	}
	return ir.ScalarString
}

// orderClauses renders the deterministic ORDER BY. A nil declared
// order falls back to the primary key ascending.
func orderClauses(op *planner.OperationPlan, declared []ir.OrderColumn) []string {
	order := declared
	if len(order) == 0 {
		for _, name := range op.Type.Source.PrimaryKey {
			order = append(order, ir.OrderColumn{Column: name})
		}
	}
	clauses := make([]string, 0, len(order))
	for _, oc := range order {
		dir := " ASC"
		if oc.Desc {
			dir = " DESC"
		}
		clauses = append(clauses, sqlutil.Qualify(rootAlias, oc.Column)+dir)
	}
	return clauses
}
