package sqlgen

import (
	"fmt"
	"strings"

	"sqlstencil/internal/ir"
	"sqlstencil/internal/planner"
	"sqlstencil/internal/sqlutil"
)

// batchTemplate emits the secondary query of one batched relationship.
// The query covers every parent in one round trip: the parent key set
// binds through the ParentSetToken, and each returned row echoes its
// parent key so the runtime can regroup children without further
// queries. To-many variants window with ROW_NUMBER so per-parent
// limits hold inside the same single query.
func batchTemplate(rp *planner.RelationshipPlan) (*Template, error) {
	switch rp.Rel.Kind {
	case ir.OneToOne:
		return batchToOne(rp)
	case ir.OneToMany:
		return batchToMany(rp)
	case ir.ManyToMany:
		return batchManyToMany(rp)
	}
	return nil, fmt.Errorf("generate %s: unknown relationship kind %q", rp.Key(), rp.Rel.Kind)
}

// batchToOne fetches target rows whose key is in the parent set. At
// most one row matches per parent, so no window is needed.
func batchToOne(rp *planner.RelationshipPlan) (*Template, error) {
	sel := selectType(rp.Target)
	parentCols := qualifyAll(rootAlias, rp.Rel.RemoteColumns)
	aliases := BatchParentAliases(len(parentCols))

	exprs := append([]string{}, sel.exprs...)
	for i, col := range parentCols {
		exprs = append(exprs, fmt.Sprintf("%s AS %s", col, sqlutil.QuoteIdentifier(aliases[i])))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(exprs, ", "), fromClause(rp.Target.Source.Name))
	for _, join := range sel.joins {
		b.WriteString(" LEFT JOIN " + join)
	}
	fmt.Fprintf(&b, " WHERE %s ORDER BY %s", parentSetCondition(parentCols), strings.Join(quoteAll(aliases), ", "))

	return &Template{
		Name:          rp.Key(),
		Kind:          KindBatch,
		SQL:           b.String(),
		Params:        []Param{parentsParam(rp.Rel.RemoteColumns)},
		Columns:       sel.columns,
		ParentAliases: aliases,
	}, nil
}

// batchToMany windows the target rows per parent with ROW_NUMBER so
// one query returns a bounded page of children for every parent.
func batchToMany(rp *planner.RelationshipPlan) (*Template, error) {
	sel := selectType(rp.Target)
	parentCols := qualifyAll(rootAlias, rp.Rel.RemoteColumns)
	from := fromClause(rp.Target.Source.Name)
	for _, join := range sel.joins {
		from += " LEFT JOIN " + join
	}
	return windowQuery(rp, sel, from, parentCols, rp.Rel.RemoteColumns)
}

// batchManyToMany joins the junction to the target inside the window
// subquery; the parent key comes from the junction's local columns.
func batchManyToMany(rp *planner.RelationshipPlan) (*Template, error) {
	sel := selectType(rp.Target)

	var on []string
	for i, junctionCol := range rp.Rel.JunctionRemoteColumns {
		on = append(on, fmt.Sprintf("%s = %s",
			sqlutil.Qualify(junctionAlias, junctionCol),
			sqlutil.Qualify(rootAlias, rp.Rel.RemoteColumns[i])))
	}
	from := fmt.Sprintf("%s INNER JOIN %s AS %s ON %s",
		fromClause(rp.Target.Source.Name),
		sqlutil.QuoteIdentifier(rp.Rel.JunctionSource),
		sqlutil.QuoteIdentifier(junctionAlias),
		strings.Join(on, " AND "))
	for _, join := range sel.joins {
		from += " LEFT JOIN " + join
	}

	parentCols := qualifyAll(junctionAlias, rp.Rel.JunctionLocalColumns)
	return windowQuery(rp, sel, from, parentCols, rp.Rel.JunctionLocalColumns)
}

// windowQuery is the shared ROW_NUMBER pattern: inner select projects
// the target columns, echoes the parent key and numbers rows per
// parent in the relationship's order; the outer query keeps one row
// window per parent and fixes the output order.
func windowQuery(rp *planner.RelationshipPlan, sel selection, from string, parentCols, parentColumnNames []string) (*Template, error) {
	aliases := BatchParentAliases(len(parentCols))

	inner := append([]string{}, sel.exprs...)
	for i, col := range parentCols {
		inner = append(inner, fmt.Sprintf("%s AS %s", col, sqlutil.QuoteIdentifier(aliases[i])))
	}
	inner = append(inner, fmt.Sprintf("ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS %s",
		strings.Join(parentCols, ", "),
		strings.Join(orderExprs(rp.OrderBy), ", "),
		sqlutil.QuoteIdentifier(rowNumberAlias)))

	outer := make([]string, 0, len(sel.columns)+len(aliases))
	for _, rc := range sel.columns {
		outer = append(outer, sqlutil.QuoteIdentifier(rc.Name))
	}
	outer = append(outer, quoteAll(aliases)...)

	rn := sqlutil.QuoteIdentifier(rowNumberAlias)
	text := fmt.Sprintf(
		"SELECT %s FROM (SELECT %s FROM %s WHERE %s) AS %s WHERE %s > ? AND %s <= ? ORDER BY %s, %s",
		strings.Join(outer, ", "),
		strings.Join(inner, ", "),
		from,
		parentSetCondition(parentCols),
		sqlutil.QuoteIdentifier(batchSubqueryAlias),
		rn, rn,
		strings.Join(quoteAll(aliases), ", "), rn,
	)

	return &Template{
		Name: rp.Key(),
		Kind: KindBatch,
		SQL:  text,
		Params: []Param{
			parentsParam(parentColumnNames),
			{Name: ir.PagingArgOffset, Role: RoleWindowLow, Scalar: ir.ScalarInt},
			{Name: ir.PagingArgLimit, Role: RoleWindowHigh, Scalar: ir.ScalarInt},
		},
		Columns:       sel.columns,
		ParentAliases: aliases,
	}, nil
}

// parentSetCondition renders the IN condition binding the parent set:
// a flat IN for single-column keys, a tuple IN for composite ones.
func parentSetCondition(parentCols []string) string {
	if len(parentCols) == 1 {
		return fmt.Sprintf("%s IN (%s)", parentCols[0], ParentSetToken)
	}
	return fmt.Sprintf("(%s) IN (%s)", strings.Join(parentCols, ", "), ParentSetToken)
}

func parentsParam(columns []string) Param {
	return Param{
		Name:   "__parents",
		Role:   RoleParents,
		Column: strings.Join(columns, ","),
		Expand: true,
		Width:  len(columns),
	}
}

// orderExprs renders the relationship's child order with the root
// alias.
func orderExprs(order []ir.OrderColumn) []string {
	exprs := make([]string, 0, len(order))
	for _, oc := range order {
		dir := " ASC"
		if oc.Desc {
			dir = " DESC"
		}
		exprs = append(exprs, sqlutil.Qualify(rootAlias, oc.Column)+dir)
	}
	return exprs
}

func qualifyAll(alias string, columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		out[i] = sqlutil.Qualify(alias, col)
	}
	return out
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = sqlutil.QuoteIdentifier(name)
	}
	return out
}
