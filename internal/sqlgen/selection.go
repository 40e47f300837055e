package sqlgen

import (
	"fmt"

	"sqlstencil/internal/planner"
	"sqlstencil/internal/sqlutil"
)

// selection is the fixed projection of one type wherever its rows are
// fetched: the type's own scalar columns plus the columns of every
// inline-joined to-one relationship.
type selection struct {
	// exprs are "alias.col AS name" select expressions, in result
	// order.
	exprs []string
	// joins are complete LEFT JOIN clauses, one per inlined
	// relationship.
	joins   []string
	columns []ResultColumn
}

// selectType projects a type from the table aliased as rootAlias: its
// scalar columns, the columns of every inline-joined to-one
// relationship, and hidden copies of any batch key columns no field
// exposes. Inline joins alias their tables and columns under
// joinAliasPrefix so nothing collides with declared fields.
func selectType(tp *planner.TypePlan) selection {
	var sel selection
	projected := make(map[string]bool)
	for _, fb := range tp.Scalars {
		projected[fb.Column.Name] = true
		sel.exprs = append(sel.exprs, fmt.Sprintf("%s AS %s",
			sqlutil.Qualify(rootAlias, fb.Column.Name),
			sqlutil.QuoteIdentifier(fb.Column.Name)))
		sel.columns = append(sel.columns, ResultColumn{
			Name:   fb.Column.Name,
			Column: fb.Column.Name,
			Field:  fb.Field.Name,
			Scalar: fb.Scalar,
		})
	}

	for _, rp := range tp.Relationships {
		if rp.Batching != planner.BatchInlineJoin {
			continue
		}
		tableAlias := joinAliasPrefix + rp.Field.Name
		sel.joins = append(sel.joins, joinClause(rp, tableAlias))
		for _, fb := range rp.Target.Scalars {
			alias := tableAlias + "__" + fb.Column.Name
			sel.exprs = append(sel.exprs, fmt.Sprintf("%s AS %s",
				sqlutil.Qualify(tableAlias, fb.Column.Name),
				sqlutil.QuoteIdentifier(alias)))
			sel.columns = append(sel.columns, ResultColumn{
				Name:   alias,
				Column: fb.Column.Name,
				Field:  fb.Field.Name,
				Rel:    rp.Field.Name,
				Scalar: fb.Scalar,
			})
		}
	}

	// Batched relationships read their parent keys from the fetched
	// rows, so unexposed local columns ride along under hidden aliases.
	for _, rp := range tp.Relationships {
		if rp.Batching != planner.BatchSecondaryQuery {
			continue
		}
		for _, local := range rp.Rel.LocalColumns {
			if projected[local] {
				continue
			}
			projected[local] = true
			alias := hiddenKeyAliasPrefix + local
			sel.exprs = append(sel.exprs, fmt.Sprintf("%s AS %s",
				sqlutil.Qualify(rootAlias, local),
				sqlutil.QuoteIdentifier(alias)))
			sel.columns = append(sel.columns, ResultColumn{Name: alias, Column: local})
		}
	}
	return sel
}

func joinClause(rp *planner.RelationshipPlan, tableAlias string) string {
	on := ""
	for i, local := range rp.Rel.LocalColumns {
		if i > 0 {
			on += " AND "
		}
		on += fmt.Sprintf("%s = %s",
			sqlutil.Qualify(tableAlias, rp.Rel.RemoteColumns[i]),
			sqlutil.Qualify(rootAlias, local))
	}
	return fmt.Sprintf("%s AS %s ON %s",
		sqlutil.QuoteIdentifier(rp.Target.Source.Name),
		sqlutil.QuoteIdentifier(tableAlias), on)
}

// fromClause renders the root table with its alias.
func fromClause(table string) string {
	return fmt.Sprintf("%s AS %s",
		sqlutil.QuoteIdentifier(table), sqlutil.QuoteIdentifier(rootAlias))
}
