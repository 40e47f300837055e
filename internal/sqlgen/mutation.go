package sqlgen

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"sqlstencil/internal/ir"
	"sqlstencil/internal/planner"
	"sqlstencil/internal/sqlutil"
)

// InsertIDParam names the bind slot a refetch-by-insert-id template
// fills from the backend-assigned key of the preceding insert.
const InsertIDParam = "__insert_id"

// mutationTemplates emits the write template and the refetch template
// of one mutation. The refetch re-reads the affected row through the
// operation's full projection so the response carries the same shape
// as a query.
func mutationTemplates(op *planner.OperationPlan) (*OperationTemplates, error) {
	var primary *Template
	var err error
	switch op.Mutation.Kind {
	case ir.MutationInsert:
		primary, err = insertTemplate(op)
	case ir.MutationUpdate:
		primary, err = updateTemplate(op)
	case ir.MutationDelete:
		primary, err = deleteTemplate(op)
	default:
		err = fmt.Errorf("unknown mutation kind %q", op.Mutation.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", op.Operation.Name, err)
	}

	refetch, err := refetchTemplate(op)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", op.Operation.Name, err)
	}
	return &OperationTemplates{Name: op.Operation.Name, Primary: primary, Refetch: refetch}, nil
}

func insertTemplate(op *planner.OperationPlan) (*Template, error) {
	writes := op.Mutation.Writes
	columns := make([]string, 0, len(writes))
	params := make([]Param, 0, len(writes))
	for _, b := range writes {
		columns = append(columns, sqlutil.QuoteIdentifier(b.Column))
		params = append(params, Param{Name: b.Name, Role: RoleWrite, Scalar: b.Scalar, Column: b.Column})
	}

	text := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqlutil.QuoteIdentifier(op.Type.Source.Name),
		strings.Join(columns, ", "),
		sq.Placeholders(len(columns)))
	return &Template{Name: op.Operation.Name, Kind: KindInsert, SQL: text, Params: params}, nil
}

// updateTemplate writes every declared column in one fixed statement.
// Optional columns go through IF(?, ?, col): the first slot is a
// presence flag, so absent arguments keep the stored value while an
// explicit null still writes NULL.
func updateTemplate(op *planner.OperationPlan) (*Template, error) {
	builder := sq.Update(sqlutil.QuoteIdentifier(op.Type.Source.Name)).
		PlaceholderFormat(sq.Question)

	var params []Param
	for _, b := range op.Mutation.Writes {
		col := sqlutil.QuoteIdentifier(b.Column)
		if b.Required {
			builder = builder.Set(col, sq.Expr("?"))
			params = append(params, Param{Name: b.Name, Role: RoleWrite, Scalar: b.Scalar, Column: b.Column})
			continue
		}
		builder = builder.Set(col, sq.Expr(fmt.Sprintf("IF(?, ?, %s)", col)))
		params = append(params,
			Param{Name: b.Name, Role: RoleSetFlag, Scalar: ir.ScalarBoolean},
			Param{Name: b.Name, Role: RoleWrite, Scalar: b.Scalar, Column: b.Column},
		)
	}
	keyParams, keyExpr := keyCondition(op.Mutation.Keys)
	builder = builder.Where(sq.Expr(keyExpr))
	params = append(params, keyParams...)

	text, _, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return &Template{Name: op.Operation.Name, Kind: KindUpdate, SQL: text, Params: params}, nil
}

func deleteTemplate(op *planner.OperationPlan) (*Template, error) {
	keyParams, keyExpr := keyCondition(op.Mutation.Keys)
	text, _, err := sq.Delete(sqlutil.QuoteIdentifier(op.Type.Source.Name)).
		Where(sq.Expr(keyExpr)).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}
	return &Template{Name: op.Operation.Name, Kind: KindDelete, SQL: text, Params: keyParams}, nil
}

func keyCondition(keys []*planner.ArgumentBinding) ([]Param, string) {
	params := make([]Param, 0, len(keys))
	expr := ""
	for i, b := range keys {
		if i > 0 {
			expr += " AND "
		}
		expr += fmt.Sprintf("%s = ?", sqlutil.QuoteIdentifier(b.Column))
		params = append(params, Param{Name: b.Name, Role: RoleKey, Scalar: b.Scalar, Column: b.Column})
	}
	return params, expr
}

// refetchTemplate re-reads the mutated row. Deletes refetch before the
// write executes; inserts and updates refetch after.
func refetchTemplate(op *planner.OperationPlan) (*Template, error) {
	sel := selectType(op.Type)
	builder := sq.Select(sel.exprs...).
		From(fromClause(op.Type.Source.Name)).
		PlaceholderFormat(sq.Question)
	for _, join := range sel.joins {
		builder = builder.LeftJoin(join)
	}

	var params []Param
	if op.Mutation.Refetch.ByInsertID {
		pk := op.Type.Source.PrimaryKey[0]
		builder = builder.Where(sq.Expr(fmt.Sprintf("%s = ?", sqlutil.Qualify(rootAlias, pk))))
		params = append(params, Param{Name: InsertIDParam, Role: RoleInsertID, Scalar: ir.ScalarID, Column: pk})
	} else {
		for _, col := range op.Mutation.Refetch.Columns {
			binding, err := bindingForColumn(op, col)
			if err != nil {
				return nil, err
			}
			builder = builder.Where(sq.Expr(fmt.Sprintf("%s = ?", sqlutil.Qualify(rootAlias, col))))
			params = append(params, Param{Name: binding.Name, Role: RoleKey, Scalar: binding.Scalar, Column: col})
		}
	}
	builder = builder.Suffix("LIMIT 1")

	text, _, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return &Template{
		Name:    op.Operation.Name + "/refetch",
		Kind:    KindRefetch,
		SQL:     text,
		Params:  params,
		Columns: sel.columns,
	}, nil
}

// bindingForColumn finds the argument whose value carries the refetch
// key column, among the mutation's keys first and writes second.
func bindingForColumn(op *planner.OperationPlan, column string) (*planner.ArgumentBinding, error) {
	for _, b := range op.Mutation.Keys {
		if b.Column == column {
			return b, nil
		}
	}
	for _, b := range op.Mutation.Writes {
		if b.Column == column {
			return b, nil
		}
	}
	return nil, fmt.Errorf("no argument binds refetch column %q", column)
}
