package executor

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/catalog"
	"sqlstencil/internal/compile"
	"sqlstencil/internal/dbexec"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/sqlgen"
)

func shopCatalog() *catalog.Catalog {
	return catalog.New(
		&catalog.Source{
			Name: "users",
			Kind: catalog.KindTable,
			Columns: []*catalog.Column{
				{Name: "id", SQLType: "bigint", AutoGenerated: true},
				{Name: "email", SQLType: "varchar(190)"},
				{Name: "display_name", SQLType: "varchar(100)"},
			},
			PrimaryKey: []string{"id"},
			UniqueKeys: [][]string{{"email"}},
		},
		&catalog.Source{
			Name: "orders",
			Kind: catalog.KindTable,
			Columns: []*catalog.Column{
				{Name: "id", SQLType: "bigint", AutoGenerated: true},
				{Name: "user_id", SQLType: "bigint"},
				{Name: "status", SQLType: "varchar(20)"},
				{Name: "total", SQLType: "decimal(10,2)"},
			},
			PrimaryKey: []string{"id"},
			Indexes:    [][]string{{"user_id"}},
		},
		&catalog.Source{
			Name: "order_items",
			Kind: catalog.KindTable,
			Columns: []*catalog.Column{
				{Name: "id", SQLType: "bigint", AutoGenerated: true},
				{Name: "order_id", SQLType: "bigint"},
				{Name: "sku", SQLType: "varchar(64)"},
			},
			PrimaryKey: []string{"id"},
			Indexes:    [][]string{{"order_id"}},
		},
	)
}

// shopSchema declares three types. Order.user inline-joins back onto
// the users primary key; User.orders and Order.items resolve through
// secondary-query batches.
func shopSchema() *ir.Schema {
	maxIds := 20
	return &ir.Schema{
		Name:              "shop",
		ContextAttributes: []string{"user_id", "role"},
		Types: []*ir.Type{
			{
				Name:   "User",
				Source: "users",
				Fields: []*ir.Field{
					{Name: "id", Type: ir.TypeRef{Named: "ID", NonNull: true}},
					{Name: "email", Type: ir.TypeRef{Named: "String"}, Sensitivity: ir.SensitivityPII},
					{Name: "displayName", Type: ir.TypeRef{Named: "String", NonNull: true}},
					{Name: "orders", Type: ir.TypeRef{Named: "Order", List: true}, Relationship: &ir.Relationship{
						Kind:          ir.OneToMany,
						Target:        "Order",
						LocalColumns:  []string{"id"},
						RemoteColumns: []string{"user_id"},
					}},
				},
			},
			{
				Name:   "Order",
				Source: "orders",
				Fields: []*ir.Field{
					{Name: "id", Type: ir.TypeRef{Named: "ID", NonNull: true}},
					{Name: "status", Type: ir.TypeRef{Named: "String", NonNull: true}, Filterable: true},
					{Name: "total", Type: ir.TypeRef{Named: "Decimal", NonNull: true}},
					{Name: "user", Type: ir.TypeRef{Named: "User"}, Relationship: &ir.Relationship{
						Kind:          ir.OneToOne,
						Target:        "User",
						LocalColumns:  []string{"user_id"},
						RemoteColumns: []string{"id"},
					}},
					{Name: "items", Type: ir.TypeRef{Named: "Item", List: true}, Relationship: &ir.Relationship{
						Kind:          ir.OneToMany,
						Target:        "Item",
						LocalColumns:  []string{"id"},
						RemoteColumns: []string{"order_id"},
					}},
				},
			},
			{
				Name:   "Item",
				Source: "order_items",
				Fields: []*ir.Field{
					{Name: "id", Type: ir.TypeRef{Named: "ID", NonNull: true}},
					{Name: "sku", Type: ir.TypeRef{Named: "String", NonNull: true}},
				},
			},
		},
		Operations: []*ir.Operation{
			{Name: "user", Kind: ir.OpQuery, ReturnType: "User", Nullable: true,
				Arguments: []*ir.Argument{{Name: "id", Type: ir.TypeRef{Named: "ID", NonNull: true}}}},
			{Name: "users", Kind: ir.OpQuery, ReturnType: "User", ReturnsList: true},
			{Name: "usersByIds", Kind: ir.OpQuery, ReturnType: "User", ReturnsList: true,
				Arguments: []*ir.Argument{{Name: "ids", Type: ir.TypeRef{Named: "ID", NonNull: true, List: true},
					Column: "id", Range: &ir.ArgRange{MaxItems: &maxIds}}}},
			{Name: "order", Kind: ir.OpQuery, ReturnType: "Order", Nullable: true,
				Arguments: []*ir.Argument{{Name: "id", Type: ir.TypeRef{Named: "ID", NonNull: true}}}},
			{Name: "orders", Kind: ir.OpQuery, ReturnType: "Order", ReturnsList: true},
			{Name: "createUser", Kind: ir.OpMutation, ReturnType: "User",
				Arguments: []*ir.Argument{
					{Name: "email", Type: ir.TypeRef{Named: "String", NonNull: true}},
					{Name: "displayName", Type: ir.TypeRef{Named: "String", NonNull: true}},
				},
				Mutation: &ir.MutationSpec{Kind: ir.MutationInsert}},
			{Name: "updateUser", Kind: ir.OpMutation, ReturnType: "User",
				Arguments: []*ir.Argument{
					{Name: "id", Type: ir.TypeRef{Named: "ID", NonNull: true}},
					{Name: "email", Type: ir.TypeRef{Named: "String"}},
					{Name: "displayName", Type: ir.TypeRef{Named: "String"}},
				},
				Mutation: &ir.MutationSpec{Kind: ir.MutationUpdate}},
			{Name: "deleteUser", Kind: ir.OpMutation, ReturnType: "User",
				Arguments: []*ir.Argument{{Name: "id", Type: ir.TypeRef{Named: "ID", NonNull: true}}},
				Mutation: &ir.MutationSpec{Kind: ir.MutationDelete}},
		},
		Rules: []*ir.Rule{
			{Subject: "createUser", Expression: `ctx.role == "admin"`},
		},
	}
}

// shopArtifact compiles the fixture schema and loads it back through
// the artifact codec, so every test runs against the same bytes a
// deployed registry would serve. mutate, when set, adjusts the schema
// before compiling.
func shopArtifact(t *testing.T, mutate func(*ir.Schema)) *artifact.Artifact {
	t.Helper()
	schema := shopSchema()
	if mutate != nil {
		mutate(schema)
	}
	c, err := compile.Run(schema, shopCatalog(), compile.Options{})
	require.NoError(t, err)
	a, err := artifact.Decode(c.Encoded)
	require.NoError(t, err)
	return a
}

type staticSource struct {
	art *artifact.Artifact
}

func (s *staticSource) Artifact() *artifact.Artifact { return s.art }

// mockExecutor wires an Executor onto a sqlmock connection that
// matches SQL by exact string equality, so a test passes only when
// the bound statement is byte-for-byte the compiled template.
func mockExecutor(t *testing.T, art *artifact.Artifact, opts Options) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(&staticSource{art: art}, dbexec.NewStandardExecutor(db), opts), mock
}

// templateRows builds a result set with the template's exact column
// list: projected columns first, parent-key aliases after.
func templateRows(tmpl *sqlgen.Template, rows ...[]driver.Value) *sqlmock.Rows {
	names := make([]string, 0, len(tmpl.Columns)+len(tmpl.ParentAliases))
	for _, c := range tmpl.Columns {
		names = append(names, c.Name)
	}
	names = append(names, tmpl.ParentAliases...)
	out := sqlmock.NewRows(names)
	for _, r := range rows {
		out.AddRow(r...)
	}
	return out
}

func mustOp(t *testing.T, art *artifact.Artifact, name string) *artifact.OperationDef {
	t.Helper()
	op, ok := art.Operation(name)
	require.True(t, ok)
	return op
}

func mustBatch(t *testing.T, art *artifact.Artifact, name string) *sqlgen.Template {
	t.Helper()
	tmpl, ok := art.BatchTemplate(name)
	require.True(t, ok)
	return tmpl
}

func sel(fields ...SelectionField) *Selection { return &Selection{Fields: fields} }

func field(name string) SelectionField { return SelectionField{Name: name} }

func nested(name string, children *Selection) SelectionField {
	return SelectionField{Name: name, Children: children}
}

func requireCode(t *testing.T, err error, code operr.Code) *operr.Error {
	t.Helper()
	require.Error(t, err)
	var oe *operr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, code, oe.Code)
	return oe
}

func TestExecuteSingleRowWithInlineJoin(t *testing.T) {
	art := shopArtifact(t, nil)
	tmpl := mustOp(t, art, "order").Templates.Primary

	t.Run("joined row present", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).
			WithArgs(int64(4)).
			WillReturnRows(templateRows(tmpl,
				[]driver.Value{int64(4), "paid", "12.50", int64(1), "ann@example.com", "Ann"}))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "order",
			Arguments: map[string]interface{}{"id": 4},
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, StateCompleted, res.State)
		assert.Empty(t, res.Errors)
		data, ok := res.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, int64(4), data["id"])
		assert.Equal(t, "paid", data["status"])
		assert.Equal(t, "12.50", data["total"])
		user, ok := data["user"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, int64(1), user["id"])
		assert.Equal(t, "Ann", user["displayName"])
	})

	t.Run("no joined row nulls the field", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).
			WithArgs(int64(4)).
			WillReturnRows(templateRows(tmpl,
				[]driver.Value{int64(4), "paid", "12.50", nil, nil, nil}))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "order",
			Arguments: map[string]interface{}{"id": 4},
		})
		require.NoError(t, err)
		data := res.Data.(map[string]interface{})
		assert.Nil(t, data["user"])
	})

	t.Run("no row on a nullable single is null data", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).WithArgs(int64(4)).WillReturnRows(templateRows(tmpl))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "order",
			Arguments: map[string]interface{}{"id": 4},
		})
		require.NoError(t, err)
		assert.Nil(t, res.Data)
		assert.Empty(t, res.Errors)
	})

	t.Run("no row on a non-nullable single is not found", func(t *testing.T) {
		art := shopArtifact(t, func(s *ir.Schema) {
			s.Operations[0].Nullable = false
		})
		tmpl := mustOp(t, art, "user").Templates.Primary
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).WithArgs(int64(9)).WillReturnRows(templateRows(tmpl))

		_, err := exec.Execute(context.Background(), &Request{
			Operation: "user",
			Arguments: map[string]interface{}{"id": 9},
		})
		requireCode(t, err, operr.CodeNotFound)
	})
}

// TestExecuteListBatchesOncePerLevel is the N+1 check: three parent
// rows with zero, one and two children resolve in exactly two
// queries, and the second binds every parent key once plus the
// window bounds.
func TestExecuteListBatchesOncePerLevel(t *testing.T) {
	art := shopArtifact(t, nil)
	users := mustOp(t, art, "users").Templates.Primary
	batch := mustBatch(t, art, "User.orders")

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(users.SQL).
		WithArgs(int64(50), int64(0)).
		WillReturnRows(templateRows(users,
			[]driver.Value{int64(1), "ann@example.com", "Ann"},
			[]driver.Value{int64(2), "ben@example.com", "Ben"},
			[]driver.Value{int64(3), "cho@example.com", "Cho"}))
	mock.ExpectQuery(strings.Replace(batch.SQL, sqlgen.ParentSetToken, "?,?,?", 1)).
		WithArgs(int64(1), int64(2), int64(3), int64(0), int64(50)).
		WillReturnRows(templateRows(batch,
			[]driver.Value{int64(4), "paid", "12.50", int64(1), "ann@example.com", "Ann", int64(1)},
			[]driver.Value{int64(5), "open", "3.00", int64(3), "cho@example.com", "Cho", int64(3)},
			[]driver.Value{int64(6), "paid", "8.75", int64(3), "cho@example.com", "Cho", int64(3)}))

	res, err := exec.Execute(context.Background(), &Request{
		Operation: "users",
		Selection: sel(field("id"), field("displayName"), nested("orders", sel(field("id"), field("total")))),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	list, ok := res.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, list, 3)

	first := list[0].(map[string]interface{})
	second := list[1].(map[string]interface{})
	third := list[2].(map[string]interface{})
	require.Len(t, first["orders"], 1)
	assert.Empty(t, second["orders"])
	require.Len(t, third["orders"], 2)
	childOrder := third["orders"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, int64(5), childOrder["id"])
}

func TestExecuteListWithoutParentsSkipsBatch(t *testing.T) {
	art := shopArtifact(t, nil)
	users := mustOp(t, art, "users").Templates.Primary

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(users.SQL).
		WithArgs(int64(50), int64(0)).
		WillReturnRows(templateRows(users))

	res, err := exec.Execute(context.Background(), &Request{
		Operation: "users",
		Selection: sel(field("id"), nested("orders", nil)),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, res.Data)
	assert.Empty(t, res.EndCursor)
}

func TestExecuteNestedBatchesQueryPerLevel(t *testing.T) {
	art := shopArtifact(t, nil)
	users := mustOp(t, art, "users").Templates.Primary
	orders := mustBatch(t, art, "User.orders")
	items := mustBatch(t, art, "Order.items")

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(users.SQL).
		WithArgs(int64(50), int64(0)).
		WillReturnRows(templateRows(users,
			[]driver.Value{int64(1), "ann@example.com", "Ann"},
			[]driver.Value{int64(2), "ben@example.com", "Ben"}))
	mock.ExpectQuery(strings.Replace(orders.SQL, sqlgen.ParentSetToken, "?,?", 1)).
		WithArgs(int64(1), int64(2), int64(0), int64(50)).
		WillReturnRows(templateRows(orders,
			[]driver.Value{int64(4), "paid", "12.50", int64(1), "ann@example.com", "Ann", int64(1)},
			[]driver.Value{int64(5), "open", "3.00", int64(2), "ben@example.com", "Ben", int64(2)}))
	mock.ExpectQuery(strings.Replace(items.SQL, sqlgen.ParentSetToken, "?,?", 1)).
		WithArgs(int64(4), int64(5), int64(0), int64(50)).
		WillReturnRows(templateRows(items,
			[]driver.Value{int64(40), "SKU-A", int64(4)},
			[]driver.Value{int64(41), "SKU-B", int64(4)},
			[]driver.Value{int64(50), "SKU-C", int64(5)}))

	res, err := exec.Execute(context.Background(), &Request{
		Operation: "users",
		Selection: sel(field("id"), nested("orders", sel(field("id"), nested("items", sel(field("sku")))))),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	list := res.Data.([]interface{})
	ann := list[0].(map[string]interface{})
	annOrders := ann["orders"].([]interface{})
	require.Len(t, annOrders, 1)
	annItems := annOrders[0].(map[string]interface{})["items"].([]interface{})
	require.Len(t, annItems, 2)
	assert.Equal(t, "SKU-A", annItems[0].(map[string]interface{})["sku"])
}

func TestExecutePreRuleDeniesWithoutBackendContact(t *testing.T) {
	art := shopArtifact(t, nil)

	for name, ctx := range map[string]map[string]interface{}{
		"wrong role":       {"role": "viewer"},
		"missing attribute": {},
		"nil context":      nil,
	} {
		t.Run(name, func(t *testing.T) {
			exec, mock := mockExecutor(t, art, Options{})
			_, err := exec.Execute(context.Background(), &Request{
				Operation: "createUser",
				Arguments: map[string]interface{}{"email": "x@example.com", "displayName": "X"},
				Context:   ctx,
			})
			oe := requireCode(t, err, operr.CodeAuthorization)
			assert.Contains(t, oe.Message, "createUser")
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// TestExecuteComplexityBudget prices the requested selection with the
// weights recorded in the artifact. A wide selection overruns the
// preset budget before the backend sees a query; a narrower one runs.
func TestExecuteComplexityBudget(t *testing.T) {
	c, err := compile.Run(shopSchema(), shopCatalog(), compile.Options{FieldCost: 400})
	require.NoError(t, err)
	art, err := artifact.Decode(c.Encoded)
	require.NoError(t, err)
	users := mustOp(t, art, "users").Templates.Primary

	exec, mock := mockExecutor(t, art, Options{})

	_, err = exec.Execute(context.Background(), &Request{
		Operation: "users",
		Selection: sel(field("id"), field("email"), field("displayName")),
	})
	oe := requireCode(t, err, operr.CodeValidation)
	assert.Contains(t, oe.Message, "budget")
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectQuery(users.SQL).
		WithArgs(int64(50), int64(0)).
		WillReturnRows(templateRows(users,
			[]driver.Value{int64(1), "ann@example.com", "Ann"}))

	res, err := exec.Execute(context.Background(), &Request{
		Operation: "users",
		Selection: sel(field("id"), field("displayName")),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, res.Data, 1)
}

// TestExecuteRejectsBeforeBackend drives every binding failure with no
// backend expectations registered, so a single stray query fails the
// test.
func TestExecuteRejectsBeforeBackend(t *testing.T) {
	art := shopArtifact(t, nil)

	cases := []struct {
		name    string
		req     *Request
		message string
	}{
		{"unknown operation", &Request{Operation: "nope"}, `unknown operation "nope"`},
		{"blank operation", &Request{}, "no operation"},
		{"unknown argument", &Request{Operation: "users",
			Arguments: map[string]interface{}{"shoeSize": 45}}, `unknown argument "shoeSize"`},
		{"missing required argument", &Request{Operation: "user"}, `"id" is required`},
		{"explicit null for required argument", &Request{Operation: "user",
			Arguments: map[string]interface{}{"id": nil}}, "must not be null"},
		{"zero limit", &Request{Operation: "users",
			Arguments: map[string]interface{}{"limit": 0}}, "at least 1"},
		{"limit over the compiled ceiling", &Request{Operation: "users",
			Arguments: map[string]interface{}{"limit": 101}}, "exceeds maximum 100"},
		{"negative offset", &Request{Operation: "users",
			Arguments: map[string]interface{}{"offset": -1}}, "not be negative"},
		{"offset combined with cursor", &Request{Operation: "users",
			Arguments: map[string]interface{}{"offset": 10, "after": "opaque"}}, "cannot combine"},
		{"garbage cursor", &Request{Operation: "users",
			Arguments: map[string]interface{}{"after": "not-a-cursor"}}, "invalid cursor"},
		{"empty list argument", &Request{Operation: "usersByIds",
			Arguments: map[string]interface{}{"ids": []interface{}{}}}, "must not be empty"},
		{"list over max items", &Request{Operation: "usersByIds",
			Arguments: map[string]interface{}{"ids": make([]interface{}, 21)}}, "at most 20"},
		{"unknown selection field", &Request{Operation: "users",
			Selection: sel(field("password"))}, `unknown field "password"`},
		{"subselection on a scalar", &Request{Operation: "users",
			Selection: sel(nested("id", sel(field("x"))))}, "no subfields"},
		{"empty selection", &Request{Operation: "users",
			Selection: sel()}, "empty selection"},
		{"duplicate selection field", &Request{Operation: "users",
			Selection: sel(field("id"), field("id"))}, "id"},
		{"update with nothing to update", &Request{Operation: "updateUser",
			Arguments: map[string]interface{}{"id": 7},
			Context:   map[string]interface{}{"role": "admin"}}, "nothing to update"},
		{"cursor on an unpaged operation", &Request{Operation: "user",
			Arguments: map[string]interface{}{"id": 1, "after": "opaque"}}, `unknown argument "after"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec, mock := mockExecutor(t, art, Options{})
			_, err := exec.Execute(context.Background(), tc.req)
			oe := requireCode(t, err, operr.CodeValidation)
			assert.Contains(t, oe.Message, tc.message)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestExecuteMasksDeniedField(t *testing.T) {
	art := shopArtifact(t, func(s *ir.Schema) {
		s.Rules = append(s.Rules, &ir.Rule{
			Subject:    "User.email",
			Expression: `ctx.user_id == row.id or ctx.role == "admin"`,
		})
	})
	tmpl := mustOp(t, art, "user").Templates.Primary
	row := []driver.Value{int64(9), "kim@example.com", "Kim"}

	t.Run("owner reads the field", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).WithArgs(int64(9)).WillReturnRows(templateRows(tmpl, row))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "user",
			Arguments: map[string]interface{}{"id": 9},
			Context:   map[string]interface{}{"user_id": int64(9)},
		})
		require.NoError(t, err)
		data := res.Data.(map[string]interface{})
		assert.Equal(t, "kim@example.com", data["email"])
		assert.Empty(t, res.Errors)
	})

	t.Run("other viewers get null without an error", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).WithArgs(int64(9)).WillReturnRows(templateRows(tmpl, row))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "user",
			Arguments: map[string]interface{}{"id": 9},
			Context:   map[string]interface{}{"user_id": int64(8)},
		})
		require.NoError(t, err)
		data := res.Data.(map[string]interface{})
		assert.Nil(t, data["email"])
		assert.Equal(t, "Kim", data["displayName"])
		assert.Empty(t, res.Errors)
	})
}

// A mask cannot null a non-nullable field, so denial turns into a hard
// authorization failure.
func TestExecuteMaskOnNonNullFieldFails(t *testing.T) {
	art := shopArtifact(t, func(s *ir.Schema) {
		s.Types[0].Fields[1].Type.NonNull = true
		s.Rules = append(s.Rules, &ir.Rule{
			Subject:    "User.email",
			Expression: `ctx.user_id == row.id`,
		})
	})
	tmpl := mustOp(t, art, "user").Templates.Primary

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(tmpl.SQL).WithArgs(int64(9)).
		WillReturnRows(templateRows(tmpl, []driver.Value{int64(9), "kim@example.com", "Kim"}))

	_, err := exec.Execute(context.Background(), &Request{
		Operation: "user",
		Arguments: map[string]interface{}{"id": 9},
		Context:   map[string]interface{}{"user_id": int64(8)},
	})
	oe := requireCode(t, err, operr.CodeAuthorization)
	assert.Contains(t, oe.Message, "User.email")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestExecuteRowFilterAdvancesCursor removes a row post-fetch and then
// pages past it: the end cursor comes from the last scanned row, not
// the last kept one, so a filtered tail cannot pin the page.
func TestExecuteRowFilterAdvancesCursor(t *testing.T) {
	art := shopArtifact(t, func(s *ir.Schema) {
		s.Rules = append(s.Rules, &ir.Rule{
			Subject:    "orders",
			Expression: `row.status != "draft"`,
		})
	})
	op := mustOp(t, art, "orders")
	primary := op.Templates.Primary
	after := op.Templates.After

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(primary.SQL).
		WithArgs(nil, nil, int64(50), int64(0)).
		WillReturnRows(templateRows(primary,
			[]driver.Value{int64(4), "paid", "12.50", int64(1), "ann@example.com", "Ann"},
			[]driver.Value{int64(7), "open", "3.00", int64(2), "ben@example.com", "Ben"},
			[]driver.Value{int64(9), "draft", "0.00", int64(2), "ben@example.com", "Ben"}))

	res, err := exec.Execute(context.Background(), &Request{Operation: "orders"})
	require.NoError(t, err)
	list := res.Data.([]interface{})
	require.Len(t, list, 2)
	assert.Empty(t, res.Errors)
	require.NotEmpty(t, res.EndCursor)

	// The filtered draft row was scanned last; its key drives the next
	// page.
	mock.ExpectQuery(after.SQL).
		WithArgs(nil, nil, int64(9), int64(50), int64(0)).
		WillReturnRows(templateRows(after))

	next, err := exec.Execute(context.Background(), &Request{
		Operation: "orders",
		Arguments: map[string]interface{}{"after": res.EndCursor},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, next.Data)
	assert.Empty(t, next.EndCursor)
}

func TestExecuteFilteredSingleRow(t *testing.T) {
	addRule := func(s *ir.Schema) {
		s.Rules = append(s.Rules, &ir.Rule{
			Subject:    "user",
			Expression: `ctx.user_id == row.id`,
		})
	}
	row := []driver.Value{int64(13), "kim@example.com", "Kim"}

	t.Run("nullable operation returns null", func(t *testing.T) {
		art := shopArtifact(t, addRule)
		tmpl := mustOp(t, art, "user").Templates.Primary
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).WithArgs(int64(13)).WillReturnRows(templateRows(tmpl, row))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "user",
			Arguments: map[string]interface{}{"id": 13},
			Context:   map[string]interface{}{"user_id": int64(8)},
		})
		require.NoError(t, err)
		assert.Nil(t, res.Data)
		assert.Empty(t, res.Errors)
	})

	t.Run("non-nullable operation reads as not found", func(t *testing.T) {
		art := shopArtifact(t, func(s *ir.Schema) {
			s.Operations[0].Nullable = false
			addRule(s)
		})
		tmpl := mustOp(t, art, "user").Templates.Primary
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).WithArgs(int64(13)).WillReturnRows(templateRows(tmpl, row))

		_, err := exec.Execute(context.Background(), &Request{
			Operation: "user",
			Arguments: map[string]interface{}{"id": 13},
			Context:   map[string]interface{}{"user_id": int64(8)},
		})
		requireCode(t, err, operr.CodeNotFound)
	})
}

// A relationship filter nulls the joined field when it is nullable;
// row references in the rule read the containing row.
func TestExecuteRelationshipFilterNullsField(t *testing.T) {
	art := shopArtifact(t, func(s *ir.Schema) {
		s.Rules = append(s.Rules, &ir.Rule{
			Subject:    "Order.user",
			Action:     ir.ActionFilter,
			Expression: `row.status == "paid"`,
		})
	})
	tmpl := mustOp(t, art, "order").Templates.Primary

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(tmpl.SQL).
		WithArgs(int64(4)).
		WillReturnRows(templateRows(tmpl,
			[]driver.Value{int64(4), "open", "3.00", int64(1), "ann@example.com", "Ann"}))

	res, err := exec.Execute(context.Background(), &Request{
		Operation: "order",
		Arguments: map[string]interface{}{"id": 4},
	})
	require.NoError(t, err)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, "open", data["status"])
	assert.Nil(t, data["user"])
	assert.Empty(t, res.Errors)
}

func TestExecuteInsertRefetchesByInsertID(t *testing.T) {
	art := shopArtifact(t, nil)
	op := mustOp(t, art, "createUser")
	adminCtx := map[string]interface{}{"role": "admin"}

	t.Run("created row comes back formatted", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs("dee@example.com", "Dee").
			WillReturnResult(sqlmock.NewResult(42, 1))
		mock.ExpectQuery(op.Templates.Refetch.SQL).
			WithArgs(int64(42)).
			WillReturnRows(templateRows(op.Templates.Refetch,
				[]driver.Value{int64(42), "dee@example.com", "Dee"}))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "createUser",
			Arguments: map[string]interface{}{"email": "dee@example.com", "displayName": "Dee"},
			Context:   adminCtx,
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
		data := res.Data.(map[string]interface{})
		assert.Equal(t, int64(42), data["id"])
		assert.Equal(t, "Dee", data["displayName"])
	})

	t.Run("duplicate key reads as conflict", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs("dee@example.com", "Dee").
			WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

		_, err := exec.Execute(context.Background(), &Request{
			Operation: "createUser",
			Arguments: map[string]interface{}{"email": "dee@example.com", "displayName": "Dee"},
			Context:   adminCtx,
		})
		oe := requireCode(t, err, operr.CodeConflict)
		assert.False(t, oe.Retryable())
	})

	t.Run("lock contention reads as retryable timeout", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs("dee@example.com", "Dee").
			WillReturnError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"})

		_, err := exec.Execute(context.Background(), &Request{
			Operation: "createUser",
			Arguments: map[string]interface{}{"email": "dee@example.com", "displayName": "Dee"},
			Context:   adminCtx,
		})
		oe := requireCode(t, err, operr.CodeTimeout)
		assert.True(t, oe.Retryable())
	})

	t.Run("dead connection reads as retryable", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs("dee@example.com", "Dee").
			WillReturnError(driver.ErrBadConn)

		_, err := exec.Execute(context.Background(), &Request{
			Operation: "createUser",
			Arguments: map[string]interface{}{"email": "dee@example.com", "displayName": "Dee"},
			Context:   adminCtx,
		})
		oe := requireCode(t, err, operr.CodeConnection)
		assert.True(t, oe.Retryable())
	})
}

// Absent optional writes keep the stored value through the presence
// flag; an explicit null writes NULL.
func TestExecuteUpdateBindsPresenceFlags(t *testing.T) {
	art := shopArtifact(t, nil)
	op := mustOp(t, art, "updateUser")

	t.Run("absent column keeps its value", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs(int64(0), nil, int64(1), "Ellen", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(op.Templates.Refetch.SQL).
			WithArgs(int64(7)).
			WillReturnRows(templateRows(op.Templates.Refetch,
				[]driver.Value{int64(7), "ellen@example.com", "Ellen"}))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "updateUser",
			Arguments: map[string]interface{}{"id": 7, "displayName": "Ellen"},
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
		data := res.Data.(map[string]interface{})
		assert.Equal(t, "Ellen", data["displayName"])
	})

	t.Run("explicit null writes null", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs(int64(1), nil, int64(0), nil, int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(op.Templates.Refetch.SQL).
			WithArgs(int64(7)).
			WillReturnRows(templateRows(op.Templates.Refetch,
				[]driver.Value{int64(7), nil, "Ellen"}))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "updateUser",
			Arguments: map[string]interface{}{"id": 7, "email": nil},
		})
		require.NoError(t, err)
		data := res.Data.(map[string]interface{})
		assert.Nil(t, data["email"])
	})

	t.Run("missing row reads as not found", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs(int64(0), nil, int64(1), "Ellen", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(op.Templates.Refetch.SQL).
			WithArgs(int64(7)).
			WillReturnRows(templateRows(op.Templates.Refetch))

		_, err := exec.Execute(context.Background(), &Request{
			Operation: "updateUser",
			Arguments: map[string]interface{}{"id": 7, "displayName": "Ellen"},
		})
		requireCode(t, err, operr.CodeNotFound)
	})
}

// Deletes capture the row before removing it; a missing row stops the
// write from ever executing.
func TestExecuteDeleteRefetchesFirst(t *testing.T) {
	art := shopArtifact(t, nil)
	op := mustOp(t, art, "deleteUser")

	t.Run("deleted row is the response", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(op.Templates.Refetch.SQL).
			WithArgs(int64(7)).
			WillReturnRows(templateRows(op.Templates.Refetch,
				[]driver.Value{int64(7), "gone@example.com", "Gone"}))
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs(int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "deleteUser",
			Arguments: map[string]interface{}{"id": 7},
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
		data := res.Data.(map[string]interface{})
		assert.Equal(t, "Gone", data["displayName"])
	})

	t.Run("missing row never executes the delete", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(op.Templates.Refetch.SQL).
			WithArgs(int64(7)).
			WillReturnRows(templateRows(op.Templates.Refetch))

		_, err := exec.Execute(context.Background(), &Request{
			Operation: "deleteUser",
			Arguments: map[string]interface{}{"id": 7},
		})
		requireCode(t, err, operr.CodeNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("row vanishing between refetch and delete reads as not found", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(op.Templates.Refetch.SQL).
			WithArgs(int64(7)).
			WillReturnRows(templateRows(op.Templates.Refetch,
				[]driver.Value{int64(7), "gone@example.com", "Gone"}))
		mock.ExpectExec(op.Templates.Primary.SQL).
			WithArgs(int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := exec.Execute(context.Background(), &Request{
			Operation: "deleteUser",
			Arguments: map[string]interface{}{"id": 7},
		})
		requireCode(t, err, operr.CodeNotFound)
	})
}

func TestExecuteCursorPaging(t *testing.T) {
	art := shopArtifact(t, nil)
	op := mustOp(t, art, "users")

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(op.Templates.Primary.SQL).
		WithArgs(int64(2), int64(0)).
		WillReturnRows(templateRows(op.Templates.Primary,
			[]driver.Value{int64(1), "ann@example.com", "Ann"},
			[]driver.Value{int64(2), "ben@example.com", "Ben"}))

	page, err := exec.Execute(context.Background(), &Request{
		Operation: "users",
		Arguments: map[string]interface{}{"limit": 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.NotEmpty(t, page.EndCursor)

	mock.ExpectQuery(op.Templates.After.SQL).
		WithArgs(int64(2), int64(2), int64(0)).
		WillReturnRows(templateRows(op.Templates.After,
			[]driver.Value{int64(3), "cho@example.com", "Cho"}))

	next, err := exec.Execute(context.Background(), &Request{
		Operation: "users",
		Arguments: map[string]interface{}{"limit": 2, "after": page.EndCursor},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	list := next.Data.([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].(map[string]interface{})["id"])
}

func TestExecuteOptionalFilterBindsGuard(t *testing.T) {
	art := shopArtifact(t, nil)
	tmpl := mustOp(t, art, "orders").Templates.Primary
	row := []driver.Value{int64(4), "paid", "12.50", int64(1), "ann@example.com", "Ann"}

	t.Run("absent filter binds null guard", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).
			WithArgs(nil, nil, int64(50), int64(0)).
			WillReturnRows(templateRows(tmpl, row))

		res, err := exec.Execute(context.Background(), &Request{Operation: "orders"})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
		assert.Len(t, res.Data, 1)
	})

	t.Run("present filter binds value twice", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(tmpl.SQL).
			WithArgs("paid", "paid", int64(50), int64(0)).
			WillReturnRows(templateRows(tmpl, row))

		res, err := exec.Execute(context.Background(), &Request{
			Operation: "orders",
			Arguments: map[string]interface{}{"status": "paid"},
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
		assert.Len(t, res.Data, 1)
	})
}

// List arguments grow the template's token into placeholders; the text
// around it never changes.
func TestExecuteListArgumentExpansion(t *testing.T) {
	art := shopArtifact(t, nil)
	tmpl := mustOp(t, art, "usersByIds").Templates.Primary
	require.Contains(t, tmpl.SQL, sqlgen.ListToken("ids"))

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(strings.Replace(tmpl.SQL, sqlgen.ListToken("ids"), "?,?", 1)).
		WithArgs(int64(7), int64(8), int64(50), int64(0)).
		WillReturnRows(templateRows(tmpl,
			[]driver.Value{int64(7), "g@example.com", "Gus"},
			[]driver.Value{int64(8), "h@example.com", "Hal"}))

	res, err := exec.Execute(context.Background(), &Request{
		Operation: "usersByIds",
		Arguments: map[string]interface{}{"ids": []interface{}{7, 8}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Len(t, res.Data, 2)
}

// TestExecuteHostileArgumentStaysBound matches the statement by exact
// string equality against the compiled template: the hostile value
// travels as a bind parameter and the text is untouched.
func TestExecuteHostileArgumentStaysBound(t *testing.T) {
	art := shopArtifact(t, nil)
	tmpl := mustOp(t, art, "user").Templates.Primary
	hostile := "1 OR 1=1; DROP TABLE users;--"

	exec, mock := mockExecutor(t, art, Options{})
	mock.ExpectQuery(tmpl.SQL).
		WithArgs(hostile).
		WillReturnRows(templateRows(tmpl))

	res, err := exec.Execute(context.Background(), &Request{
		Operation: "user",
		Arguments: map[string]interface{}{"id": hostile},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Nil(t, res.Data)
}

func TestExecutePartialResultsPolicy(t *testing.T) {
	art := shopArtifact(t, nil)
	users := mustOp(t, art, "users").Templates.Primary
	batch := mustBatch(t, art, "User.orders")
	req := func() *Request {
		return &Request{
			Operation: "users",
			Selection: sel(field("id"), nested("orders", sel(field("id")))),
		}
	}
	userRow := []driver.Value{int64(1), "ann@example.com", "Ann"}

	t.Run("strict mode fails the operation", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{})
		mock.ExpectQuery(users.SQL).
			WithArgs(int64(50), int64(0)).
			WillReturnRows(templateRows(users, userRow))
		mock.ExpectQuery(strings.Replace(batch.SQL, sqlgen.ParentSetToken, "?", 1)).
			WithArgs(int64(1), int64(0), int64(50)).
			WillReturnError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"})

		_, err := exec.Execute(context.Background(), req())
		requireCode(t, err, operr.CodeTimeout)
	})

	t.Run("partial mode keeps the parents and reports the path", func(t *testing.T) {
		exec, mock := mockExecutor(t, art, Options{PartialResults: true})
		mock.ExpectQuery(users.SQL).
			WithArgs(int64(50), int64(0)).
			WillReturnRows(templateRows(users, userRow))
		mock.ExpectQuery(strings.Replace(batch.SQL, sqlgen.ParentSetToken, "?", 1)).
			WithArgs(int64(1), int64(0), int64(50)).
			WillReturnError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"})

		res, err := exec.Execute(context.Background(), req())
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())

		list := res.Data.([]interface{})
		require.Len(t, list, 1)
		assert.Nil(t, list[0].(map[string]interface{})["orders"])
		require.Len(t, res.Errors, 1)
		assert.Equal(t, operr.CodeTimeout, res.Errors[0].Code)
		assert.Equal(t, []string{"orders"}, res.Errors[0].Path)
		assert.Equal(t, StateCompleted, res.State)
	})
}

func TestExecuteRegulatedProfileRedacts(t *testing.T) {
	art := shopArtifact(t, nil)
	tmpl := mustOp(t, art, "user").Templates.Primary

	exec, mock := mockExecutor(t, art, Options{Profile: "regulated"})
	mock.ExpectQuery(tmpl.SQL).
		WithArgs(int64(9)).
		WillReturnRows(templateRows(tmpl, []driver.Value{int64(9), "kim@example.com", "Kim"}))

	res, err := exec.Execute(context.Background(), &Request{
		Operation: "user",
		Arguments: map[string]interface{}{"id": 9},
	})
	require.NoError(t, err)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, "[PII]", data["email"])
	assert.Equal(t, "Kim", data["displayName"])
}

func TestExecuteCancelledContext(t *testing.T) {
	art := shopArtifact(t, nil)
	exec, mock := mockExecutor(t, art, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Execute(ctx, &Request{Operation: "users"})
	requireCode(t, err, operr.CodeCancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
