package executor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/sqlgen"
)

func TestCoerceScalarKinds(t *testing.T) {
	when := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		scalar  ir.Scalar
		in      interface{}
		want    interface{}
		wantErr string
	}{
		{"int from int", ir.ScalarInt, 7, int64(7), ""},
		{"int from integral float", ir.ScalarInt, float64(7), int64(7), ""},
		{"int rejects fraction", ir.ScalarInt, 7.5, nil, "expects an integer"},
		{"int rejects string", ir.ScalarInt, "7", nil, "expects an integer"},
		{"id from int", ir.ScalarID, 42, int64(42), ""},
		{"id from string", ir.ScalarID, "ext-42", "ext-42", ""},
		{"id rejects empty string", ir.ScalarID, "", nil, "expects an identifier"},
		{"id rejects bool", ir.ScalarID, true, nil, "expects an identifier"},
		{"float from int", ir.ScalarFloat, 3, float64(3), ""},
		{"float rejects NaN", ir.ScalarFloat, math.NaN(), nil, "expects a number"},
		{"float rejects infinity", ir.ScalarFloat, math.Inf(1), nil, "expects a number"},
		{"boolean", ir.ScalarBoolean, true, true, ""},
		{"boolean rejects int", ir.ScalarBoolean, 1, nil, "expects a boolean"},
		{"string", ir.ScalarString, "ok", "ok", ""},
		{"string rejects int", ir.ScalarString, 7, nil, "expects a string"},
		{"datetime from time", ir.ScalarDateTime, when, when, ""},
		{"datetime from string", ir.ScalarDateTime, "2025-03-09T12:00:00Z", "2025-03-09T12:00:00Z", ""},
		{"datetime rejects empty", ir.ScalarDateTime, "", nil, "expects a timestamp"},
		{"datetime rejects int", ir.ScalarDateTime, 7, nil, "expects a timestamp"},
		{"uuid normalizes case", ir.ScalarUUID, "6BA7B810-9DAD-11D1-80B4-00C04FD430C8", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", ""},
		{"uuid rejects garbage", ir.ScalarUUID, "not-a-uuid", nil, "not a valid UUID"},
		{"json passes strings through", ir.ScalarJSON, `{"a":1}`, `{"a":1}`, ""},
		{"json encodes values", ir.ScalarJSON, map[string]interface{}{"a": float64(1)}, `{"a":1}`, ""},
		{"decimal from string", ir.ScalarDecimal, "12.50", "12.50", ""},
		{"decimal from float", ir.ScalarDecimal, 12.5, "12.5", ""},
		{"decimal from int", ir.ScalarDecimal, 12, "12", ""},
		{"decimal rejects empty", ir.ScalarDecimal, "", nil, "expects a decimal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerceScalar("probe", tc.scalar, nil, tc.in)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Message, tc.wantErr)
				return
			}
			require.Nil(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCoerceScalarRanges(t *testing.T) {
	min, max := int64(1), int64(10)
	maxLen := 3

	t.Run("int below minimum", func(t *testing.T) {
		_, err := coerceScalar("n", ir.ScalarInt, &ir.ArgRange{Min: &min}, 0)
		require.Error(t, err)
		assert.Contains(t, err.Message, "at least 1")
	})
	t.Run("int above maximum", func(t *testing.T) {
		_, err := coerceScalar("n", ir.ScalarInt, &ir.ArgRange{Max: &max}, 11)
		require.Error(t, err)
		assert.Contains(t, err.Message, "at most 10")
	})
	t.Run("string length counts runes", func(t *testing.T) {
		got, err := coerceScalar("s", ir.ScalarString, &ir.ArgRange{MaxLen: &maxLen}, "äöü")
		require.Nil(t, err)
		assert.Equal(t, "äöü", got)

		_, err = coerceScalar("s", ir.ScalarString, &ir.ArgRange{MaxLen: &maxLen}, "äöüä")
		require.Error(t, err)
		assert.Contains(t, err.Message, "exceeds 3 characters")
	})
}

func TestToInt64(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want int64
		ok   bool
	}{
		{"int", int(5), 5, true},
		{"int32", int32(-5), -5, true},
		{"int64", int64(1 << 40), 1 << 40, true},
		{"uint small", uint(9), 9, true},
		{"uint64 overflow", uint64(math.MaxUint64), 0, false},
		{"integral float", float64(12), 12, true},
		{"fractional float", 12.25, 0, false},
		{"string", "12", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := toInt64(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestNormalizeArguments(t *testing.T) {
	art := shopArtifact(t, nil)

	t.Run("defaults fill absent arguments", func(t *testing.T) {
		op := &artifact.OperationDef{Name: "probe", Arguments: []*artifact.ArgumentDef{
			{Name: "status", Scalar: ir.ScalarString, Default: "open"},
		}}
		bound, err := normalizeArguments(art, op, nil)
		require.Nil(t, err)
		assert.True(t, bound.present["status"])
		assert.Equal(t, "open", bound.values["status"])
	})

	t.Run("explicit null is supplied but empty", func(t *testing.T) {
		op := &artifact.OperationDef{Name: "probe", Arguments: []*artifact.ArgumentDef{
			{Name: "status", Scalar: ir.ScalarString},
		}}
		bound, err := normalizeArguments(art, op, map[string]interface{}{"status": nil})
		require.Nil(t, err)
		assert.True(t, bound.present["status"])
		assert.Nil(t, bound.values["status"])
	})

	t.Run("absent optional stays absent", func(t *testing.T) {
		op := &artifact.OperationDef{Name: "probe", Arguments: []*artifact.ArgumentDef{
			{Name: "status", Scalar: ir.ScalarString},
		}}
		bound, err := normalizeArguments(art, op, nil)
		require.Nil(t, err)
		assert.False(t, bound.present["status"])
	})

	t.Run("first unknown name in sorted order", func(t *testing.T) {
		op := &artifact.OperationDef{Name: "probe"}
		_, err := normalizeArguments(art, op, map[string]interface{}{"zz": 1, "aa": 1})
		require.Error(t, err)
		assert.Contains(t, err.Message, `"aa"`)
	})

	t.Run("list elements coerce individually", func(t *testing.T) {
		op, ok := art.Operation("usersByIds")
		require.True(t, ok)
		bound, err := normalizeArguments(art, op, map[string]interface{}{
			"ids": []interface{}{1, "ext-2"},
		})
		require.Nil(t, err)
		assert.Equal(t, []interface{}{int64(1), "ext-2"}, bound.values["ids"])
	})

	t.Run("list rejects null elements", func(t *testing.T) {
		op, ok := art.Operation("usersByIds")
		require.True(t, ok)
		_, err := normalizeArguments(art, op, map[string]interface{}{
			"ids": []interface{}{1, nil},
		})
		require.Error(t, err)
		assert.Contains(t, err.Message, "must not contain null")
	})

	t.Run("paging bounds apply", func(t *testing.T) {
		op, ok := art.Operation("users")
		require.True(t, ok)

		bound, err := normalizeArguments(art, op, map[string]interface{}{"limit": float64(25), "offset": 5})
		require.Nil(t, err)
		assert.Equal(t, int64(25), bound.limit)
		assert.Equal(t, int64(5), bound.offset)

		_, err = normalizeArguments(art, op, map[string]interface{}{"limit": "lots"})
		require.Error(t, err)
		assert.Contains(t, err.Message, "limit expects an integer")
	})

	t.Run("default limit applies when unset", func(t *testing.T) {
		op, ok := art.Operation("users")
		require.True(t, ok)
		bound, err := normalizeArguments(art, op, nil)
		require.Nil(t, err)
		assert.Equal(t, int64(50), bound.limit)
		assert.Equal(t, int64(0), bound.offset)
	})
}

func probeTemplate() *sqlgen.Template {
	return &sqlgen.Template{
		Name: "probe",
		SQL:  "SELECT `t`.`id` FROM `things` AS `t` WHERE (? IS NULL OR `t`.`tag` IN ({{list:tags}})) AND `t`.`note` = IF(?, ?, `t`.`note`)",
		Params: []sqlgen.Param{
			{Name: "tags", Role: sqlgen.RoleGuard, Scalar: ir.ScalarInt},
			{Name: "tags", Role: sqlgen.RoleArgument, Scalar: ir.ScalarString, Expand: true},
			{Name: "note", Role: sqlgen.RoleSetFlag, Scalar: ir.ScalarBoolean},
			{Name: "note", Role: sqlgen.RoleWrite, Scalar: ir.ScalarString},
		},
	}
}

func TestBindTemplateListExpansion(t *testing.T) {
	t.Run("present list grows placeholders and binds the count", func(t *testing.T) {
		bound := &boundArgs{
			values:  map[string]interface{}{"tags": []interface{}{"a", "b", "c"}, "note": "hi"},
			present: map[string]bool{"tags": true, "note": true},
		}
		q, err := bindTemplate(probeTemplate(), bound, nil)
		require.Nil(t, err)
		assert.Contains(t, q.sql, "IN (?,?,?)")
		assert.NotContains(t, q.sql, "{{list:")
		assert.Equal(t, []interface{}{int64(3), "a", "b", "c", int64(1), "hi"}, q.values)
	})

	t.Run("absent list binds one null and a null guard", func(t *testing.T) {
		bound := &boundArgs{values: map[string]interface{}{}, present: map[string]bool{}}
		q, err := bindTemplate(probeTemplate(), bound, nil)
		require.Nil(t, err)
		assert.Contains(t, q.sql, "IN (?)")
		assert.Equal(t, []interface{}{nil, nil, int64(0), nil}, q.values)
	})

	t.Run("explicit null write sets the flag", func(t *testing.T) {
		bound := &boundArgs{
			values:  map[string]interface{}{"note": nil},
			present: map[string]bool{"note": true},
		}
		q, err := bindTemplate(probeTemplate(), bound, nil)
		require.Nil(t, err)
		assert.Equal(t, []interface{}{nil, nil, int64(1), nil}, q.values)
	})

	t.Run("missing token is an internal fault", func(t *testing.T) {
		tmpl := probeTemplate()
		tmpl.SQL = "SELECT 1"
		bound := &boundArgs{values: map[string]interface{}{}, present: map[string]bool{}}
		_, err := bindTemplate(tmpl, bound, nil)
		require.Error(t, err)
		assert.Equal(t, operr.CodeInternal, err.Code)
	})
}

func TestBindTemplateSpecialSlots(t *testing.T) {
	t.Run("cursor values bind by order column", func(t *testing.T) {
		tmpl := &sqlgen.Template{
			Name:   "probe/after",
			SQL:    "SELECT `t`.`id` FROM `things` AS `t` WHERE (`t`.`id` > ?) LIMIT ? OFFSET ?",
			Params: []sqlgen.Param{
				{Name: "id", Role: sqlgen.RoleCursor, Scalar: ir.ScalarID, Column: "id"},
				{Name: "limit", Role: sqlgen.RoleLimit, Scalar: ir.ScalarInt},
				{Name: "offset", Role: sqlgen.RoleOffset, Scalar: ir.ScalarInt},
			},
		}
		bound := &boundArgs{
			values:  map[string]interface{}{},
			present: map[string]bool{},
			limit:   10,
			cursor:  map[string]interface{}{"id": int64(5)},
		}
		q, err := bindTemplate(tmpl, bound, nil)
		require.Nil(t, err)
		assert.Equal(t, []interface{}{int64(5), int64(10), int64(0)}, q.values)
	})

	t.Run("missing cursor value is an internal fault", func(t *testing.T) {
		tmpl := &sqlgen.Template{
			Name:   "probe/after",
			SQL:    "SELECT 1 WHERE `t`.`id` > ?",
			Params: []sqlgen.Param{{Name: "id", Role: sqlgen.RoleCursor, Column: "id"}},
		}
		bound := &boundArgs{values: map[string]interface{}{}, present: map[string]bool{}}
		_, err := bindTemplate(tmpl, bound, nil)
		require.Error(t, err)
		assert.Equal(t, operr.CodeInternal, err.Code)
	})

	t.Run("insert id binds from the write result", func(t *testing.T) {
		tmpl := &sqlgen.Template{
			Name:   "probe/refetch",
			SQL:    "SELECT `t`.`id` FROM `things` AS `t` WHERE `t`.`id` = ? LIMIT 1",
			Params: []sqlgen.Param{{Name: sqlgen.InsertIDParam, Role: sqlgen.RoleInsertID, Scalar: ir.ScalarID}},
		}
		bound := &boundArgs{values: map[string]interface{}{}, present: map[string]bool{}}

		q, err := bindTemplate(tmpl, bound, map[string]interface{}{sqlgen.InsertIDParam: int64(42)})
		require.Nil(t, err)
		assert.Equal(t, []interface{}{int64(42)}, q.values)

		_, err = bindTemplate(tmpl, bound, nil)
		require.Error(t, err)
		assert.Equal(t, operr.CodeInternal, err.Code)
	})
}
