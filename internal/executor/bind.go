package executor

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/cursor"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/sqlgen"
)

// boundArgs is the validated argument set of one invocation. Values
// are coerced to the driver types the templates bind: int64, float64,
// bool, string, time.Time, nil, or []interface{} of those for lists.
type boundArgs struct {
	values  map[string]interface{}
	present map[string]bool
	limit   int64
	offset  int64
	// cursor maps order columns to decoded cursor values. Nil unless
	// the request carried one.
	cursor map[string]interface{}
}

// boundQuery is one ready-to-run statement: token-expanded text plus
// the positional values in template order.
type boundQuery struct {
	tmpl   *sqlgen.Template
	sql    string
	values []interface{}
}

// normalizeArguments checks the request arguments against the
// operation's compiled signature: unknown names, missing required
// values, scalar kinds and declared ranges all reject here, before
// anything reaches the backend.
func normalizeArguments(art *artifact.Artifact, op *artifact.OperationDef, raw map[string]interface{}) (*boundArgs, *operr.Error) {
	bound := &boundArgs{
		values:  make(map[string]interface{}, len(op.Arguments)),
		present: make(map[string]bool, len(op.Arguments)),
	}

	allowed := make(map[string]bool, len(op.Arguments)+3)
	for _, a := range op.Arguments {
		allowed[a.Name] = true
	}
	if op.Paging != nil {
		allowed[ir.PagingArgLimit] = true
		allowed[ir.PagingArgOffset] = true
		allowed[ir.PagingArgAfter] = true
	}
	var unknown []string
	for name := range raw {
		if !allowed[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, operr.Validation("unknown argument %q for operation %s", unknown[0], op.Name)
	}

	for _, a := range op.Arguments {
		v, supplied := raw[a.Name]
		if !supplied && a.Default != nil {
			v, supplied = a.Default, true
		}
		if !supplied {
			if a.Required {
				return nil, operr.Validation("argument %q is required", a.Name)
			}
			continue
		}
		if v == nil {
			if a.Required {
				return nil, operr.Validation("argument %q must not be null", a.Name)
			}
			// An explicit null counts as supplied for write columns
			// and as absent for predicates.
			bound.present[a.Name] = true
			bound.values[a.Name] = nil
			continue
		}
		coerced, err := coerceArgument(a, v)
		if err != nil {
			return nil, err
		}
		bound.present[a.Name] = true
		bound.values[a.Name] = coerced
	}

	if op.Paging != nil {
		if err := bindPaging(art, op, raw, bound); err != nil {
			return nil, err
		}
	}
	return bound, nil
}

func coerceArgument(a *artifact.ArgumentDef, v interface{}) (interface{}, *operr.Error) {
	if !a.List {
		return coerceScalar(a.Name, a.Scalar, a.Range, v)
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, operr.Validation("argument %q expects a list", a.Name)
	}
	if len(list) == 0 {
		return nil, operr.Validation("argument %q must not be empty", a.Name)
	}
	if a.Range != nil && a.Range.MaxItems != nil && len(list) > *a.Range.MaxItems {
		return nil, operr.Validation("argument %q takes at most %d values", a.Name, *a.Range.MaxItems)
	}
	out := make([]interface{}, len(list))
	for i, el := range list {
		if el == nil {
			return nil, operr.Validation("argument %q must not contain null", a.Name)
		}
		coerced, err := coerceScalar(a.Name, a.Scalar, a.Range, el)
		if err != nil {
			return nil, err
		}
		out[i] = coerced
	}
	return out, nil
}

func coerceScalar(name string, sc ir.Scalar, rng *ir.ArgRange, v interface{}) (interface{}, *operr.Error) {
	switch sc {
	case ir.ScalarInt:
		n, ok := toInt64(v)
		if !ok {
			return nil, operr.Validation("argument %q expects an integer", name)
		}
		if err := checkIntRange(name, n, rng); err != nil {
			return nil, err
		}
		return n, nil

	case ir.ScalarID:
		if n, ok := toInt64(v); ok {
			if err := checkIntRange(name, n, rng); err != nil {
				return nil, err
			}
			return n, nil
		}
		if s, ok := v.(string); ok && s != "" {
			if err := checkLen(name, s, rng); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, operr.Validation("argument %q expects an identifier", name)

	case ir.ScalarFloat:
		f, ok := toFloat64(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, operr.Validation("argument %q expects a number", name)
		}
		if rng != nil {
			if rng.Min != nil && f < float64(*rng.Min) {
				return nil, operr.Validation("argument %q must be at least %d", name, *rng.Min)
			}
			if rng.Max != nil && f > float64(*rng.Max) {
				return nil, operr.Validation("argument %q must be at most %d", name, *rng.Max)
			}
		}
		return f, nil

	case ir.ScalarBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, operr.Validation("argument %q expects a boolean", name)
		}
		return b, nil

	case ir.ScalarString:
		s, ok := v.(string)
		if !ok {
			return nil, operr.Validation("argument %q expects a string", name)
		}
		if err := checkLen(name, s, rng); err != nil {
			return nil, err
		}
		return s, nil

	case ir.ScalarDateTime, ir.ScalarDate, ir.ScalarTime:
		switch tv := v.(type) {
		case time.Time:
			return tv, nil
		case string:
			if tv == "" {
				return nil, operr.Validation("argument %q expects a timestamp", name)
			}
			return tv, nil
		}
		return nil, operr.Validation("argument %q expects a timestamp", name)

	case ir.ScalarUUID:
		s, ok := v.(string)
		if !ok {
			return nil, operr.Validation("argument %q expects a UUID", name)
		}
		parsed, err := uuid.Parse(s)
		if err != nil {
			return nil, operr.Validation("argument %q is not a valid UUID", name)
		}
		return parsed.String(), nil

	case ir.ScalarJSON:
		if s, ok := v.(string); ok {
			return s, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, operr.Validation("argument %q is not JSON-encodable", name)
		}
		return string(data), nil

	case ir.ScalarDecimal:
		switch dv := v.(type) {
		case string:
			if dv == "" {
				return nil, operr.Validation("argument %q expects a decimal", name)
			}
			return dv, nil
		case float64:
			return strconv.FormatFloat(dv, 'f', -1, 64), nil
		case int:
			return strconv.FormatInt(int64(dv), 10), nil
		case int64:
			return strconv.FormatInt(dv, 10), nil
		}
		return nil, operr.Validation("argument %q expects a decimal", name)
	}
	return nil, operr.Validation("argument %q has unsupported kind %q", name, sc)
}

func checkIntRange(name string, n int64, rng *ir.ArgRange) *operr.Error {
	if rng == nil {
		return nil
	}
	if rng.Min != nil && n < *rng.Min {
		return operr.Validation("argument %q must be at least %d", name, *rng.Min)
	}
	if rng.Max != nil && n > *rng.Max {
		return operr.Validation("argument %q must be at most %d", name, *rng.Max)
	}
	return nil
}

func checkLen(name, s string, rng *ir.ArgRange) *operr.Error {
	if rng == nil || rng.MaxLen == nil {
		return nil
	}
	if utf8.RuneCountInString(s) > *rng.MaxLen {
		return operr.Validation("argument %q exceeds %d characters", name, *rng.MaxLen)
	}
	return nil
}

// bindPaging resolves the synthesized paging arguments against the
// operation's compiled bounds. A cursor and an offset are two origins
// for the same page, so supplying both rejects.
func bindPaging(art *artifact.Artifact, op *artifact.OperationDef, raw map[string]interface{}, bound *boundArgs) *operr.Error {
	pg := op.Paging
	bound.limit = int64(pg.DefaultLimit)
	if v, ok := raw[ir.PagingArgLimit]; ok && v != nil {
		n, okInt := toInt64(v)
		if !okInt {
			return operr.Validation("limit expects an integer")
		}
		if n < 1 {
			return operr.Validation("limit must be at least 1")
		}
		if n > int64(pg.MaxLimit) {
			return operr.Validation("limit %d exceeds maximum %d", n, pg.MaxLimit)
		}
		bound.limit = n
	}

	offsetSupplied := false
	if v, ok := raw[ir.PagingArgOffset]; ok && v != nil {
		n, okInt := toInt64(v)
		if !okInt {
			return operr.Validation("offset expects an integer")
		}
		if n < 0 {
			return operr.Validation("offset must not be negative")
		}
		bound.offset = n
		offsetSupplied = true
	}

	v, ok := raw[ir.PagingArgAfter]
	if !ok || v == nil {
		return nil
	}
	if offsetSupplied {
		return operr.Validation("offset cannot combine with after")
	}
	s, okStr := v.(string)
	if !okStr || s == "" {
		return operr.Validation("after expects a cursor")
	}
	cur, err := cursor.Decode(s)
	if err != nil {
		return operr.Validation("invalid cursor: %v", err)
	}
	if err := cur.Validate(op.ReturnType, pg.OrderBy); err != nil {
		return operr.Validation("invalid cursor: %v", err)
	}
	typ, okType := art.Type(op.ReturnType)
	if !okType {
		return operr.Newf(operr.CodeInternal, "operation %s returns unindexed type %q", op.Name, op.ReturnType)
	}
	vals, err := cur.ParseValues(orderScalars(typ, pg.OrderBy))
	if err != nil {
		return operr.Validation("invalid cursor: %v", err)
	}
	bound.cursor = make(map[string]interface{}, len(vals))
	for i, oc := range pg.OrderBy {
		bound.cursor[oc.Column] = vals[i]
	}
	return nil
}

// orderScalars resolves each order column's declared kind. Columns no
// field exposes compare as strings.
func orderScalars(typ *artifact.TypeDef, order []ir.OrderColumn) []ir.Scalar {
	scalars := make([]ir.Scalar, len(order))
	for i, oc := range order {
		scalars[i] = ir.ScalarString
		for _, f := range typ.Fields {
			if f.Column == oc.Column {
				scalars[i] = f.Scalar
				break
			}
		}
	}
	return scalars
}

// bindTemplate turns a template plus bound arguments into a runnable
// statement. Expansion only ever inserts placeholder punctuation; the
// values themselves always bind positionally.
func bindTemplate(tmpl *sqlgen.Template, bound *boundArgs, extra map[string]interface{}) (*boundQuery, *operr.Error) {
	text := tmpl.SQL
	values := make([]interface{}, 0, len(tmpl.Params))
	for _, p := range tmpl.Params {
		switch p.Role {
		case sqlgen.RoleArgument, sqlgen.RoleWrite, sqlgen.RoleKey:
			if p.Expand {
				expanded, vals, err := expandList(text, p.Name, bound.values[p.Name])
				if err != nil {
					return nil, err
				}
				text = expanded
				values = append(values, vals...)
				continue
			}
			values = append(values, bound.values[p.Name])

		case sqlgen.RoleGuard:
			// List guards probe the element count, scalar guards the
			// value itself. Both bind nil when the argument is absent.
			if list, isList := bound.values[p.Name].([]interface{}); isList {
				values = append(values, int64(len(list)))
			} else {
				values = append(values, bound.values[p.Name])
			}

		case sqlgen.RoleSetFlag:
			if bound.present[p.Name] {
				values = append(values, int64(1))
			} else {
				values = append(values, int64(0))
			}

		case sqlgen.RoleLimit:
			values = append(values, bound.limit)

		case sqlgen.RoleOffset:
			values = append(values, bound.offset)

		case sqlgen.RoleCursor:
			v, ok := bound.cursor[p.Name]
			if !ok {
				return nil, operr.Newf(operr.CodeInternal, "template %s: no cursor value for column %s", tmpl.Name, p.Name)
			}
			values = append(values, v)

		case sqlgen.RoleInsertID:
			v, ok := extra[p.Name]
			if !ok {
				return nil, operr.Newf(operr.CodeInternal, "template %s: no assigned id to bind", tmpl.Name)
			}
			values = append(values, v)

		default:
			return nil, operr.Newf(operr.CodeInternal, "template %s: unbindable slot %s %s", tmpl.Name, p.Role, p.Name)
		}
	}
	return &boundQuery{tmpl: tmpl, sql: text, values: values}, nil
}

// expandList replaces a list argument's token with one placeholder per
// element. An absent optional list expands to a single null so the
// disabled IN clause stays parseable.
func expandList(text, name string, v interface{}) (string, []interface{}, *operr.Error) {
	token := sqlgen.ListToken(name)
	if !strings.Contains(text, token) {
		return "", nil, operr.Newf(operr.CodeInternal, "template is missing the %s slot", token)
	}
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return strings.Replace(text, token, "?", 1), []interface{}{nil}, nil
	}
	return strings.Replace(text, token, sq.Placeholders(len(list)), 1), list, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if math.Trunc(n) != n || n < math.MinInt64 || n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt64(float64(n))
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
