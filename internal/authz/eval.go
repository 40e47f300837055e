package authz

import (
	"fmt"
	"math"
	"strings"
)

// Evaluate runs a compiled predicate against request-context attributes
// and an optional row. Missing attributes and fields read as null; two
// nulls are equal, ordering against null is false. Integer widths
// collapse to int64, floats to float64, and int compares against float
// numerically. Comparing unrelated types is an error; callers treat an
// evaluation error the same as a failed rule.
func Evaluate(n *Node, ctx, row map[string]interface{}) (bool, error) {
	switch n.Kind {
	case NodeAnd:
		for _, child := range n.Children {
			ok, err := Evaluate(child, ctx, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case NodeOr:
		for _, child := range n.Children {
			ok, err := Evaluate(child, ctx, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case NodeCompare:
		return compare(n, ctx, row)
	}
	return false, fmt.Errorf("unknown predicate node kind %q", n.Kind)
}

func compare(n *Node, ctx, row map[string]interface{}) (bool, error) {
	left, err := resolve(n.Left, ctx, row)
	if err != nil {
		return false, err
	}
	right, err := resolve(n.Right, ctx, row)
	if err != nil {
		return false, err
	}
	switch n.Op {
	case OpEq, OpNe:
		eq, err := equal(left, right)
		if err != nil {
			return false, err
		}
		if n.Op == OpNe {
			return !eq, nil
		}
		return eq, nil
	case OpLt, OpLe, OpGt, OpGe:
		if left == nil || right == nil {
			return false, nil
		}
		c, err := order(left, right)
		if err != nil {
			return false, err
		}
		switch n.Op {
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		}
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", n.Op)
}

func resolve(o *Operand, ctx, row map[string]interface{}) (interface{}, error) {
	switch {
	case o == nil:
		return nil, fmt.Errorf("comparison is missing an operand")
	case o.Ctx != "":
		return coerce(ctx[o.Ctx])
	case o.Row != "":
		return coerce(row[o.Row])
	case o.Lit != nil:
		l := o.Lit
		switch {
		case l.Str != nil:
			return *l.Str, nil
		case l.Int != nil:
			return *l.Int, nil
		case l.Float != nil:
			return *l.Float, nil
		case l.Bool != nil:
			return *l.Bool, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("empty operand")
}

// coerce narrows a runtime value to one of the comparable shapes:
// string, bool, int64, float64 or nil.
func coerce(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case bool:
		return x, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows the comparable integer range", x)
		}
		return int64(x), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case []byte:
		return string(x), nil
	}
	return nil, fmt.Errorf("value of type %T is not comparable", v)
}

func equal(a, b interface{}) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return false, mismatch(a, b)
		}
		return x == y, nil
	case bool:
		y, ok := b.(bool)
		if !ok {
			return false, mismatch(a, b)
		}
		return x == y, nil
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y, nil
		case float64:
			return float64(x) == y, nil
		}
		return false, mismatch(a, b)
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y), nil
		case float64:
			return x == y, nil
		}
		return false, mismatch(a, b)
	}
	return false, mismatch(a, b)
}

func order(a, b interface{}) (int, error) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, mismatch(a, b)
		}
		return strings.Compare(x, y), nil
	case int64, float64:
		af, _ := numeric(a)
		bf, ok := numeric(b)
		if !ok {
			return 0, mismatch(a, b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	case bool:
		return 0, fmt.Errorf("booleans do not order")
	}
	return 0, mismatch(a, b)
}

func numeric(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func mismatch(a, b interface{}) error {
	return fmt.Errorf("cannot compare %T with %T", a, b)
}
