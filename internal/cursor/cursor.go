// Package cursor encodes and decodes keyset paging cursors. A cursor
// is opaque base64-encoded JSON carrying the return type, the order
// columns it was minted over, and string-coerced row values, so a
// stale or foreign cursor fails validation instead of seeking a wrong
// window.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"sqlstencil/internal/ir"

	"github.com/google/uuid"
)

const version = 1

type payload struct {
	Version    int      `json:"v"`
	TypeName   string   `json:"t"`
	Columns    []string `json:"c"`
	Directions []string `json:"d"`
	Values     []string `json:"vals"`
}

// Cursor is a decoded keyset position.
type Cursor struct {
	TypeName   string
	Columns    []string
	Directions []string
	Values     []string
}

// Encode builds an opaque cursor for a row's position in the given
// order. Values are string-coerced for JSON safety (avoids
// float64→int64 precision loss).
func Encode(typeName string, orderBy []ir.OrderColumn, values ...interface{}) string {
	columns := make([]string, len(orderBy))
	directions := make([]string, len(orderBy))
	for i, oc := range orderBy {
		columns[i] = oc.Column
		directions[i] = direction(oc)
	}
	stringValues := make([]string, 0, len(values))
	for _, v := range values {
		stringValues = append(stringValues, coerceToString(v))
	}
	data, err := json.Marshal(payload{
		Version:    version,
		TypeName:   typeName,
		Columns:    columns,
		Directions: directions,
		Values:     stringValues,
	})
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// Decode parses a base64-encoded JSON cursor into its components.
func Decode(raw string) (*Cursor, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid cursor format")
	}
	if p.Version != version {
		return nil, fmt.Errorf("invalid cursor format: expected v%d cursor", version)
	}
	if p.TypeName == "" || len(p.Columns) == 0 {
		return nil, fmt.Errorf("invalid cursor: missing type or order columns")
	}
	if len(p.Directions) != len(p.Columns) {
		return nil, fmt.Errorf("invalid cursor: direction count mismatch for order columns")
	}
	for i, d := range p.Directions {
		d = strings.ToUpper(d)
		if d != "ASC" && d != "DESC" {
			return nil, fmt.Errorf("invalid cursor: direction %d must be ASC or DESC", i)
		}
		p.Directions[i] = d
	}
	if len(p.Values) != len(p.Columns) {
		return nil, fmt.Errorf("invalid cursor: value count mismatch for order columns")
	}
	return &Cursor{
		TypeName:   p.TypeName,
		Columns:    p.Columns,
		Directions: p.Directions,
		Values:     p.Values,
	}, nil
}

// Validate confirms the cursor was minted for the expected type and
// the operation's fixed order.
func (c *Cursor) Validate(expectedType string, expectedOrder []ir.OrderColumn) error {
	if c.TypeName != expectedType {
		return fmt.Errorf("cursor type mismatch: expected %s, got %s", expectedType, c.TypeName)
	}
	if len(c.Columns) != len(expectedOrder) {
		return fmt.Errorf("cursor order mismatch: expected %d columns, got %d", len(expectedOrder), len(c.Columns))
	}
	for i, oc := range expectedOrder {
		if c.Columns[i] != oc.Column {
			return fmt.Errorf("cursor order mismatch at position %d: expected %s, got %s", i, oc.Column, c.Columns[i])
		}
		if c.Directions[i] != direction(oc) {
			return fmt.Errorf("cursor direction mismatch at position %d: expected %s, got %s", i, direction(oc), c.Directions[i])
		}
	}
	return nil
}

// ParseValues converts the string-coerced values into bindable Go
// values based on the order columns' scalar kinds.
func (c *Cursor) ParseValues(scalars []ir.Scalar) ([]interface{}, error) {
	if len(scalars) != len(c.Values) {
		return nil, fmt.Errorf("cursor value count mismatch: expected %d, got %d", len(scalars), len(c.Values))
	}
	result := make([]interface{}, len(c.Values))
	for i, sv := range c.Values {
		parsed, err := parseValue(scalars[i], sv)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor value for %s: %w", c.Columns[i], err)
		}
		result[i] = parsed
	}
	return result, nil
}

func direction(oc ir.OrderColumn) string {
	if oc.Desc {
		return "DESC"
	}
	return "ASC"
}

func parseValue(scalar ir.Scalar, raw string) (interface{}, error) {
	switch scalar {
	case ir.ScalarInt:
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer")
		}
		return parsed, nil
	case ir.ScalarFloat:
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return nil, fmt.Errorf("not a finite number")
		}
		return parsed, nil
	case ir.ScalarID:
		// Numeric ids bind as integers, anything else as the raw string.
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return parsed, nil
		}
		return raw, nil
	case ir.ScalarUUID:
		if _, err := uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("not a UUID")
		}
		return raw, nil
	case ir.ScalarBoolean, ir.ScalarJSON:
		return nil, fmt.Errorf("scalar %s does not order", scalar)
	default:
		// String, DateTime, Date, Time and Decimal bind as their
		// string form; the backend compares them in column collation.
		return raw, nil
	}
}

func coerceToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case int:
		return fmt.Sprintf("%d", val)
	case int32:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case uint:
		return fmt.Sprintf("%d", val)
	case uint32:
		return fmt.Sprintf("%d", val)
	case uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return fmt.Sprintf("%g", val)
	case float64:
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
