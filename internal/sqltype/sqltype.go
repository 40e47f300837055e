// Package sqltype maps SQL column types to logical scalar kinds and
// answers the compatibility questions validation asks: may a declared
// field scalar be backed by this column, and may two columns serve as a
// join key pair.
package sqltype

import (
	"strings"

	"sqlstencil/internal/ir"
)

// Family is the comparison family of a SQL type. Join keys must share a
// family; declared scalars must be backable by at least one family.
type Family int

const (
	FamilyString Family = iota
	FamilyInt
	FamilyFloat
	FamilyDecimal
	FamilyBoolean
	FamilyJSON
	FamilyDateTime
	FamilyDate
	FamilyTime
	FamilyBinary
)

// baseType strips size specifiers like (10,2) or (255) and uppercases,
// handling both DATA_TYPE and COLUMN_TYPE spellings.
func baseType(sqlType string) string {
	if idx := strings.Index(sqlType, "("); idx != -1 {
		sqlType = sqlType[:idx]
	}
	return strings.ToUpper(strings.TrimSpace(sqlType))
}

// FamilyOf buckets a SQL type into its comparison family. Unknown types
// fall back to the string family, matching how backends coerce them.
func FamilyOf(sqlType string) Family {
	switch baseType(sqlType) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "SERIAL", "BIT", "YEAR":
		return FamilyInt
	case "FLOAT", "DOUBLE":
		return FamilyFloat
	case "DECIMAL", "NUMERIC":
		return FamilyDecimal
	case "BOOL", "BOOLEAN":
		return FamilyBoolean
	case "JSON":
		return FamilyJSON
	case "DATETIME", "TIMESTAMP":
		return FamilyDateTime
	case "DATE":
		return FamilyDate
	case "TIME":
		return FamilyTime
	case "BINARY", "VARBINARY", "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB":
		return FamilyBinary
	default:
		return FamilyString
	}
}

// MapScalar returns the default logical scalar for a SQL type.
func MapScalar(sqlType string) ir.Scalar {
	switch FamilyOf(sqlType) {
	case FamilyInt:
		return ir.ScalarInt
	case FamilyFloat:
		return ir.ScalarFloat
	case FamilyDecimal:
		return ir.ScalarDecimal
	case FamilyBoolean:
		return ir.ScalarBoolean
	case FamilyJSON:
		return ir.ScalarJSON
	case FamilyDateTime:
		return ir.ScalarDateTime
	case FamilyDate:
		return ir.ScalarDate
	case FamilyTime:
		return ir.ScalarTime
	default:
		return ir.ScalarString
	}
}

// CompatibleWithScalar reports whether a column of sqlType can back a
// field declared with the given scalar. The check is permissive where
// backends are: ID accepts integer and string keys, UUID accepts
// char/binary storage, Decimal accepts exact numerics.
func CompatibleWithScalar(sqlType string, s ir.Scalar) bool {
	fam := FamilyOf(sqlType)
	switch s {
	case ir.ScalarInt:
		return fam == FamilyInt
	case ir.ScalarFloat:
		return fam == FamilyFloat || fam == FamilyDecimal || fam == FamilyInt
	case ir.ScalarDecimal:
		return fam == FamilyDecimal || fam == FamilyInt
	case ir.ScalarBoolean:
		// MySQL booleans are tinyint(1) underneath.
		return fam == FamilyBoolean || baseType(sqlType) == "TINYINT"
	case ir.ScalarJSON:
		return fam == FamilyJSON
	case ir.ScalarDateTime:
		return fam == FamilyDateTime
	case ir.ScalarDate:
		return fam == FamilyDate || fam == FamilyDateTime
	case ir.ScalarTime:
		return fam == FamilyTime
	case ir.ScalarUUID:
		return fam == FamilyString || fam == FamilyBinary
	case ir.ScalarID:
		return fam == FamilyInt || fam == FamilyString || fam == FamilyBinary
	case ir.ScalarString:
		return fam == FamilyString || fam == FamilyDate || fam == FamilyDateTime || fam == FamilyTime || fam == FamilyBinary
	default:
		return false
	}
}

// JoinComparable reports whether two column types may form a join key
// pair. Exact and approximate numerics interoperate; everything else
// requires the same family.
func JoinComparable(a, b string) bool {
	fa, fb := FamilyOf(a), FamilyOf(b)
	if fa == fb {
		return true
	}
	numeric := func(f Family) bool {
		return f == FamilyInt || f == FamilyFloat || f == FamilyDecimal
	}
	return numeric(fa) && numeric(fb)
}
