package sqltype

import (
	"testing"

	"sqlstencil/internal/ir"
)

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		sqlType string
		want    Family
	}{
		{"bigint(20)", FamilyInt},
		{"INT", FamilyInt},
		{"tinyint(1)", FamilyInt},
		{"double", FamilyFloat},
		{"decimal(10,2)", FamilyDecimal},
		{"BOOLEAN", FamilyBoolean},
		{"json", FamilyJSON},
		{"datetime(6)", FamilyDateTime},
		{"timestamp", FamilyDateTime},
		{"date", FamilyDate},
		{"time(3)", FamilyTime},
		{"binary(16)", FamilyBinary},
		{"varchar(255)", FamilyString},
		{"enum('a','b')", FamilyString},
		{"geometry", FamilyString},
	}

	for _, tt := range tests {
		t.Run(tt.sqlType, func(t *testing.T) {
			if got := FamilyOf(tt.sqlType); got != tt.want {
				t.Errorf("FamilyOf(%q) = %v, want %v", tt.sqlType, got, tt.want)
			}
		})
	}
}

func TestMapScalar(t *testing.T) {
	tests := []struct {
		sqlType string
		want    ir.Scalar
	}{
		{"bigint(20)", ir.ScalarInt},
		{"decimal(12,4)", ir.ScalarDecimal},
		{"double", ir.ScalarFloat},
		{"json", ir.ScalarJSON},
		{"datetime", ir.ScalarDateTime},
		{"date", ir.ScalarDate},
		{"varchar(64)", ir.ScalarString},
	}

	for _, tt := range tests {
		if got := MapScalar(tt.sqlType); got != tt.want {
			t.Errorf("MapScalar(%q) = %v, want %v", tt.sqlType, got, tt.want)
		}
	}
}

func TestCompatibleWithScalar(t *testing.T) {
	tests := []struct {
		name    string
		sqlType string
		scalar  ir.Scalar
		want    bool
	}{
		{"int backs Int", "bigint(20)", ir.ScalarInt, true},
		{"varchar does not back Int", "varchar(32)", ir.ScalarInt, false},
		{"int backs ID", "bigint(20)", ir.ScalarID, true},
		{"varchar backs ID", "varchar(32)", ir.ScalarID, true},
		{"binary backs UUID", "binary(16)", ir.ScalarUUID, true},
		{"char backs UUID", "char(36)", ir.ScalarUUID, true},
		{"int does not back UUID", "int", ir.ScalarUUID, false},
		{"tinyint backs Boolean", "tinyint(1)", ir.ScalarBoolean, true},
		{"decimal backs Float", "decimal(10,2)", ir.ScalarFloat, true},
		{"float does not back Decimal", "double", ir.ScalarDecimal, false},
		{"datetime backs String", "datetime", ir.ScalarString, true},
		{"json backs JSON only", "json", ir.ScalarJSON, true},
		{"varchar does not back JSON", "varchar(255)", ir.ScalarJSON, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompatibleWithScalar(tt.sqlType, tt.scalar); got != tt.want {
				t.Errorf("CompatibleWithScalar(%q, %s) = %v, want %v", tt.sqlType, tt.scalar, got, tt.want)
			}
		})
	}
}

func TestJoinComparable(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"bigint(20)", "int", true},
		{"bigint(20)", "decimal(20,0)", true},
		{"varchar(36)", "char(36)", true},
		{"bigint(20)", "varchar(36)", false},
		{"binary(16)", "binary(16)", true},
		{"datetime", "date", false},
	}

	for _, tt := range tests {
		if got := JoinComparable(tt.a, tt.b); got != tt.want {
			t.Errorf("JoinComparable(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
