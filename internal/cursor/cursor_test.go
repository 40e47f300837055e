package cursor

import (
	"encoding/base64"
	"testing"
	"time"

	"sqlstencil/internal/ir"
)

func TestEncodeDecode_Roundtrip(t *testing.T) {
	tests := []struct {
		name     string
		typeName string
		orderBy  []ir.OrderColumn
		values   []interface{}
	}{
		{
			name:     "single int key",
			typeName: "User",
			orderBy:  []ir.OrderColumn{{Column: "id"}},
			values:   []interface{}{int64(42)},
		},
		{
			name:     "multi-column descending",
			typeName: "Order",
			orderBy:  []ir.OrderColumn{{Column: "created_at", Desc: true}, {Column: "id"}},
			values:   []interface{}{time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), int64(7)},
		},
		{
			name:     "string value",
			typeName: "User",
			orderBy:  []ir.OrderColumn{{Column: "email"}},
			values:   []interface{}{"alice@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.typeName, tt.orderBy, tt.values...)
			if encoded == "" {
				t.Fatal("Encode returned empty string")
			}

			c, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if c.TypeName != tt.typeName {
				t.Errorf("typeName: got %q, want %q", c.TypeName, tt.typeName)
			}
			if len(c.Columns) != len(tt.orderBy) {
				t.Fatalf("columns count: got %d, want %d", len(c.Columns), len(tt.orderBy))
			}
			for i, oc := range tt.orderBy {
				if c.Columns[i] != oc.Column {
					t.Errorf("column %d: got %q, want %q", i, c.Columns[i], oc.Column)
				}
				want := "ASC"
				if oc.Desc {
					want = "DESC"
				}
				if c.Directions[i] != want {
					t.Errorf("direction %d: got %q, want %q", i, c.Directions[i], want)
				}
			}
			if len(c.Values) != len(tt.values) {
				t.Fatalf("values count: got %d, want %d", len(c.Values), len(tt.values))
			}
			if err := c.Validate(tt.typeName, tt.orderBy); err != nil {
				t.Errorf("Validate rejected own cursor: %v", err)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name  string
		input string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"invalid json", b64("not-json")},
		{"wrong version", b64(`{"v":9,"t":"User","c":["id"],"d":["ASC"],"vals":["1"]}`)},
		{"missing type", b64(`{"v":1,"c":["id"],"d":["ASC"],"vals":["1"]}`)},
		{"missing columns", b64(`{"v":1,"t":"User","d":["ASC"],"vals":["1"]}`)},
		{"direction count mismatch", b64(`{"v":1,"t":"User","c":["id","email"],"d":["ASC"],"vals":["1","a"]}`)},
		{"bad direction", b64(`{"v":1,"t":"User","c":["id"],"d":["SIDEWAYS"],"vals":["1"]}`)},
		{"value count mismatch", b64(`{"v":1,"t":"User","c":["id"],"d":["ASC"],"vals":[]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.input); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_Mismatches(t *testing.T) {
	order := []ir.OrderColumn{{Column: "created_at", Desc: true}, {Column: "id"}}
	encoded := Encode("Order", order, "2024-01-15T10:30:00Z", int64(7))
	c, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if err := c.Validate("User", order); err == nil {
		t.Error("expected type mismatch error")
	}
	if err := c.Validate("Order", []ir.OrderColumn{{Column: "id"}}); err == nil {
		t.Error("expected column count mismatch error")
	}
	if err := c.Validate("Order", []ir.OrderColumn{{Column: "updated_at", Desc: true}, {Column: "id"}}); err == nil {
		t.Error("expected column name mismatch error")
	}
	if err := c.Validate("Order", []ir.OrderColumn{{Column: "created_at"}, {Column: "id"}}); err == nil {
		t.Error("expected direction mismatch error")
	}
}

func TestParseValues(t *testing.T) {
	t.Run("scalar coercion", func(t *testing.T) {
		c := &Cursor{
			Columns: []string{"total", "score", "id", "ref", "name"},
			Values:  []string{"42", "3.14", "7", "6b1e8cb0-7a2f-4dd8-9c3b-1f2a3b4c5d6e", "alice"},
		}
		parsed, err := c.ParseValues([]ir.Scalar{ir.ScalarInt, ir.ScalarFloat, ir.ScalarID, ir.ScalarUUID, ir.ScalarString})
		if err != nil {
			t.Fatalf("ParseValues error: %v", err)
		}
		if parsed[0] != int64(42) {
			t.Errorf("int: got %#v", parsed[0])
		}
		if parsed[1] != 3.14 {
			t.Errorf("float: got %#v", parsed[1])
		}
		if parsed[2] != int64(7) {
			t.Errorf("numeric id: got %#v", parsed[2])
		}
		if parsed[3] != "6b1e8cb0-7a2f-4dd8-9c3b-1f2a3b4c5d6e" {
			t.Errorf("uuid: got %#v", parsed[3])
		}
		if parsed[4] != "alice" {
			t.Errorf("string: got %#v", parsed[4])
		}
	})

	t.Run("string id stays a string", func(t *testing.T) {
		c := &Cursor{Columns: []string{"id"}, Values: []string{"usr_abc"}}
		parsed, err := c.ParseValues([]ir.Scalar{ir.ScalarID})
		if err != nil {
			t.Fatalf("ParseValues error: %v", err)
		}
		if parsed[0] != "usr_abc" {
			t.Errorf("got %#v", parsed[0])
		}
	})

	t.Run("rejects bad values", func(t *testing.T) {
		cases := []struct {
			scalar ir.Scalar
			value  string
		}{
			{ir.ScalarInt, "abc"},
			{ir.ScalarFloat, "NaN"},
			{ir.ScalarUUID, "not-a-uuid"},
			{ir.ScalarBoolean, "true"},
			{ir.ScalarJSON, "{}"},
		}
		for _, tc := range cases {
			c := &Cursor{Columns: []string{"x"}, Values: []string{tc.value}}
			if _, err := c.ParseValues([]ir.Scalar{tc.scalar}); err == nil {
				t.Errorf("expected error for %s value %q", tc.scalar, tc.value)
			}
		}
	})

	t.Run("count mismatch", func(t *testing.T) {
		c := &Cursor{Columns: []string{"id"}, Values: []string{"1"}}
		if _, err := c.ParseValues(nil); err == nil {
			t.Error("expected count mismatch error")
		}
	})
}
