package catalog

import "testing"

func TestCatalogLookup(t *testing.T) {
	c := New(
		&Source{Name: "users", Kind: KindTable, Columns: []*Column{
			{Name: "id", SQLType: "bigint"},
			{Name: "email", SQLType: "varchar(255)"},
		}},
		&Source{Name: "v_orders", Kind: KindView},
	)

	src, ok := c.Source("users")
	if !ok {
		t.Fatal("expected users source")
	}
	if _, ok := src.Column("email"); !ok {
		t.Error("expected email column")
	}
	if _, ok := src.Column("missing"); ok {
		t.Error("unexpected column lookup success")
	}
	if _, ok := c.Source("nope"); ok {
		t.Error("unexpected source lookup success")
	}
}

func TestCatalogDuplicateReplaces(t *testing.T) {
	first := &Source{Name: "users", Kind: KindView}
	second := &Source{Name: "users", Kind: KindTable}
	c := New(first, second)

	src, ok := c.Source("users")
	if !ok {
		t.Fatal("expected users source")
	}
	if src.Kind != KindTable {
		t.Errorf("Kind = %q, want %q", src.Kind, KindTable)
	}
	if len(c.Sources()) != 1 {
		t.Errorf("Sources() length = %d, want 1", len(c.Sources()))
	}
}

func TestCatalogMerge(t *testing.T) {
	introspected := New(
		&Source{Name: "users", Kind: KindTable},
		&Source{Name: "orders", Kind: KindTable},
	)
	declared := New(
		&Source{Name: "users", Kind: KindTable, Analytic: true},
	)

	merged := introspected.Merge(declared)
	src, _ := merged.Source("users")
	if !src.Analytic {
		t.Error("declared override should win on merge")
	}
	if len(merged.Sources()) != 2 {
		t.Errorf("Sources() length = %d, want 2", len(merged.Sources()))
	}
}

func TestSourceKindMaterialized(t *testing.T) {
	tests := []struct {
		kind SourceKind
		want bool
	}{
		{KindTable, true},
		{KindMaterialized, true},
		{KindView, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Materialized(); got != tt.want {
			t.Errorf("%s.Materialized() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestHasColumns(t *testing.T) {
	src := &Source{Name: "users", Columns: []*Column{
		{Name: "id"}, {Name: "org_id"},
	}}
	if !src.HasColumns([]string{"id", "org_id"}) {
		t.Error("expected all columns present")
	}
	if src.HasColumns([]string{"id", "tenant_id"}) {
		t.Error("expected missing column to fail")
	}
}

func TestKeyedBy(t *testing.T) {
	src := &Source{
		Name:       "order_items",
		PrimaryKey: []string{"order_id", "line_no"},
		UniqueKeys: [][]string{{"external_ref"}},
		Indexes:    [][]string{{"product_id", "created_at"}},
	}

	tests := []struct {
		columns []string
		want    bool
	}{
		{[]string{"order_id"}, true},
		{[]string{"order_id", "line_no"}, true},
		{[]string{"line_no", "order_id"}, true},
		{[]string{"line_no"}, false},
		{[]string{"external_ref"}, true},
		{[]string{"product_id"}, true},
		{[]string{"created_at"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := src.KeyedBy(tt.columns); got != tt.want {
			t.Errorf("KeyedBy(%v) = %v, want %v", tt.columns, got, tt.want)
		}
	}
}

func TestUniqueOn(t *testing.T) {
	src := &Source{
		Name:       "order_items",
		PrimaryKey: []string{"order_id", "line_no"},
		UniqueKeys: [][]string{{"external_ref"}},
		Indexes:    [][]string{{"product_id"}},
	}

	tests := []struct {
		columns []string
		want    bool
	}{
		{[]string{"order_id", "line_no"}, true},
		{[]string{"line_no", "order_id"}, true},
		{[]string{"order_id"}, false},
		{[]string{"external_ref"}, true},
		{[]string{"product_id"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := src.UniqueOn(tt.columns); got != tt.want {
			t.Errorf("UniqueOn(%v) = %v, want %v", tt.columns, got, tt.want)
		}
	}
}
