package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"sqlstencil/internal/catalog"
	"sqlstencil/internal/config"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/logging"
)

func TestBuildCatalog_DeclaredSources(t *testing.T) {
	schema := &ir.Schema{
		Name: "shop",
		Sources: []*catalog.Source{
			{
				Name: "users",
				Kind: catalog.KindTable,
				Columns: []*catalog.Column{
					{Name: "id", SQLType: "bigint"},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}

	cat, err := buildCatalog(context.Background(), &config.Config{}, logging.Discard(), schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cat.Source("users"); !ok {
		t.Fatal("expected declared source in catalog")
	}
}

func TestBuildCatalog_NoSourcesNoDatabaseFails(t *testing.T) {
	schema := &ir.Schema{Name: "shop"}

	_, err := buildCatalog(context.Background(), &config.Config{}, logging.Discard(), schema)
	if err == nil {
		t.Fatal("expected error without sources or database")
	}
}

func TestWriteArtifact_ReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "schema.json")

	if err := writeArtifact(path, []byte("first")); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := writeArtifact(path, []byte("second")); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected replaced content, got %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be gone")
	}
}
