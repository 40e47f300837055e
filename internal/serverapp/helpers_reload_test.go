package serverapp

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/config"
	"sqlstencil/internal/dbexec"
	"sqlstencil/internal/registry"
)

func writeTestArtifact(t *testing.T, path, schema string) {
	t.Helper()
	doc := &artifact.Document{
		FormatVersion: artifact.FormatVersion,
		Schema:        schema,
		Preset: artifact.Preset{
			Name:          "standard",
			MaxDepth:      10,
			MaxComplexity: 1000,
			MaxLimit:      100,
			DefaultLimit:  50,
		},
	}
	data, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode artifact: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func testRegistry(t *testing.T, path string) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{Path: path, Logger: testLogger()})
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	return reg
}

func TestArtifactReloadHandler_PostSwapsArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	writeTestArtifact(t, path, "shop")
	reg := testRegistry(t, path)

	writeTestArtifact(t, path, "shop-v2")

	handler := artifactReloadHandler(reg, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "checksum") {
		t.Fatalf("expected checksum in response, got %s", rec.Body.String())
	}
	if got := reg.Artifact().Schema; got != "shop-v2" {
		t.Fatalf("expected reloaded schema shop-v2, got %q", got)
	}
}

func TestArtifactReloadHandler_RejectsNonPost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	writeTestArtifact(t, path, "shop")
	reg := testRegistry(t, path)

	handler := artifactReloadHandler(reg, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/reload", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestArtifactReloadHandler_BadFileKeepsServing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	writeTestArtifact(t, path, "shop")
	reg := testRegistry(t, path)

	if err := os.WriteFile(path, []byte("not an artifact"), 0o644); err != nil {
		t.Fatalf("write corrupt artifact: %v", err)
	}

	handler := artifactReloadHandler(reg, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if got := reg.Artifact().Schema; got != "shop" {
		t.Fatalf("expected previous schema to keep serving, got %q", got)
	}
}

func TestBuildQueryExecutor_SelectsRoleExecutor(t *testing.T) {
	standardCfg := &config.Config{}
	if _, ok := buildQueryExecutor(standardCfg, testLogger(), nil, "shop").(*dbexec.StandardExecutor); !ok {
		t.Fatal("expected standard executor when role execution is off")
	}

	roleCfg := &config.Config{
		Server: config.ServerConfig{
			Auth: config.AuthConfig{
				DBRoleEnabled:    true,
				DBAllowedRoles:   []string{"analyst"},
				DBRoleValidation: true,
			},
		},
	}
	if _, ok := buildQueryExecutor(roleCfg, testLogger(), nil, "shop").(*dbexec.RoleExecutor); !ok {
		t.Fatal("expected role executor when role execution is on")
	}
}
