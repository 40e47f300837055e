//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"sqlstencil/internal/catalog"
	"sqlstencil/internal/compile"
	"sqlstencil/internal/config"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/serverapp"

	"github.com/stretchr/testify/require"
)

func requireIntegrationEnv(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("STENCIL_TEST_HOST") == "" {
		t.Skip("Test backend credentials not set")
	}
}

func testBackendPort(t *testing.T) int {
	t.Helper()
	port, err := strconv.Atoi(getEnvOrDefault("STENCIL_TEST_PORT", "4000"))
	require.NoError(t, err)
	return port
}

// compileToFile compiles a schema against a catalog and writes the
// encoded artifact into a temp directory, returning its path and
// checksum.
func compileToFile(t *testing.T, schema *ir.Schema, cat *catalog.Catalog) (string, string) {
	t.Helper()
	encoded, checksum := compileSchema(t, schema, cat)
	path := filepath.Join(t.TempDir(), "schema.stencil")
	writeArtifactFile(t, path, encoded)
	return path, checksum
}

func compileSchema(t *testing.T, schema *ir.Schema, cat *catalog.Catalog) ([]byte, string) {
	t.Helper()
	c, err := compile.Run(schema, cat, compile.Options{})
	require.NoError(t, err)
	return c.Encoded, c.Document.Checksum
}

// writeArtifactFile replaces the artifact via rename, the way the
// compiler command does, so a watching registry never reads a partial
// document.
func writeArtifactFile(t *testing.T, path string, encoded []byte) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, encoded, 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func introspectCatalog(t *testing.T, db *sql.DB, databaseName string) *catalog.Catalog {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cat, err := catalog.Introspect(ctx, db, databaseName)
	require.NoError(t, err)
	return cat
}

// appConfig builds the server configuration an in-process App runs
// under, pointing at one scratch database and one artifact file.
func appConfig(t *testing.T, databaseName string, port int, artifactPath string) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Host:     os.Getenv("STENCIL_TEST_HOST"),
			Port:     testBackendPort(t),
			User:     testUserWithPrefix(),
			Password: os.Getenv("STENCIL_TEST_PASSWORD"),
			Database: databaseName,
			TLS: config.DatabaseTLSConfig{
				Mode: getEnvOrDefault("STENCIL_TEST_TLS_MODE", "skip-verify"),
			},
			Pool: config.PoolConfig{
				MaxOpen:     5,
				MaxIdle:     2,
				MaxLifetime: 5 * time.Minute,
			},
			ConnectionTimeout:       10 * time.Second,
			ConnectionRetryInterval: 500 * time.Millisecond,
		},
		Server: config.ServerConfig{
			Port:         port,
			ArtifactPath: artifactPath,
			// Long poll intervals keep background reloads out of the
			// way; tests trigger reloads through /admin/reload.
			ReloadMinInterval:  time.Minute,
			ReloadMaxInterval:  5 * time.Minute,
			SecurityProfile:    "standard",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			IdleTimeout:        30 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			HealthCheckTimeout: 5 * time.Second,
			TLSMode:            "off",
		},
		Observability: config.ObservabilityConfig{
			ServiceName:    "sqlstencil",
			ServiceVersion: "test",
			Environment:    "test",
			Logging: config.LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// startApp initializes and starts an in-process server, waiting until
// its health endpoint answers. Shutdown is registered on the test.
func startApp(t *testing.T, cfg *config.Config) *serverapp.App {
	t.Helper()

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	app, err := serverapp.New(cfg, logger)
	require.NoError(t, err)

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	require.NoError(t, app.Init(initCtx))

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			t.Logf("Warning: app shutdown: %v", err)
		}
	})

	_, err = app.Start()
	require.NoError(t, err)

	waitForHealthy(t, cfg.Server.Port)
	return app
}

func waitForHealthy(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
	}
	t.Fatalf("Server did not become ready within 10 seconds")
}

// startTestServer builds the server command and runs it as a separate
// process, for tests that exercise process-level behavior like signal
// handling. extraEnv entries override the base environment.
func startTestServer(t *testing.T, binaryName string, port int, extraEnv ...string) (*exec.Cmd, func()) {
	t.Helper()

	buildCmd := exec.Command("go", "build", "-o", binaryName, "../../cmd/server")
	err := buildCmd.Run()
	require.NoError(t, err, "Failed to build server")

	cmd := exec.Command(binaryName)
	baseEnv := append(os.Environ(), baseServerEnv()...)
	baseEnv = append(baseEnv, fmt.Sprintf("STENCIL_SERVER_PORT=%d", port))
	cmd.Env = mergeEnv(baseEnv, extraEnv...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Start()
	require.NoError(t, err)

	cleanup := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = os.Remove(binaryName)
	}
	t.Cleanup(cleanup)

	waitForHealthyWithLogs(t, port, &stdout, &stderr, cmd.Env)

	return cmd, cleanup
}

func waitForHealthyWithLogs(t *testing.T, port int, stdout, stderr *bytes.Buffer, env []string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
	}
	t.Fatalf("Server did not become ready within 10 seconds.\n%s", formatServerDebugInfo(stdout, stderr, env))
}

func mergeEnv(base []string, overrides ...string) []string {
	if len(overrides) == 0 {
		return base
	}

	overrideKeys := make(map[string]struct{}, len(overrides))
	for _, kv := range overrides {
		key := strings.SplitN(kv, "=", 2)[0]
		overrideKeys[key] = struct{}{}
	}

	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := strings.SplitN(kv, "=", 2)[0]
		if _, exists := overrideKeys[key]; exists {
			continue
		}
		merged = append(merged, kv)
	}
	merged = append(merged, overrides...)
	return merged
}

func formatServerDebugInfo(stdout, stderr *bytes.Buffer, env []string) string {
	envLines := filterEnv(env, "STENCIL_DATABASE_", "STENCIL_SERVER_", "STENCIL_OBSERVABILITY_")
	return fmt.Sprintf("Environment:\n%s\nSTDOUT:\n%s\nSTDERR:\n%s",
		strings.Join(envLines, "\n"),
		tailString(stdout, 4000),
		tailString(stderr, 4000),
	)
}

// filterEnv keeps variables under the given prefixes. Values may hold
// credentials; debug output is only ever printed on test failure.
func filterEnv(env []string, prefixes ...string) []string {
	if len(env) == 0 {
		return nil
	}
	var filtered []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "STENCIL_DATABASE_PASSWORD=") {
			filtered = append(filtered, "STENCIL_DATABASE_PASSWORD=***")
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(kv, prefix) {
				filtered = append(filtered, kv)
				break
			}
		}
	}
	return filtered
}

func tailString(buf *bytes.Buffer, max int) string {
	if buf == nil {
		return ""
	}
	s := buf.String()
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func graphqlURL(port int) string {
	return fmt.Sprintf("http://localhost:%d/graphql", port)
}

// postGraphQL sends one query to a GraphQL endpoint. token may be empty
// for anonymous requests.
func postGraphQL(t *testing.T, endpoint, token, query string) graphQLResponse {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"query": query})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var gqlResp graphQLResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gqlResp))
	return gqlResp
}

func requireNoGraphQLErrors(t *testing.T, resp graphQLResponse) {
	t.Helper()
	require.Empty(t, resp.Errors)
}

func requireGraphQLErrorContains(t *testing.T, resp graphQLResponse, substr string) {
	t.Helper()
	if hasErrorContaining(resp, substr) {
		return
	}
	t.Fatalf("expected an error containing %q, got %+v", substr, resp.Errors)
}

func hasErrorContaining(resp graphQLResponse, substr string) bool {
	for _, err := range resp.Errors {
		if strings.Contains(err.Message, substr) {
			return true
		}
	}
	return false
}

// dataMap decodes the response data into a generic map.
func dataMap(t *testing.T, resp graphQLResponse) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, resp.Data, "response carries no data")
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	return data
}

// pageItems digs the items list out of a paged operation's result.
func pageItems(t *testing.T, resp graphQLResponse, field string) []interface{} {
	t.Helper()
	data := dataMap(t, resp)
	page, ok := data[field].(map[string]interface{})
	require.True(t, ok, "field %s is not a page object", field)
	items, ok := page["items"].([]interface{})
	require.True(t, ok, "field %s has no items list", field)
	return items
}
