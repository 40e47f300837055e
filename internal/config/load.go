// Package config loads configuration from files, env vars, and flags, and validates it.
// The compiler and server commands share one document; each reads its sections.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var defineFlagsOnce sync.Once

// Load assembles the configuration. Precedence, highest first:
// explicit overrides (resolved secrets), command line flags,
// environment variables, the config file, then defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	defineFlags()
	if !pflag.Parsed() {
		pflag.Parse()
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Env vars mirror the canonical dotted keys:
	// database.pool.max_open becomes STENCIL_DATABASE_POOL_MAX_OPEN.
	v.SetEnvPrefix("STENCIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(v)

	if err := validateSingleStdinFileSource(v); err != nil {
		return nil, err
	}
	if err := resolveSecrets(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper) error {
	cfgPath, _ := pflag.CommandLine.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("sqlstencil")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sqlstencil/")
		v.AddConfigPath("$HOME/.sqlstencil")
		v.AddConfigPath(".")
	}

	err := v.ReadInConfig()
	switch {
	case err == nil:
		return nil
	case cfgPath != "":
		// An explicitly named file must exist.
		return fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
	default:
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
}

// resolveSecrets fills secret-bearing keys from their *_file companions
// (or an interactive prompt) when the direct value is unset. These land
// as explicit overrides so nothing later can shadow them.
func resolveSecrets(v *viper.Viper) error {
	fileBacked := []struct {
		key      string
		fileKey  string
		label    string
		required bool
	}{
		{key: "database.dsn", fileKey: "database.dsn_file", label: "database DSN"},
		{key: "database.password", fileKey: "database.password_file", label: "database password"},
		{key: "server.admin.auth_token", fileKey: "server.admin.auth_token_file", label: "admin auth token", required: true},
	}

	for _, s := range fileBacked {
		if v.GetString(s.key) != "" || v.GetString(s.fileKey) == "" {
			continue
		}
		path := v.GetString(s.fileKey)
		value, err := readSecretFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s file: %w", s.label, err)
		}
		if value == "" && s.required {
			return fmt.Errorf("%s file %q is empty", s.label, path)
		}
		v.Set(s.key, value)
	}

	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}
	return nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(v *viper.Viper) {
	cl := pflag.CommandLine
	cl.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}

		var val any
		var err error
		switch f.Value.Type() {
		case "string":
			val, err = cl.GetString(f.Name)
		case "int":
			val, err = cl.GetInt(f.Name)
		case "bool":
			val, err = cl.GetBool(f.Name)
		case "float64":
			val, err = cl.GetFloat64(f.Name)
		case "duration":
			val, err = cl.GetDuration(f.Name)
		case "stringSlice":
			val, err = cl.GetStringSlice(f.Name)
		default:
			val = f.Value.String()
		}
		if err == nil {
			v.Set(f.Name, val)
		}
	})
}

// Flag kinds for the declarative flag table.
const (
	flagString = iota
	flagInt
	flagBool
	flagBoolOnByDefault
	flagFloat
	flagDuration
	flagStringSlice
)

type flagSpec struct {
	kind  int
	key   string
	usage string
}

var flagSpecs = []flagSpec{
	// Database connection
	{flagString, "database.dsn", "Complete MySQL DSN (user:pass@tcp(host:port)/db)"},
	{flagString, "database.dsn_file", "Path to file containing database DSN (use @- for stdin)"},
	{flagString, "database.host", "Database host"},
	{flagInt, "database.port", "Database port"},
	{flagString, "database.user", "Database user"},
	{flagString, "database.password", "Database password"},
	{flagString, "database.password_file", "Path to file containing database password (use @- for stdin)"},
	{flagBool, "database.password_prompt", "Prompt for database password securely"},
	{flagString, "database.database", "Database name"},

	// Database TLS
	{flagString, "database.tls.mode", "TLS mode (off, skip-verify, verify-ca, verify-full)"},
	{flagString, "database.tls.ca_file", "Path to CA certificate for server verification"},
	{flagString, "database.tls.ca_file_env", "Env var containing CA certificate path"},
	{flagString, "database.tls.cert_file", "Path to client certificate for mTLS"},
	{flagString, "database.tls.cert_file_env", "Env var containing client certificate path"},
	{flagString, "database.tls.key_file", "Path to client private key for mTLS"},
	{flagString, "database.tls.key_file_env", "Env var containing client key path"},
	{flagString, "database.tls.server_name", "Override TLS server name for verification"},

	// Database pool
	{flagInt, "database.pool.max_open", "Maximum open database connections"},
	{flagInt, "database.pool.max_idle", "Maximum idle connections in pool"},
	{flagDuration, "database.pool.max_lifetime", "Connection max lifetime (e.g. 5m, 30s)"},
	{flagDuration, "database.connection_timeout", "Max time to wait for database on startup (0 = fail immediately)"},
	{flagDuration, "database.connection_retry_interval", "Initial interval between connection retries"},

	// Compiler
	{flagString, "compiler.schema_path", "Schema document to compile"},
	{flagString, "compiler.output_path", "Destination for the encoded artifact"},
	{flagString, "compiler.preset", "Budget preset (permissive, standard, strict)"},
	{flagString, "compiler.strictness", "Diagnostic strictness (warn, error)"},
	{flagInt, "compiler.base_cost", "Complexity base cost override (0 = preset weight)"},
	{flagInt, "compiler.field_cost", "Complexity field cost override (0 = preset weight)"},
	{flagInt, "compiler.depth_cost", "Complexity depth cost override (0 = preset weight)"},

	// Server
	{flagInt, "server.port", "HTTP server port"},
	{flagString, "server.artifact_path", "Compiled artifact the server loads and watches"},
	{flagDuration, "server.reload_min_interval", "Minimum interval between artifact reload checks"},
	{flagDuration, "server.reload_max_interval", "Maximum interval between artifact reload checks"},
	{flagString, "server.security_profile", "Response redaction profile (standard, regulated)"},
	{flagBool, "server.partial_results", "Serve per-field errors alongside surviving data"},
	{flagBool, "server.graphiql_enabled", "Enable GraphiQL UI for /graphql (dev only)"},
	{flagBool, "server.auth.oidc_enabled", "Enable OIDC/JWKS authentication middleware"},
	{flagString, "server.auth.oidc_issuer_url", "OIDC issuer URL (for discovery and JWKS)"},
	{flagString, "server.auth.oidc_audience", "Expected JWT audience (client ID)"},
	{flagDuration, "server.auth.oidc_clock_skew", "Allowed JWT clock skew (e.g. 2m)"},
	{flagBool, "server.auth.oidc_skip_tls_verify", "Skip TLS verification for OIDC provider (dev only)"},
	{flagBool, "server.auth.db_role_enabled", "Execute statements under SET ROLE for the caller's role attribute"},
	{flagStringSlice, "server.auth.db_allowed_roles", "Database roles requests may assume (comma-separated or repeated)"},
	{flagBoolOnByDefault, "server.auth.db_role_validation", "Reject roles outside the allowed list before executing"},
	{flagBool, "server.admin.reload_enabled", "Enable /admin/reload endpoint"},
	{flagString, "server.admin.auth_token", "Shared secret required in X-Admin-Token header for the admin endpoint"},
	{flagString, "server.admin.auth_token_file", "Path to file containing admin auth token (use @- for stdin)"},
	{flagBool, "server.rate_limit_enabled", "Enable global rate limiting for all HTTP endpoints"},
	{flagFloat, "server.rate_limit_rps", "Global rate limit requests per second"},
	{flagInt, "server.rate_limit_burst", "Global rate limit burst size"},
	{flagBool, "server.cors_enabled", "Enable CORS (Cross-Origin Resource Sharing)"},
	{flagStringSlice, "server.cors_allowed_origins", "Allowed CORS origins (comma-separated or repeated)"},
	{flagStringSlice, "server.cors_allowed_methods", "Allowed CORS methods (comma-separated or repeated)"},
	{flagStringSlice, "server.cors_allowed_headers", "Allowed CORS headers (comma-separated or repeated)"},
	{flagStringSlice, "server.cors_expose_headers", "CORS headers to expose to browser (comma-separated or repeated)"},
	{flagBool, "server.cors_allow_credentials", "Allow credentials in CORS requests"},
	{flagInt, "server.cors_max_age", "CORS preflight cache duration (seconds)"},
	{flagDuration, "server.read_timeout", "HTTP server read timeout"},
	{flagDuration, "server.write_timeout", "HTTP server write timeout"},
	{flagDuration, "server.idle_timeout", "HTTP server idle timeout"},
	{flagDuration, "server.shutdown_timeout", "HTTP server graceful shutdown timeout"},
	{flagDuration, "server.health_check_timeout", "Health check timeout"},

	// Server TLS
	{flagString, "server.tls_mode", "TLS mode: off, auto (self-signed), file (default: off)"},
	{flagString, "server.tls_cert_file", "Path to TLS certificate file (for file mode)"},
	{flagString, "server.tls_key_file", "Path to TLS private key file (for file mode)"},
	{flagString, "server.tls_auto_cert_dir", "Directory for auto-generated certificates (default: .tls)"},

	// Observability
	{flagString, "observability.service_name", "Service name for observability"},
	{flagString, "observability.service_version", "Service version for observability"},
	{flagString, "observability.environment", "Environment name (dev, staging, prod)"},
	{flagBool, "observability.metrics_enabled", "Enable metrics collection"},
	{flagBool, "observability.tracing_enabled", "Enable distributed tracing"},
	{flagFloat, "observability.trace_sample_ratio", "Trace sampling ratio from 0.0 to 1.0"},
	{flagBool, "observability.sqlcommenter_enabled", "Inject trace context into SQL queries"},
	{flagString, "observability.logging.level", "Log level (debug, info, warn, error)"},
	{flagString, "observability.logging.format", "Log format (json, text)"},
	{flagBool, "observability.logging.exports_enabled", "Enable OTLP log export"},

	// OTLP, shared by all signals
	{flagString, "observability.otlp.endpoint", "OTLP endpoint for all signals (e.g., localhost:4317)"},
	{flagString, "observability.otlp.protocol", "OTLP protocol for all signals (grpc, http/protobuf)"},
	{flagBool, "observability.otlp.insecure", "Use insecure connection (no TLS)"},
	{flagString, "observability.otlp.tls_cert_file", "Path to TLS certificate file for server verification"},
	{flagString, "observability.otlp.tls_client_cert_file", "Path to client certificate file for mTLS"},
	{flagString, "observability.otlp.tls_client_key_file", "Path to client key file for mTLS"},
	{flagDuration, "observability.otlp.timeout", "OTLP export timeout"},
	{flagString, "observability.otlp.compression", "OTLP compression (none, gzip)"},
	{flagBool, "observability.otlp.retry_enabled", "Enable retry on transient errors"},
	{flagInt, "observability.otlp.retry_max_attempts", "Maximum retry attempts"},

	// OTLP, per-signal overrides
	{flagString, "observability.traces.endpoint", "OTLP endpoint for traces only"},
	{flagString, "observability.traces.protocol", "OTLP protocol for traces (grpc, http/protobuf)"},
	{flagBool, "observability.traces.insecure", "Use insecure connection for traces"},
	{flagDuration, "observability.traces.timeout", "Timeout for trace exports"},
	{flagString, "observability.logs.endpoint", "OTLP endpoint for logs only"},
	{flagString, "observability.logs.protocol", "OTLP protocol for logs (grpc, http/protobuf)"},
	{flagBool, "observability.logs.insecure", "Use insecure connection for logs"},
	{flagDuration, "observability.logs.timeout", "Timeout for log exports"},
	{flagString, "observability.metrics.endpoint", "OTLP endpoint for metrics only"},
	{flagBool, "observability.metrics.insecure", "Use insecure connection for metrics"},
	{flagDuration, "observability.metrics.timeout", "Timeout for metric exports"},
}

// defineFlags registers every command line flag under its canonical
// dotted snake_case key.
func defineFlags() {
	defineFlagsOnce.Do(func() {
		for _, f := range flagSpecs {
			switch f.kind {
			case flagString:
				pflag.String(f.key, "", f.usage)
			case flagInt:
				pflag.Int(f.key, 0, f.usage)
			case flagBool:
				pflag.Bool(f.key, false, f.usage)
			case flagBoolOnByDefault:
				pflag.Bool(f.key, true, f.usage)
			case flagFloat:
				pflag.Float64(f.key, 0, f.usage)
			case flagDuration:
				pflag.Duration(f.key, 0, f.usage)
			case flagStringSlice:
				pflag.StringSlice(f.key, nil, f.usage)
			}
		}
		pflag.StringP("config", "c", "", "Config file path")
	})
}

// setDefaults installs the lowest-precedence values.
func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		// Database connection
		"database.dsn":             "",
		"database.dsn_file":        "",
		"database.host":            "localhost",
		"database.port":            3306,
		"database.user":            "sqlstencil",
		"database.password":        "",
		"database.password_file":   "",
		"database.password_prompt": false,
		"database.database":        "",

		// Database TLS
		"database.tls.mode":          "",
		"database.tls.ca_file":       "",
		"database.tls.ca_file_env":   "",
		"database.tls.cert_file":     "",
		"database.tls.cert_file_env": "",
		"database.tls.key_file":      "",
		"database.tls.key_file_env":  "",
		"database.tls.server_name":   "",

		// Database pool
		"database.pool.max_open":             25,
		"database.pool.max_idle":             5,
		"database.pool.max_lifetime":         5 * time.Minute,
		"database.connection_timeout":        60 * time.Second,
		"database.connection_retry_interval": 2 * time.Second,

		// Compiler
		"compiler.schema_path": "schema.json",
		"compiler.output_path": "schema.compiled.json",
		"compiler.preset":      "standard",
		"compiler.strictness":  "warn",
		"compiler.base_cost":   0,
		"compiler.field_cost":  0,
		"compiler.depth_cost":  0,

		// Server
		"server.port":                      8080,
		"server.artifact_path":             "schema.compiled.json",
		"server.reload_min_interval":       30 * time.Second,
		"server.reload_max_interval":       5 * time.Minute,
		"server.security_profile":          "standard",
		"server.partial_results":           false,
		"server.graphiql_enabled":          false,
		"server.auth.oidc_enabled":         false,
		"server.auth.oidc_issuer_url":      "",
		"server.auth.oidc_audience":        "",
		"server.auth.oidc_clock_skew":      2 * time.Minute,
		"server.auth.oidc_skip_tls_verify": false,
		"server.auth.claim_attributes":     map[string]string{},
		"server.auth.db_role_enabled":      false,
		"server.auth.db_allowed_roles":     []string{},
		"server.auth.db_role_validation":   true,
		"server.admin.reload_enabled":      false,
		"server.admin.auth_token":          "",
		"server.admin.auth_token_file":     "",
		"server.rate_limit_enabled":        false,
		"server.rate_limit_rps":            0.0,
		"server.rate_limit_burst":          0,
		"server.cors_enabled":              false,
		"server.cors_allowed_origins":      []string{},
		"server.cors_allowed_methods":      []string{"GET", "POST", "OPTIONS"},
		"server.cors_allowed_headers":      []string{"Content-Type", "Authorization"},
		"server.cors_expose_headers":       []string{},
		"server.cors_allow_credentials":    false,
		"server.cors_max_age":              86400,
		"server.read_timeout":              15 * time.Second,
		"server.write_timeout":             15 * time.Second,
		"server.idle_timeout":              60 * time.Second,
		"server.shutdown_timeout":          30 * time.Second,
		"server.health_check_timeout":      2 * time.Second,

		// Server TLS
		"server.tls_mode":          "off",
		"server.tls_cert_file":     "",
		"server.tls_key_file":      "",
		"server.tls_auto_cert_dir": ".tls",

		// Observability
		"observability.service_name":            "sqlstencil",
		"observability.service_version":         "",
		"observability.environment":             "development",
		"observability.metrics_enabled":         true,
		"observability.tracing_enabled":         false,
		"observability.trace_sample_ratio":      1.0,
		"observability.sqlcommenter_enabled":    true,
		"observability.logging.level":           "info",
		"observability.logging.format":          "json",
		"observability.logging.exports_enabled": false,

		// OTLP
		"observability.otlp.endpoint":             "localhost:4317",
		"observability.otlp.protocol":             "grpc",
		"observability.otlp.insecure":             false,
		"observability.otlp.tls_cert_file":        "",
		"observability.otlp.tls_client_cert_file": "",
		"observability.otlp.tls_client_key_file":  "",
		"observability.otlp.timeout":              10 * time.Second,
		"observability.otlp.compression":          "gzip",
		"observability.otlp.retry_enabled":        true,
		"observability.otlp.retry_max_attempts":   3,

		// Naming
		"naming.plural_overrides":   map[string]string{},
		"naming.singular_overrides": map[string]string{},
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// promptPassword reads a password from the terminal without echoing it.
func promptPassword() (string, error) {
	fmt.Print("Enter database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// readSecretFile reads a trimmed secret from path, or from stdin when
// path is the @- marker.
func readSecretFile(path string) (string, error) {
	var data []byte
	var err error
	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// validateSingleStdinFileSource rejects configurations where more than
// one *_file setting claims stdin; they would race for the same bytes.
func validateSingleStdinFileSource(v *viper.Viper) error {
	stdinBackedKeys := []string{
		"database.dsn_file",
		"database.password_file",
		"server.admin.auth_token_file",
	}

	var claimed []string
	for _, key := range stdinBackedKeys {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			claimed = append(claimed, key)
		}
	}
	if len(claimed) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(claimed, ", "),
		)
	}
	return nil
}

// stringToStringSliceHookFunc splits string values into slices when the
// target field is []string, so env vars can carry comma-separated lists.
func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}

		raw := data.(string)
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		return parts, nil
	}
}
