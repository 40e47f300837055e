package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"sqlstencil/internal/authz"
	"sqlstencil/internal/naming"
	"sqlstencil/internal/planner"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

func (r *ValidationResult) fail(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) warn(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues). Whether a
// database target must be configured depends on the command: the server always
// needs one, the compiler only when the schema document has no inline sources.
// Callers enforce that through DatabaseConfig.HasTarget.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Compiler.validate(result)
	c.Server.validate(result)
	c.Observability.validate(result)
	validateNamingConfig(result, c.Naming)

	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	// Discrete-field connections carry their own port.
	if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.fail("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
	}

	if d.ConnectionString != "" {
		dsnDatabase, err := parseDSNDatabaseName(d.ConnectionString)
		switch {
		case err != nil:
			result.fail("database.dsn", err.Error(),
				"set a valid MySQL DSN in database.dsn/database.dsn_file")
		case dsnDatabase != "" && strings.TrimSpace(d.Database) != "" && dsnDatabase != strings.TrimSpace(d.Database):
			result.fail("database.database",
				fmt.Sprintf("database mismatch: database.database=%q but database.dsn targets %q", d.Database, dsnDatabase),
				"either remove database.database or set it to match the DSN database")
		}
	}

	d.TLS.validate(result)

	if d.Pool.MaxOpen < 0 {
		result.fail("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.fail("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.warn("database.pool.max_idle", "max_idle is greater than max_open",
			"idle connections will be limited to max_open")
	}

	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.warn("database.connection_retry_interval",
			"connection_retry_interval is greater than connection_timeout",
			"only one connection attempt will be made")
	}
	if d.ConnectionRetryInterval < 0 {
		result.fail("database.connection_retry_interval", "connection_retry_interval cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.fail("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if d.ConnectionTimeout < 0 {
		result.fail("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
}

func (t *DatabaseTLSConfig) validate(result *ValidationResult) {
	switch t.Mode {
	case "", "off", "verify-ca", "verify-full":
	case "skip-verify":
		result.warn("database.tls.mode", "skip-verify mode does not verify server certificates",
			"use verify-ca or verify-full in production")
	default:
		result.fail("database.tls.mode", fmt.Sprintf("invalid TLS mode %q", t.Mode),
			"valid values are: off, skip-verify, verify-ca, verify-full")
	}

	if (t.Mode == "verify-ca" || t.Mode == "verify-full") && t.resolveCAFile() == "" {
		result.fail("database.tls.ca_file", "CA file is required for verify-ca and verify-full modes",
			"set ca_file or ca_file_env to specify the CA certificate")
	}

	// Client cert and key come as a pair or not at all.
	if (t.resolveCertFile() == "") != (t.resolveKeyFile() == "") {
		result.fail("database.tls.cert_file",
			"both cert_file and key_file must be specified for client certificate authentication",
			"provide both cert_file and key_file, or neither")
	}
}

func (cc *CompilerConfig) validate(result *ValidationResult) {
	if strings.TrimSpace(cc.SchemaPath) == "" {
		result.fail("compiler.schema_path", "schema_path cannot be empty", "")
	}
	if strings.TrimSpace(cc.OutputPath) == "" {
		result.fail("compiler.output_path", "output_path cannot be empty", "")
	}

	if _, ok := planner.PresetByName(cc.Preset); !ok {
		result.fail("compiler.preset", fmt.Sprintf("unknown preset %q", cc.Preset),
			"valid values are: permissive, standard, strict")
	}

	switch cc.Strictness {
	case "", string(planner.StrictnessWarn), string(planner.StrictnessError):
	default:
		result.fail("compiler.strictness", fmt.Sprintf("unknown strictness %q", cc.Strictness),
			"valid values are: warn, error")
	}

	for field, cost := range map[string]int{
		"compiler.base_cost":  cc.BaseCost,
		"compiler.field_cost": cc.FieldCost,
		"compiler.depth_cost": cc.DepthCost,
	} {
		if cost < 0 {
			result.fail(field, strings.TrimPrefix(field, "compiler.")+" cannot be negative", "")
		}
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.fail("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}

	if strings.TrimSpace(s.ArtifactPath) == "" {
		result.fail("server.artifact_path", "artifact_path cannot be empty",
			"point it at the compiler's output_path")
	}

	if s.ReloadMinInterval < 0 {
		result.fail("server.reload_min_interval", "reload_min_interval cannot be negative", "")
	}
	if s.ReloadMaxInterval < 0 {
		result.fail("server.reload_max_interval", "reload_max_interval cannot be negative", "")
	}
	if s.ReloadMinInterval > 0 && s.ReloadMaxInterval > 0 && s.ReloadMaxInterval < s.ReloadMinInterval {
		result.fail("server.reload_max_interval", "reload_max_interval is less than reload_min_interval", "")
	}

	if _, ok := authz.ProfileByName(s.SecurityProfile); !ok {
		result.fail("server.security_profile", fmt.Sprintf("unknown security profile %q", s.SecurityProfile),
			"valid values are: standard, regulated")
	}

	s.validateRateLimit(result)
	s.validateCORS(result)
	s.validateAuth(result)
	s.validateTLS(result)
}

func (s *ServerConfig) validateRateLimit(result *ValidationResult) {
	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.fail("server.rate_limit_rps",
				"rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			result.fail("server.rate_limit_burst",
				"rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
		return
	}
	if s.RateLimitRPS > 0 || s.RateLimitBurst > 0 {
		result.warn("server.rate_limit_enabled", "rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}
}

func (s *ServerConfig) validateCORS(result *ValidationResult) {
	if !s.CORSEnabled {
		return
	}

	if len(s.CORSAllowedOrigins) == 0 {
		result.fail("server.cors_allowed_origins", "CORS enabled but no allowed origins configured",
			"set cors_allowed_origins or disable CORS")
	}

	hasWildcard := false
	for _, origin := range s.CORSAllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			hasWildcard = true
			break
		}
	}
	if hasWildcard {
		if s.CORSAllowCredentials {
			result.fail("server.cors_allowed_origins", "wildcard origin (*) cannot be used with credentials",
				"use specific origins with credentials, or wildcard without credentials")
		}
		result.warn("server.cors_allowed_origins", "CORS wildcard origin enabled",
			"use specific origins in production for better security")
	}

	if s.tlsEnabled() && len(s.CORSAllowedOrigins) > 0 && corsOriginsAllHTTP(s.CORSAllowedOrigins) {
		result.warn("server.cors_allowed_origins",
			"CORS allowed origins are http:// only while TLS is enabled",
			"use https:// origins when serving over TLS")
	}
}

func corsOriginsAllHTTP(origins []string) bool {
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" || origin == "*" || !strings.HasPrefix(origin, "http://") {
			return false
		}
	}
	return true
}

func (s *ServerConfig) validateAuth(result *ValidationResult) {
	if s.Auth.OIDCEnabled {
		if s.Auth.OIDCIssuerURL == "" {
			result.fail("server.auth.oidc_issuer_url", "issuer URL is required when OIDC is enabled", "")
		}
		if s.Auth.OIDCAudience == "" {
			result.fail("server.auth.oidc_audience", "audience is required when OIDC is enabled", "")
		}
	}

	for attribute, claim := range s.Auth.ClaimAttributes {
		if strings.TrimSpace(attribute) == "" {
			result.fail("server.auth.claim_attributes", "attribute name cannot be empty", "")
			continue
		}
		if strings.TrimSpace(claim) == "" {
			result.fail("server.auth.claim_attributes",
				fmt.Sprintf("claim name for attribute %q cannot be empty", attribute), "")
		}
	}

	if !s.Auth.DBRoleEnabled {
		return
	}
	if s.Auth.DBRoleValidation && len(s.Auth.DBAllowedRoles) == 0 {
		result.fail("server.auth.db_allowed_roles",
			"at least one allowed role is required when role validation is enabled",
			"list the database roles requests may assume, or disable server.auth.db_role_validation")
	}
	for _, role := range s.Auth.DBAllowedRoles {
		if strings.TrimSpace(role) == "" {
			result.fail("server.auth.db_allowed_roles", "role names cannot be empty", "")
			break
		}
	}
	if !s.Auth.OIDCEnabled {
		result.warn("server.auth.db_role_enabled",
			"database role execution is on but OIDC is off, so no request carries a role attribute",
			"enable server.auth.oidc_enabled or expect every statement to run without SET ROLE")
	}
}

func (s *ServerConfig) tlsEnabled() bool {
	return s.TLSMode != "" && s.TLSMode != "off"
}

func (s *ServerConfig) validateTLS(result *ValidationResult) {
	switch s.TLSMode {
	case "", "off", "auto":
	case "file":
		if s.TLSCertFile == "" {
			result.fail("server.tls_cert_file", "TLS cert file required when tls_mode is 'file'", "")
		}
		if s.TLSKeyFile == "" {
			result.fail("server.tls_key_file", "TLS key file required when tls_mode is 'file'", "")
		}
	default:
		result.fail("server.tls_mode", fmt.Sprintf("invalid TLS mode %q", s.TLSMode),
			"valid values are: off, auto, file")
	}
}

func validateNamingConfig(result *ValidationResult, cfg naming.Config) {
	validateOverrideMap(result, "naming.plural_overrides", cfg.PluralOverrides)
	validateOverrideMap(result, "naming.singular_overrides", cfg.SingularOverrides)
}

func validateOverrideMap(result *ValidationResult, field string, overrides map[string]string) {
	for from, to := range overrides {
		if !naming.ValidIdentifier(strings.TrimSpace(from)) {
			result.fail(field, fmt.Sprintf("invalid override key %q", from), "")
		}
		if !naming.ValidIdentifier(strings.TrimSpace(to)) {
			result.fail(field, fmt.Sprintf("invalid override value %q for key %q", to, from), "")
		}
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	switch o.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		result.fail("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}

	switch o.Logging.Format {
	case "json", "text":
	default:
		result.fail("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio",
			fmt.Sprintf("trace_sample_ratio %v is out of range (0.0-1.0)", o.TraceSampleRatio), "")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
	if o.Metrics != nil {
		o.Metrics.validate("observability.metrics", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	switch o.Protocol {
	case "", "grpc":
	case "http/protobuf":
		if !validOTLPEndpoint(o.Endpoint) {
			result.fail(prefix+".endpoint",
				fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
				"use host:port or a full URL")
		}
	default:
		result.fail(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}

	switch o.Compression {
	case "", "none", "gzip":
	default:
		result.fail(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}

	if o.RetryMaxAttempts < 0 {
		result.fail(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
