package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "sqlstencil-custom"

// DSN returns a MySQL-compatible data source name. A configured
// connection string is used as-is, topped up with the driver params the
// runtime requires; otherwise the DSN is assembled from discrete fields.
func (d *DatabaseConfig) DSN() string {
	dsn := d.baseDSN()

	if tlsParam := d.effectiveTLSParam(); tlsParam != "" && !strings.Contains(dsn, "tls=") {
		dsn += "&tls=" + tlsParam
	}
	return dsn
}

func (d *DatabaseConfig) baseDSN() string {
	if d.ConnectionString == "" {
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.Database,
		)
	}

	// parseTime and a fixed location keep temporal scan behavior
	// consistent regardless of who wrote the DSN.
	dsn := d.ConnectionString
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}
	if !strings.Contains(dsn, "loc=") {
		dsn += "&loc=UTC"
	}
	return dsn
}

// HasTarget reports whether a concrete database target is configured,
// either as a DSN or as discrete fields naming a database. The server
// refuses to start without one; the compiler needs one only when the
// schema document carries no inline sources.
func (d *DatabaseConfig) HasTarget() bool {
	return strings.TrimSpace(d.ConnectionString) != "" || strings.TrimSpace(d.Database) != ""
}

// EffectiveDatabaseName returns the database name catalog introspection
// targets, preferring the explicit setting over the DSN's path component.
func (d *DatabaseConfig) EffectiveDatabaseName() (string, error) {
	if name := strings.TrimSpace(d.Database); name != "" {
		return name, nil
	}
	dsnDatabase, err := parseDSNDatabaseName(d.ConnectionString)
	if err != nil {
		return "", err
	}
	if dsnDatabase != "" {
		return dsnDatabase, nil
	}
	return "", fmt.Errorf("no database name configured: set database.database or include /<database> in database.dsn")
}

func parseDSNDatabaseName(connectionString string) (string, error) {
	dsn := strings.TrimSpace(connectionString)
	if dsn == "" {
		return "", nil
	}

	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database.dsn is invalid: %w", err)
	}
	return strings.TrimSpace(parsed.DBName), nil
}

// effectiveTLSParam maps the configured TLS mode to the driver's tls=
// DSN parameter. Verification modes point at the registered custom
// config; unknown modes pass through for the driver to reject.
func (d *DatabaseConfig) effectiveTLSParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers a custom TLS configuration with the MySQL
// driver. Must run before the pool opens when the mode is verify-ca or
// verify-full; other modes need no registration.
func (d *DatabaseConfig) RegisterTLS() error {
	switch d.TLS.Mode {
	case "verify-ca", "verify-full":
	default:
		return nil
	}

	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile := d.TLS.resolveCAFile(); caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = certPool
	}

	certFile := d.TLS.resolveCertFile()
	keyFile := d.TLS.resolveKeyFile()
	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	// verify-ca and verify-full both verify against the CA; verify-full
	// additionally honors an explicit server name for hostname checks.
	if d.TLS.Mode == "verify-full" && d.TLS.ServerName != "" {
		tlsCfg.ServerName = d.TLS.ServerName
	}

	return tlsCfg, nil
}

// The *_env settings indirect through an environment variable holding
// the real path, for orchestrators that inject file locations at run
// time. A set env var wins over the direct path.
func fileFromEnv(envKey, direct string) string {
	if envKey != "" {
		if path := os.Getenv(envKey); path != "" {
			return path
		}
	}
	return direct
}

func (t *DatabaseTLSConfig) resolveCAFile() string   { return fileFromEnv(t.CAFileEnv, t.CAFile) }
func (t *DatabaseTLSConfig) resolveCertFile() string { return fileFromEnv(t.CertFileEnv, t.CertFile) }
func (t *DatabaseTLSConfig) resolveKeyFile() string  { return fileFromEnv(t.KeyFileEnv, t.KeyFile) }
