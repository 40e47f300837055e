// Package dbtest provisions scratch databases on a live MySQL-protocol
// backend for integration tests. Every test gets its own database,
// named after the test, dropped again on cleanup. Connection settings
// come from STENCIL_TEST_* environment variables; tests skip when they
// are unset.
package dbtest

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"sqlstencil/internal/sqlutil"
)

// Config holds backend connection settings for tests.
type Config struct {
	Host       string
	Port       string
	User       string
	UserPrefix string
	Password   string
	TLSMode    string
}

// TestDB is one scratch database with an open connection into it.
type TestDB struct {
	DB           *sql.DB
	DatabaseName string
	config       Config
}

// RoleTestDB pairs an admin connection with a freshly created runtime
// user, for tests that exercise SET ROLE execution. The runtime
// connection starts on information_schema; table access flows through
// roles the test grants.
type RoleTestDB struct {
	AdminDB      *sql.DB
	RuntimeDB    *sql.DB
	DatabaseName string
	RuntimeUser  string
	RuntimeHost  string
	config       Config
}

// New creates a scratch database and returns a connection into it.
// Teardown is registered on the test.
func New(t *testing.T) *TestDB {
	t.Helper()

	cfg := loadConfig(t)
	dbName := scratchName(t)

	bootstrap := connect(t, cfg, "information_schema")
	if _, err := bootstrap.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName)); err != nil {
		closeQuietly(t, bootstrap)
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}
	closeQuietly(t, bootstrap)

	db := connect(t, cfg, dbName)

	testDB := &TestDB{
		DB:           db,
		DatabaseName: dbName,
		config:       cfg,
	}
	t.Cleanup(func() { testDB.Teardown(t) })
	return testDB
}

// NewWithRuntimeUser creates a scratch database plus a temporary
// runtime user holding no direct table grants.
func NewWithRuntimeUser(t *testing.T) *RoleTestDB {
	t.Helper()

	cfg := loadConfig(t)
	dbName := scratchName(t)

	bootstrap := connect(t, cfg, "information_schema")
	if _, err := bootstrap.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName)); err != nil {
		closeQuietly(t, bootstrap)
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}
	closeQuietly(t, bootstrap)

	adminDB := connect(t, cfg, dbName)

	// User names are capped at 32 characters on MySQL and TiDB.
	runtimeUser := fmt.Sprintf("%sssrt_%d", cfg.UserPrefix, time.Now().UnixNano())
	if len(runtimeUser) > 32 {
		runtimeUser = runtimeUser[:32]
	}
	runtimeHost := "%"
	runtimePassword, err := generatePassword(24)
	if err != nil {
		closeQuietly(t, adminDB)
		t.Fatalf("Failed to generate runtime password: %v", err)
	}

	identity := quoteUserHost(runtimeUser, runtimeHost)
	// CREATE USER takes no parameter placeholders, so the password is
	// escaped as a SQL string literal.
	grants := []string{
		fmt.Sprintf("CREATE USER %s IDENTIFIED BY %s", identity, sqlutil.QuoteString(runtimePassword)),
		fmt.Sprintf("GRANT SELECT ON INFORMATION_SCHEMA.* TO %s", identity),
		fmt.Sprintf("GRANT USAGE ON `%s`.* TO %s", dbName, identity),
	}
	for _, stmt := range grants {
		if _, err := adminDB.Exec(stmt); err != nil {
			closeQuietly(t, adminDB)
			t.Fatalf("Failed to provision runtime user %s: %v", runtimeUser, err)
		}
	}

	runtimeCfg := cfg
	runtimeCfg.User = runtimeUser
	runtimeCfg.UserPrefix = ""
	runtimeCfg.Password = runtimePassword
	runtimeDB := connect(t, runtimeCfg, "information_schema")

	testDB := &RoleTestDB{
		AdminDB:      adminDB,
		RuntimeDB:    runtimeDB,
		DatabaseName: dbName,
		RuntimeUser:  runtimeUser,
		RuntimeHost:  runtimeHost,
		config:       cfg,
	}
	t.Cleanup(func() { testDB.Teardown(t) })
	return testDB
}

// Teardown drops the scratch database and closes the connection.
func (tdb *TestDB) Teardown(t *testing.T) {
	t.Helper()

	if tdb.DB == nil {
		return
	}
	if validDatabaseName(tdb.DatabaseName) {
		if _, err := tdb.DB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", tdb.DatabaseName)); err != nil {
			t.Logf("Warning: failed to drop test database %s: %v", tdb.DatabaseName, err)
		}
	}
	closeQuietly(t, tdb.DB)
}

// Teardown drops the runtime user and the scratch database.
func (tdb *RoleTestDB) Teardown(t *testing.T) {
	t.Helper()

	if tdb.RuntimeDB != nil {
		closeQuietly(t, tdb.RuntimeDB)
	}
	if tdb.AdminDB == nil {
		return
	}
	if tdb.RuntimeUser != "" {
		identity := quoteUserHost(tdb.RuntimeUser, tdb.RuntimeHost)
		if _, err := tdb.AdminDB.Exec(fmt.Sprintf("DROP USER IF EXISTS %s", identity)); err != nil {
			t.Logf("Warning: failed to drop runtime user %s: %v", tdb.RuntimeUser, err)
		}
	}
	if validDatabaseName(tdb.DatabaseName) {
		if _, err := tdb.AdminDB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", tdb.DatabaseName)); err != nil {
			t.Logf("Warning: failed to drop test database %s: %v", tdb.DatabaseName, err)
		}
	}
	closeQuietly(t, tdb.AdminDB)
}

// ExecAll runs a semicolon-separated SQL script statement by statement.
func (tdb *TestDB) ExecAll(t *testing.T, script string) {
	t.Helper()
	execAll(t, tdb.DB, script)
}

// ExecAllAdmin runs a semicolon-separated SQL script on the admin
// connection.
func (tdb *RoleTestDB) ExecAllAdmin(t *testing.T, script string) {
	t.Helper()
	execAll(t, tdb.AdminDB, script)
}

func execAll(t *testing.T, db *sql.DB, script string) {
	t.Helper()
	for i, stmt := range splitStatements(script) {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Failed to execute SQL statement %d: %v\nStatement: %s", i+1, err, stmt)
		}
	}
}

// loadConfig reads backend settings from the environment, skipping the
// test when the required variables are unset.
func loadConfig(t *testing.T) Config {
	t.Helper()

	host := os.Getenv("STENCIL_TEST_HOST")
	user := os.Getenv("STENCIL_TEST_USER")
	password := os.Getenv("STENCIL_TEST_PASSWORD")
	if host == "" || user == "" || password == "" {
		t.Skip("Test backend credentials not set. Set STENCIL_TEST_HOST, STENCIL_TEST_USER, STENCIL_TEST_PASSWORD to run integration tests")
	}

	userPrefix := os.Getenv("STENCIL_TEST_USER_PREFIX")
	if userPrefix != "" && !strings.HasPrefix(user, userPrefix) {
		user = userPrefix + user
	}

	port := os.Getenv("STENCIL_TEST_PORT")
	if port == "" {
		port = "4000"
	}
	tlsMode := os.Getenv("STENCIL_TEST_TLS_MODE")
	if tlsMode == "" {
		tlsMode = "skip-verify"
	}

	return Config{
		Host:       host,
		Port:       port,
		User:       user,
		UserPrefix: userPrefix,
		Password:   password,
		TLSMode:    tlsMode,
	}
}

// connect opens and pings a pooled connection to one database,
// failing the test on any error.
func connect(t *testing.T, cfg Config, database string) *sql.DB {
	t.Helper()

	db, err := sql.Open("mysql", DSN(cfg, database))
	if err != nil {
		t.Fatalf("Failed to open backend connection: %v", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		closeQuietly(t, db)
		t.Fatalf("Failed to ping backend database %s: %v", database, err)
	}
	return db
}

// DSN builds a go-sql-driver DSN for one database under cfg.
func DSN(cfg Config, database string) string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, database)
	if cfg.TLSMode != "" && cfg.TLSMode != "off" {
		dsn += fmt.Sprintf("&tls=%s", cfg.TLSMode)
	}
	return dsn
}

func closeQuietly(t *testing.T, db *sql.DB) {
	t.Helper()
	if err := db.Close(); err != nil {
		t.Logf("Warning: failed to close database connection: %v", err)
	}
}

// scratchName derives a unique, valid database name from the test name.
func scratchName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("test_%s_%d", sanitizeName(t.Name()), time.Now().UnixMilli())
	if !validDatabaseName(name) {
		t.Fatalf("Invalid database name generated: %s", name)
	}
	return name
}

// sanitizeName maps a test name onto the [a-zA-Z0-9_] alphabet database
// names allow, truncated to leave room for the timestamp suffix within
// the 64 character limit.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, ch := range name {
		if isWordChar(ch) {
			b.WriteRune(ch)
		} else {
			b.WriteRune('_')
		}
	}
	sanitized := b.String()
	if len(sanitized) > 40 {
		sanitized = sanitized[:40]
	}
	return sanitized
}

// validDatabaseName guards the identifiers interpolated into
// CREATE/DROP DATABASE statements.
func validDatabaseName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, ch := range name {
		if !isWordChar(ch) {
			return false
		}
	}
	return true
}

func isWordChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '_'
}

func quoteUserHost(user, host string) string {
	escapedUser := strings.ReplaceAll(user, "'", "''")
	escapedHost := strings.ReplaceAll(host, "'", "''")
	return fmt.Sprintf("'%s'@'%s'", escapedUser, escapedHost)
}

func generatePassword(length int) (string, error) {
	if length < 12 {
		length = 12
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// splitStatements breaks a script on semicolons. Semicolons inside
// string literals are not handled; test fixtures avoid them.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	statements := make([]string, 0, len(parts))
	for _, stmt := range parts {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
