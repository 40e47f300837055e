package dbexec

import (
	"context"
	"database/sql"
	"fmt"

	"sqlstencil/internal/sqlutil"
)

// RoleExecutor executes template text using SET ROLE on a dedicated
// connection, so backend grants can enforce access on top of the
// compiled rules. The role comes from the request's auth context.
type RoleExecutor struct {
	db           *sql.DB
	databaseName string
	roleFromCtx  func(context.Context) (string, bool)
	allowedRoles map[string]struct{}
	validateRole bool
}

// RoleExecutorConfig controls role execution behavior.
type RoleExecutorConfig struct {
	DB           *sql.DB
	DatabaseName string
	RoleFromCtx  func(context.Context) (string, bool)
	AllowedRoles []string
	ValidateRole bool
}

// NewRoleExecutor creates an executor that applies SET ROLE before each query.
func NewRoleExecutor(cfg RoleExecutorConfig) *RoleExecutor {
	allowed := make(map[string]struct{}, len(cfg.AllowedRoles))
	for _, role := range cfg.AllowedRoles {
		allowed[role] = struct{}{}
	}
	return &RoleExecutor{
		db:           cfg.DB,
		databaseName: cfg.DatabaseName,
		roleFromCtx:  cfg.RoleFromCtx,
		allowedRoles: allowed,
		validateRole: cfg.ValidateRole,
	}
}

// acquire checks out a connection and scopes it to the request's role
// and the target database. The returned release restores the default
// role before the connection goes back to the pool.
func (e *RoleExecutor) acquire(ctx context.Context) (*sql.Conn, func(), error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), "SET ROLE DEFAULT")
		_ = conn.Close()
	}

	if role, ok := e.roleFromCtx(ctx); ok && role != "" {
		if err := e.assumeRole(ctx, conn, role); err != nil {
			release()
			return nil, nil, err
		}
	}
	if e.databaseName != "" {
		useSQL := fmt.Sprintf("USE %s", sqlutil.QuoteIdentifier(e.databaseName))
		if _, err := conn.ExecContext(ctx, useSQL); err != nil {
			release()
			return nil, nil, fmt.Errorf("failed to select database %s: %w", e.databaseName, err)
		}
	}
	return conn, release, nil
}

func (e *RoleExecutor) assumeRole(ctx context.Context, conn *sql.Conn, role string) error {
	if e.validateRole {
		if _, allowed := e.allowedRoles[role]; !allowed {
			return fmt.Errorf("role not allowed: %s", role)
		}
	}
	// Drop any role inherited from a previous user of the connection.
	if _, err := conn.ExecContext(ctx, "SET ROLE NONE"); err != nil {
		return fmt.Errorf("failed to clear roles: %w", err)
	}
	// SET ROLE cannot take a placeholder; the identifier is quoted and
	// was just checked against the allowlist.
	setRoleSQL := fmt.Sprintf("SET ROLE %s", sqlutil.QuoteIdentifier(role))
	if _, err := conn.ExecContext(ctx, setRoleSQL); err != nil {
		return fmt.Errorf("failed to set role %s: %w", role, err)
	}
	return nil
}

func (e *RoleExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	conn, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		release()
		return nil, err
	}
	return &scopedRows{Rows: rows, release: release}, nil
}

func (e *RoleExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return conn.ExecContext(ctx, query, args...)
}

// scopedRows holds its connection until the caller finishes reading.
type scopedRows struct {
	*sql.Rows
	release func()
}

func (r *scopedRows) Close() error {
	defer r.release()
	return r.Rows.Close()
}
