// Package dbexec is the storage collaborator: it executes template
// text with positional parameters against a MySQL-family backend and
// hands rows back to the runtime executor. Execution goes through a
// small interface so tests and role-scoped variants can swap in.
package dbexec

import (
	"context"
	"database/sql"
)

// Rows abstracts sql.Rows to allow wrapped cleanup behavior.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// QueryExecutor runs compiled template text. Implementations never
// inspect or rewrite the SQL; parameters bind positionally.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// StandardExecutor executes queries directly against a database handle.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor creates an executor that runs queries directly
// against the database.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

func (e *StandardExecutor) handle() (*sql.DB, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db, nil
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	db, err := e.handle()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, query, args...)
}

func (e *StandardExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db, err := e.handle()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, query, args...)
}
