package operr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers the executor distinguishes. Anything not
// listed classifies as internal.
const (
	mysqlErrTooManyConnections     = 1040 // server connection limit reached
	mysqlErrDBAccessDenied         = 1044 // access denied for user to database
	mysqlErrUserAccessDenied       = 1045 // access denied for user (bad credentials)
	mysqlErrNotNullViolation       = 1048 // column cannot be null
	mysqlErrDupEntry               = 1062 // duplicate entry for unique key
	mysqlErrTableAccessDenied      = 1142 // command denied to user for table
	mysqlErrColumnAccessDenied     = 1143 // command denied to user for column
	mysqlErrTooManyUserConnections = 1203 // per-user connection limit reached
	mysqlErrLockWaitTimeout        = 1205 // lock wait timeout exceeded
	mysqlErrLockDeadlock           = 1213 // deadlock found when trying to get lock
	mysqlErrNoDefaultValue         = 1364 // field doesn't have a default value
	mysqlErrRowIsReferenced        = 1451 // cannot delete or update a parent row
	mysqlErrNoReferencedRow        = 1452 // cannot add or update a child row
)

// FromBackend maps a storage-collaborator failure into the taxonomy.
// Context cancellation and deadline take precedence over driver errors
// because the driver often reports a broken connection after the context
// fires.
func FromBackend(err error) *Error {
	if err == nil {
		return nil
	}

	var clsErr *Error
	if errors.As(err, &clsErr) {
		return clsErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, "operation deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCancelled, "operation cancelled", err)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.Is(err, mysql.ErrInvalidConn):
		return Wrap(CodeConnection, "backend connection unavailable", err)
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return fromMySQL(mysqlErr)
	}

	return Internal(err)
}

func fromMySQL(err *mysql.MySQLError) *Error {
	switch err.Number {
	case mysqlErrDupEntry:
		return Wrap(CodeConflict, "unique constraint violated", err)
	case mysqlErrRowIsReferenced, mysqlErrNoReferencedRow:
		return Wrap(CodeConflict, "referential constraint violated", err)
	case mysqlErrNotNullViolation, mysqlErrNoDefaultValue:
		return Wrap(CodeValidation, "required column missing a value", err)
	case mysqlErrDBAccessDenied, mysqlErrUserAccessDenied, mysqlErrTableAccessDenied, mysqlErrColumnAccessDenied:
		return Wrap(CodeAuthorization, "backend denied access", err)
	case mysqlErrLockWaitTimeout, mysqlErrLockDeadlock:
		return Wrap(CodeTimeout, "backend lock contention", err)
	case mysqlErrTooManyConnections, mysqlErrTooManyUserConnections:
		return Wrap(CodeConnection, "backend connection pool exhausted", err)
	default:
		return Internal(err)
	}
}
