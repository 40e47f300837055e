package dbexec

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	_ "github.com/go-sql-driver/mysql"
)

func roleMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func fixedRole(role string) func(context.Context) (string, bool) {
	return func(context.Context) (string, bool) { return role, role != "" }
}

func TestRoleExecutorQueryScopesConnection(t *testing.T) {
	db, mock := roleMockDB(t)
	mock.ExpectExec("SET ROLE NONE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET ROLE `app_analyst`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("USE `shop`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT `id` FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("SET ROLE DEFAULT").WillReturnResult(sqlmock.NewResult(0, 0))

	exec := NewRoleExecutor(RoleExecutorConfig{
		DB:           db,
		DatabaseName: "shop",
		RoleFromCtx:  fixedRole("app_analyst"),
		AllowedRoles: []string{"app_analyst"},
		ValidateRole: true,
	})

	rows, err := exec.QueryContext(context.Background(), "SELECT `id` FROM `orders`")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !rows.Next() {
		t.Fatal("expected a row")
	}
	if err := rows.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRoleExecutorRejectsUnlistedRole(t *testing.T) {
	db, mock := roleMockDB(t)
	// The rejected connection still resets its role on release.
	mock.ExpectExec("SET ROLE DEFAULT").WillReturnResult(sqlmock.NewResult(0, 0))

	exec := NewRoleExecutor(RoleExecutorConfig{
		DB:           db,
		RoleFromCtx:  fixedRole("superuser"),
		AllowedRoles: []string{"app_analyst"},
		ValidateRole: true,
	})

	if _, err := exec.QueryContext(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("expected allowlist rejection")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRoleExecutorValidationDisabledAcceptsAnyRole(t *testing.T) {
	db, mock := roleMockDB(t)
	mock.ExpectExec("SET ROLE NONE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET ROLE `anything`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("SET ROLE DEFAULT").WillReturnResult(sqlmock.NewResult(0, 0))

	exec := NewRoleExecutor(RoleExecutorConfig{
		DB:          db,
		RoleFromCtx: fixedRole("anything"),
	})

	rows, err := exec.QueryContext(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	_ = rows.Close()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRoleExecutorAnonymousRequestSkipsSetRole(t *testing.T) {
	db, mock := roleMockDB(t)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("SET ROLE DEFAULT").WillReturnResult(sqlmock.NewResult(0, 0))

	exec := NewRoleExecutor(RoleExecutorConfig{
		DB:           db,
		RoleFromCtx:  fixedRole(""),
		AllowedRoles: []string{"app_analyst"},
		ValidateRole: true,
	})

	rows, err := exec.QueryContext(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	_ = rows.Close()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRoleExecutorExecReleasesAfterStatement(t *testing.T) {
	db, mock := roleMockDB(t)
	mock.ExpectExec("SET ROLE NONE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET ROLE `app_writer`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM `orders` WHERE `id` = ?").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET ROLE DEFAULT").WillReturnResult(sqlmock.NewResult(0, 0))

	exec := NewRoleExecutor(RoleExecutorConfig{
		DB:          db,
		RoleFromCtx: fixedRole("app_writer"),
	})

	res, err := exec.ExecContext(context.Background(), "DELETE FROM `orders` WHERE `id` = ?", int64(3))
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStandardExecutor(t *testing.T) {
	t.Run("nil handle", func(t *testing.T) {
		exec := NewStandardExecutor(nil)
		if _, err := exec.QueryContext(context.Background(), "SELECT 1"); err != sql.ErrConnDone {
			t.Errorf("QueryContext err = %v, want ErrConnDone", err)
		}
		if _, err := exec.ExecContext(context.Background(), "DELETE FROM t"); err != sql.ErrConnDone {
			t.Errorf("ExecContext err = %v, want ErrConnDone", err)
		}
	})

	t.Run("binds positionally", func(t *testing.T) {
		db, mock := roleMockDB(t)
		mock.ExpectQuery("SELECT `id`, `email` FROM `users` WHERE `id` = ?").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow(7, "a@example.com"))

		exec := NewStandardExecutor(db)
		rows, err := exec.QueryContext(context.Background(), "SELECT `id`, `email` FROM `users` WHERE `id` = ?", int64(7))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			t.Fatalf("columns: %v", err)
		}
		if len(cols) != 2 || cols[0] != "id" || cols[1] != "email" {
			t.Errorf("columns = %v", cols)
		}
		if !rows.Next() {
			t.Fatal("expected a row")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestScopedRowsReleasesOnClose(t *testing.T) {
	db, mock := roleMockDB(t)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	rows, err := db.Query("SELECT 1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	released := false
	wrapped := &scopedRows{Rows: rows, release: func() { released = true }}
	if err := wrapped.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !released {
		t.Error("release did not run on Close")
	}
}
