package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"sqlstencil/internal/logging"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OpenOptions configures the backend connection pool.
type OpenOptions struct {
	DSN            string
	MetricsEnabled bool
	TracingEnabled bool
	SQLCommenter   bool
	MaxOpen        int
	MaxIdle        int
	MaxLifetime    time.Duration
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// Open connects to the MySQL-family backend, instrumenting the driver when
// metrics or tracing are enabled. The second return value unregisters pool
// stats metrics on shutdown and is nil when metrics are off.
func Open(opts OpenOptions, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	if opts.MetricsEnabled || opts.TracingEnabled {
		otelOpts := []otelsql.Option{
			otelsql.WithAttributes(semconv.DBSystemMySQL),
		}

		if opts.TracingEnabled {
			otelOpts = append(otelOpts, otelsql.WithSpanOptions(otelsql.SpanOptions{
				DisableErrSkip: true,
			}))
		}

		if opts.SQLCommenter && opts.TracingEnabled {
			otelOpts = append(otelOpts, otelsql.WithSQLCommenter(true))
			logger.Info("SQLCommenter enabled - trace context will be injected into SQL queries")
		} else if opts.SQLCommenter && !opts.TracingEnabled {
			logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
		}

		db, err := otelsql.Open("mysql", opts.DSN, otelOpts...)
		if err != nil {
			return nil, nil, err
		}

		var statsReg interface{ Unregister() error }
		if opts.MetricsEnabled {
			statsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL))
			if err != nil {
				logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			}
		}

		logger.Info("database instrumentation enabled",
			slog.Bool("metrics", opts.MetricsEnabled),
			slog.Bool("tracing", opts.TracingEnabled),
			slog.Bool("sqlcommenter", opts.SQLCommenter && opts.TracingEnabled),
		)
		return db, statsReg, nil
	}

	db, err := sql.Open("mysql", opts.DSN)
	if err != nil {
		return nil, nil, err
	}
	return db, nil, nil
}

// Configure applies pool settings and waits for the backend to answer pings.
func Configure(ctx context.Context, db *sql.DB, opts OpenOptions, logger *logging.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db.SetMaxOpenConns(opts.MaxOpen)
	db.SetMaxIdleConns(opts.MaxIdle)
	db.SetConnMaxLifetime(opts.MaxLifetime)

	if err := waitForDatabase(ctx, db, opts, logger); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.Int("pool_max_open", opts.MaxOpen),
		slog.Int("pool_max_idle", opts.MaxIdle),
		slog.Duration("pool_max_lifetime", opts.MaxLifetime),
	)
	return nil
}

func waitForDatabase(ctx context.Context, db *sql.DB, opts OpenOptions, logger *logging.Logger) error {
	timeout := opts.ConnectTimeout
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	// When no timeout is set, try once and fail immediately.
	if timeout == 0 {
		return db.PingContext(ctx)
	}

	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := db.PingContext(ctx)

		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		time.Sleep(interval)
	}
}
