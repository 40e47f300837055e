package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"sqlstencil/internal/authz"
	"sqlstencil/internal/dbexec"
	"sqlstencil/internal/executor"
	"sqlstencil/internal/gateway"
	"sqlstencil/internal/observability"
	"sqlstencil/internal/registry"
)

// telemetry groups the providers and instrument sets Init builds before
// anything else, so every later stage can record into them.
type telemetry struct {
	meterProvider    *observability.MeterProvider
	tracerProvider   *observability.TracerProvider
	executionMetrics *observability.ExecutionMetrics
	reloadMetrics    *observability.ReloadMetrics
	securityMetrics  *observability.SecurityMetrics
}

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	// Anything brought up before a failure is torn down in LIFO order.
	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tel, err := a.initTelemetry(&cleanup)
	if err != nil {
		return err
	}

	db, dbStatsReg, queryExecutor, err := a.initDatabase(ctx, &cleanup)
	if err != nil {
		return err
	}

	reg, registryCancel, exec, gw, err := a.initPipeline(&cleanup, tel, queryExecutor)
	if err != nil {
		return err
	}

	graphqlHandler, err := buildGraphQLHandler(a.cfg, a.logger, reg, gw, tel.executionMetrics, tel.securityMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize GraphQL handler: %w", err)
	}

	adminHandler, err := buildAdminHandler(a.cfg, a.logger, reg, tel.securityMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize admin handler: %w", err)
	}

	mux := buildRouter(a.cfg, a.logger, db, graphqlHandler, adminHandler, tel.meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv, tlsManager, err := buildServer(a.cfg, a.logger, handler, serverAddr)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})
	if tlsManager != nil {
		cleanup.push("TLS manager", func(_ context.Context) error {
			return tlsManager.Shutdown()
		})
	}

	a.stateMu.Lock()
	a.meterProvider = tel.meterProvider
	a.executionMetrics = tel.executionMetrics
	a.reloadMetrics = tel.reloadMetrics
	a.securityMetrics = tel.securityMetrics
	a.tracerProvider = tel.tracerProvider
	a.db = db
	a.dbStatsReg = dbStatsReg
	a.queryExecutor = queryExecutor
	a.registry = reg
	a.registryCancel = registryCancel
	a.exec = exec
	a.gw = gw
	a.graphqlHandler = graphqlHandler
	a.adminHandler = adminHandler
	a.mux = mux
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.tlsManager = tlsManager
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}

func (a *App) initTelemetry(cleanup *cleanupStack) (telemetry, error) {
	meterProvider, executionMetrics, reloadMetrics, securityMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return telemetry{}, fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return telemetry{}, fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	return telemetry{
		meterProvider:    meterProvider,
		tracerProvider:   tracerProvider,
		executionMetrics: executionMetrics,
		reloadMetrics:    reloadMetrics,
		securityMetrics:  securityMetrics,
	}, nil
}

func (a *App) initDatabase(ctx context.Context, cleanup *cleanupStack) (*sql.DB, interface{ Unregister() error }, dbexec.QueryExecutor, error) {
	a.logger.Info("connecting to backend",
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database", a.databaseName),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	sqlDB, statsReg, err := openDatabase(a.cfg, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(_ context.Context) error {
		if statsReg != nil {
			if err := statsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return sqlDB.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, sqlDB); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	return sqlDB, statsReg, buildQueryExecutor(a.cfg, a.logger, sqlDB, a.databaseName), nil
}

func (a *App) initPipeline(cleanup *cleanupStack, tel telemetry, queryExecutor dbexec.QueryExecutor) (*registry.Registry, context.CancelFunc, *executor.Executor, *gateway.Gateway, error) {
	reg, registryCancel, err := startRegistry(a.cfg, a.logger, tel.reloadMetrics)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	cleanup.push("artifact registry", func(shutdownCtx context.Context) error {
		registryCancel()
		return reg.Wait(shutdownCtx)
	})

	profile, ok := authz.ProfileByName(a.cfg.Server.SecurityProfile)
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("unknown security profile %q", a.cfg.Server.SecurityProfile)
	}
	exec := executor.New(reg, queryExecutor, executor.Options{
		Logger:         a.logger,
		Profile:        profile,
		PartialResults: a.cfg.Server.PartialResults,
	})

	gw, err := gateway.New(gateway.Config{
		Source:   reg,
		Runner:   exec,
		Logger:   a.logger,
		GraphiQL: a.cfg.Server.GraphiQLEnabled,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to project schema: %w", err)
	}

	return reg, registryCancel, exec, gw, nil
}
