// Package serverapp assembles the runtime: artifact registry, executor,
// gateway, and the HTTP server around them, with ordered teardown.
package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"sqlstencil/internal/config"
	"sqlstencil/internal/dbexec"
	"sqlstencil/internal/executor"
	"sqlstencil/internal/gateway"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/observability"
	"sqlstencil/internal/registry"
	"sqlstencil/internal/tlscert"
)

// App owns runtime resources for the sqlstencil server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	databaseName string
	dsnPresent   bool

	meterProvider    *observability.MeterProvider
	executionMetrics *observability.ExecutionMetrics
	reloadMetrics    *observability.ReloadMetrics
	securityMetrics  *observability.SecurityMetrics
	tracerProvider   *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	queryExecutor dbexec.QueryExecutor

	registry       *registry.Registry
	registryCancel context.CancelFunc

	exec *executor.Executor
	gw   *gateway.Gateway

	graphqlHandler http.Handler
	adminHandler   http.Handler
	mux            *http.ServeMux
	handler        http.Handler

	serverAddr string
	srv        *http.Server
	tlsManager tlscert.Manager

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("config is required")
	case logger == nil:
		return nil, fmt.Errorf("logger is required")
	}

	databaseName, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		databaseName: databaseName,
		dsnPresent:   strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}
