package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sqlstencil/internal/config"
	"sqlstencil/internal/dbexec"
	"sqlstencil/internal/gateway"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/middleware"
	"sqlstencil/internal/observability"
	"sqlstencil/internal/registry"
	"sqlstencil/internal/tlscert"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// telemetryConfig builds the per-signal observability.Config from the
// resolved configuration.
func telemetryConfig(cfg *config.Config, signal config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          signal.Endpoint,
			Protocol:          signal.Protocol,
			Insecure:          signal.Insecure,
			TLSCertFile:       signal.TLSCertFile,
			TLSClientCertFile: signal.TLSClientCertFile,
			TLSClientKeyFile:  signal.TLSClientKeyFile,
			Headers:           signal.Headers,
			Timeout:           signal.Timeout,
			Compression:       signal.Compression,
			RetryEnabled:      signal.RetryEnabled,
			RetryMaxAttempts:  signal.RetryMaxAttempts,
		},
	}
}

func signalInitAttrs(cfg *config.Config, signal config.OTLPConfig) []any {
	return []any{
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", signal.Endpoint),
		slog.String("otlp_protocol", signal.Protocol),
		slog.Bool("insecure", signal.Insecure),
	}
}

// InitLogger builds the process logger. With log exports enabled it
// also boots an OTLP logger provider and rebuilds the logger to fan out
// through it; the bootstrap logger covers the window in between.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging", signalInitAttrs(cfg, logsConfig)...)

	loggerProvider, err := observability.InitLoggerProvider(telemetryConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}
	logger.Info("OpenTelemetry logging initialized successfully")

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.ExecutionMetrics, *observability.ReloadMetrics, *observability.SecurityMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil, nil, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	// Metrics serve through Prometheus, so no OTLP exporter config here.
	meterProvider, err := observability.InitMeterProvider(telemetryConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger.Info("OpenTelemetry metrics initialized successfully")

	executionMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	reloadMetrics, err := observability.InitReloadMetrics(logger.Logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	securityMetrics, err := observability.InitSecurityMetrics()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger.Info("security metrics initialized")

	return meterProvider, executionMetrics, reloadMetrics, securityMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing", signalInitAttrs(cfg, tracesConfig)...)

	tracerProvider, err := observability.InitTracerProvider(telemetryConfig(cfg, tracesConfig))
	if err != nil {
		return nil, err
	}
	logger.Info("OpenTelemetry tracing initialized successfully")

	return tracerProvider, nil
}

func openOptions(cfg *config.Config) dbexec.OpenOptions {
	return dbexec.OpenOptions{
		DSN:            cfg.Database.DSN(),
		MetricsEnabled: cfg.Observability.MetricsEnabled,
		TracingEnabled: cfg.Observability.TracingEnabled,
		SQLCommenter:   cfg.Observability.SQLCommenterEnabled,
		MaxOpen:        cfg.Database.Pool.MaxOpen,
		MaxIdle:        cfg.Database.Pool.MaxIdle,
		MaxLifetime:    cfg.Database.Pool.MaxLifetime,
		ConnectTimeout: cfg.Database.ConnectionTimeout,
		RetryInterval:  cfg.Database.ConnectionRetryInterval,
	}
}

func openDatabase(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	// verify-ca and verify-full need their TLS config registered with
	// the driver before the pool opens.
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}
	return dbexec.Open(openOptions(cfg), logger)
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	return dbexec.Configure(ctx, db, openOptions(cfg), logger)
}

// buildQueryExecutor picks how compiled statements reach the backend.
// With role execution on, each query runs on a connection switched to
// the caller's role so database grants apply alongside rule predicates.
func buildQueryExecutor(cfg *config.Config, logger *logging.Logger, db *sql.DB, databaseName string) dbexec.QueryExecutor {
	auth := cfg.Server.Auth
	if !auth.DBRoleEnabled {
		return dbexec.NewStandardExecutor(db)
	}

	logger.Info("database role execution enabled",
		slog.Int("allowed_roles", len(auth.DBAllowedRoles)),
		slog.Bool("validation", auth.DBRoleValidation),
	)
	return dbexec.NewRoleExecutor(dbexec.RoleExecutorConfig{
		DB:           db,
		DatabaseName: databaseName,
		RoleFromCtx:  middleware.RoleFromContext,
		AllowedRoles: auth.DBAllowedRoles,
		ValidateRole: auth.DBRoleValidation,
	})
}

func startRegistry(cfg *config.Config, logger *logging.Logger, metrics *observability.ReloadMetrics) (*registry.Registry, context.CancelFunc, error) {
	reg, err := registry.New(registry.Config{
		Path:        cfg.Server.ArtifactPath,
		Logger:      logger,
		Metrics:     metrics,
		MinInterval: cfg.Server.ReloadMinInterval,
		MaxInterval: cfg.Server.ReloadMaxInterval,
	})
	if err != nil {
		return nil, nil, err
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	reg.Start(watchCtx)

	return reg, watchCancel, nil
}

func oidcAuthConfig(cfg *config.Config) middleware.OIDCAuthConfig {
	auth := cfg.Server.Auth
	return middleware.OIDCAuthConfig{
		Enabled:       auth.OIDCEnabled,
		IssuerURL:     auth.OIDCIssuerURL,
		Audience:      auth.OIDCAudience,
		ClockSkew:     auth.OIDCClockSkew,
		CAFile:        auth.OIDCCAFile,
		SkipTLSVerify: auth.OIDCSkipTLSVerify,
	}
}

// buildGraphQLHandler assembles the middleware chain around the
// gateway. OIDC auth runs outermost so the rule context middleware can
// map verified claims into predicate attributes, and request analysis
// runs before metrics and tracing so both see the decoded operation:
//
//	request -> logging -> OIDC auth -> rule context -> analysis -> metrics -> tracing -> gateway
func buildGraphQLHandler(cfg *config.Config, logger *logging.Logger, source middleware.ArtifactSource, gw *gateway.Gateway, executionMetrics *observability.ExecutionMetrics, securityMetrics *observability.SecurityMetrics) (http.Handler, error) {
	handler := middleware.TracingMiddleware()(gw)

	if cfg.Observability.MetricsEnabled && executionMetrics != nil {
		handler = middleware.RequestMetricsMiddleware(executionMetrics, securityMetrics)(handler)
		logger.Info("request metrics middleware enabled")
	}

	handler = middleware.RequestAnalysisMiddleware(source)(handler)
	handler = middleware.RuleContextMiddleware(cfg.Server.Auth.ClaimAttributes)(handler)

	if cfg.Server.Auth.OIDCEnabled {
		authMiddleware, err := middleware.OIDCAuthMiddleware(oidcAuthConfig(cfg), logger, securityMetrics)
		if err != nil {
			return nil, err
		}
		handler = authMiddleware(handler)
		logger.Info("OIDC auth middleware enabled")
	}

	return middleware.LoggingMiddleware(logger)(handler), nil
}

// buildAdminHandler wraps the reload handler in whichever auth the
// configuration provides, preferring the shared token over OIDC.
func buildAdminHandler(cfg *config.Config, logger *logging.Logger, reg *registry.Registry, securityMetrics *observability.SecurityMetrics) (http.Handler, error) {
	var adminHandler http.Handler = http.HandlerFunc(artifactReloadHandler(reg, securityMetrics))

	switch {
	case strings.TrimSpace(cfg.Server.Admin.AuthToken) != "":
		tokenMiddleware, err := middleware.AdminTokenAuthMiddleware(middleware.AdminTokenAuthConfig{
			Token: cfg.Server.Admin.AuthToken,
		})
		if err != nil {
			return nil, err
		}
		adminHandler = tokenMiddleware(adminHandler)
		logger.Info("admin endpoints require a shared token")
	case cfg.Server.Auth.OIDCEnabled:
		adminAuthMiddleware, err := middleware.OIDCAuthMiddleware(oidcAuthConfig(cfg), logger, securityMetrics)
		if err != nil {
			return nil, err
		}
		adminHandler = adminAuthMiddleware(adminHandler)
		logger.Info("admin endpoints require authentication")
	default:
		logger.Warn("admin endpoints are not authenticated - consider configuring an admin token or OIDC authentication")
	}
	return adminHandler, nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, graphqlHandler http.Handler, adminHandler http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/graphql", graphqlHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/graphql", http.StatusFound)
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/health", healthHandler(db, cfg.Server.HealthCheckTimeout))

	if cfg.Server.Admin.ReloadEnabled {
		mux.Handle("/admin/reload", adminHandler)
		logger.Info("admin reload endpoint enabled", slog.String("path", "/admin/reload"))
	}
	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}
	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.CORSEnabled {
		handler = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          cfg.Server.CORSEnabled,
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   cfg.Server.CORSAllowedMethods,
			AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
			ExposeHeaders:    cfg.Server.CORSExposeHeaders,
			AllowCredentials: cfg.Server.CORSAllowCredentials,
			MaxAge:           cfg.Server.CORSMaxAge,
		})(handler)
	}

	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled: cfg.Server.RateLimitEnabled,
			RPS:     cfg.Server.RateLimitRPS,
			Burst:   cfg.Server.RateLimitBurst,
		})(handler)
	}

	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute collapses unknown paths into one bucket to
// keep span-name cardinality bounded.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/", "/graphql", "/health", "/metrics", "/admin/reload":
		return rawPath
	default:
		return "/*"
	}
}

func tlsModeEnabled(cfg *config.Config) bool {
	return cfg.Server.TLSMode != "" && cfg.Server.TLSMode != "off"
}

func buildServer(cfg *config.Config, logger *logging.Logger, handler http.Handler, serverAddr string) (*http.Server, tlscert.Manager, error) {
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if !tlsModeEnabled(cfg) {
		return srv, nil, nil
	}

	var certMode tlscert.CertMode
	switch cfg.Server.TLSMode {
	case "auto":
		certMode = tlscert.CertModeSelfSigned
	case "file":
		certMode = tlscert.CertModeFile
	default:
		certMode = tlscert.CertMode(cfg.Server.TLSMode)
	}

	tlsManager, err := tlscert.NewManager(tlscert.Config{
		Mode:              certMode,
		CertFile:          cfg.Server.TLSCertFile,
		KeyFile:           cfg.Server.TLSKeyFile,
		SelfSignedCertDir: cfg.Server.TLSAutoCertDir,
		SelfSignedHosts:   []string{"localhost", "127.0.0.1", "::1"},
	}, logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	srv.TLSConfig, err = tlsManager.GetTLSConfig()
	if err != nil {
		return nil, nil, err
	}

	logger.Info("TLS enabled",
		slog.String("mode", cfg.Server.TLSMode),
		slog.String("cert_source", tlsManager.Description()))

	return srv, tlsManager, nil
}

func serverStartAttrs(cfg *config.Config, protocol, serverAddr string) []any {
	attrs := []any{
		slog.String("protocol", protocol),
		slog.String("address", serverAddr),
		slog.String("graphql_endpoint", "/graphql"),
		slog.String("health_endpoint", "/health"),
		slog.String("artifact_path", cfg.Server.ArtifactPath),
		slog.String("security_profile", cfg.Server.SecurityProfile),
		slog.Bool("partial_results", cfg.Server.PartialResults),
		slog.String("log_level", cfg.Observability.Logging.Level),
		slog.String("log_format", cfg.Observability.Logging.Format),
	}
	if cfg.Observability.MetricsEnabled {
		attrs = append(attrs, slog.String("metrics_endpoint", "/metrics"))
	}
	if cfg.Server.RateLimitEnabled {
		attrs = append(attrs,
			slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
			slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
		)
	}
	attrs = append(attrs, slog.Bool("tls_enabled", tlsModeEnabled(cfg)))
	if tlsModeEnabled(cfg) {
		attrs = append(attrs, slog.String("tls_mode", cfg.Server.TLSMode))
	}
	return attrs
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	tlsEnabled := tlsModeEnabled(cfg)
	go func() {
		protocol := "http"
		if tlsEnabled {
			protocol = "https"
		}
		logger.Info("server starting", serverStartAttrs(cfg, protocol, serverAddr)...)

		var err error
		if tlsEnabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

// healthHandler probes database connectivity under a short timeout and
// reports a generic status document either way.
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}

		reqLogger.Debug("health check passed")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}

func artifactReloadHandler(reg *registry.Registry, securityMetrics *observability.SecurityMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = fmt.Fprint(w, `{"error":"method not allowed"}`)
			return
		}

		authCtx, authenticated := middleware.AuthFromContext(r.Context())
		logAttrs := []any{
			slog.String("operation", "artifact_reload"),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Bool("authenticated", authenticated),
		}
		if authenticated {
			logAttrs = append(logAttrs,
				slog.String("authenticated_user", authCtx.Subject),
				slog.String("issuer", authCtx.Issuer),
			)
		}
		reqLogger.Info("admin endpoint accessed", logAttrs...)

		recordAccess := func(ok bool) {
			if securityMetrics != nil {
				securityMetrics.RecordAdminEndpointAccess(r.Context(), "artifact_reload", authenticated, ok)
			}
		}

		reloadCtx, reloadCancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer reloadCancel()

		if err := reg.ReloadNowContext(reloadCtx); err != nil {
			recordAccess(false)
			reqLogger.Error("artifact reload failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			// Generic message; reload failures can carry path details.
			_, _ = fmt.Fprint(w, `{"status":"error","message":"artifact reload failed"}`)
			return
		}
		recordAccess(true)

		reqLogger.Info("artifact reloaded", logAttrs...)
		w.WriteHeader(http.StatusOK)
		if snapshot := reg.Current(); snapshot != nil {
			_, _ = fmt.Fprintf(w, `{"status":"ok","checksum":%q}`, snapshot.Artifact.Checksum)
			return
		}
		_, _ = fmt.Fprint(w, `{"status":"ok"}`)
	}
}
