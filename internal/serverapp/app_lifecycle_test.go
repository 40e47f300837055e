package serverapp

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"sqlstencil/internal/config"
	"sqlstencil/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: "info", Format: "text"})
}

func TestWaitForStopReportsCause(t *testing.T) {
	t.Run("signal", func(t *testing.T) {
		app := &App{logger: testLogger()}
		stop := make(chan os.Signal, 1)
		stop <- syscall.SIGTERM

		reason, err := app.WaitForStop(stop, make(chan error, 1))
		require.NoError(t, err)
		assert.Equal(t, "signal", reason)
	})

	t.Run("listener failure", func(t *testing.T) {
		app := &App{logger: testLogger()}
		serverErrors := make(chan error, 1)
		serverErrors <- errors.New("listen tcp: address in use")

		reason, err := app.WaitForStop(make(chan os.Signal, 1), serverErrors)
		require.Error(t, err)
		assert.Equal(t, "server_error", reason)
	})
}

func TestShutdownRunsCleanupExactlyOnce(t *testing.T) {
	app := &App{logger: testLogger()}
	var calls int32
	app.cleanup.push("counter", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, app.Shutdown(ctx))
	require.NoError(t, app.Shutdown(ctx), "repeated Shutdown must be a no-op")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStartRequiresInit(t *testing.T) {
	app := &App{logger: testLogger()}
	_, err := app.Start()
	require.Error(t, err)
}

func TestStartThenShutdown(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	app := &App{
		cfg:         &config.Config{Server: config.ServerConfig{TLSMode: "off"}},
		logger:      testLogger(),
		serverAddr:  "127.0.0.1:0",
		srv:         srv,
		initialized: true,
	}
	app.cleanup.push("HTTP server", srv.Shutdown)

	_, err := app.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
}

func TestFailedInitLeavesAppUninitialized(t *testing.T) {
	// Port 1 with no retries: the dial fails fast and Init must report
	// it without flipping the initialized flag.
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     1,
			User:     "root",
			Password: "invalid",
			Database: "test",
			TLS:      config.DatabaseTLSConfig{Mode: "off"},
			Pool: config.PoolConfig{
				MaxOpen:     1,
				MaxIdle:     1,
				MaxLifetime: time.Second,
			},
			ConnectionTimeout:       0,
			ConnectionRetryInterval: 10 * time.Millisecond,
		},
		Server: config.ServerConfig{
			Port:               18089,
			ArtifactPath:       "testdata/missing.stencil",
			ReloadMinInterval:  time.Second,
			ReloadMaxInterval:  2 * time.Second,
			SecurityProfile:    "standard",
			ReadTimeout:        time.Second,
			WriteTimeout:       time.Second,
			IdleTimeout:        time.Second,
			ShutdownTimeout:    time.Second,
			HealthCheckTimeout: time.Second,
			TLSMode:            "off",
		},
		Observability: config.ObservabilityConfig{
			ServiceName:    "sqlstencil",
			ServiceVersion: "test",
			Environment:    "test",
			Logging: config.LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}

	app, err := New(cfg, testLogger())
	require.NoError(t, err)

	require.Error(t, app.Init(context.Background()))

	app.stateMu.Lock()
	defer app.stateMu.Unlock()
	assert.False(t, app.initialized)
}
