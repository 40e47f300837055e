package serverapp

import (
	"context"
	"log/slog"

	"sqlstencil/internal/logging"
)

// cleanupStack collects teardown hooks as resources come online and
// releases them LIFO, so later components (the HTTP server) close
// before the things they depend on (registry, DB pool, exporters).
type cleanupStack struct {
	items []cleanupItem
}

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	s.items = append(s.items, cleanupItem{name, fn})
}

// run drains the stack. Failures are logged and skipped so one
// misbehaving component cannot block the rest of teardown.
func (s *cleanupStack) run(ctx context.Context, logger *logging.Logger) {
	for len(s.items) > 0 {
		item := s.items[len(s.items)-1]
		s.items = s.items[:len(s.items)-1]

		if logger != nil {
			logger.Info("shutting down " + item.name)
		}
		if err := item.fn(ctx); err != nil && logger != nil {
			logger.Warn("cleanup error",
				slog.String("component", item.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Shutdown gracefully releases all acquired resources. Only the first
// call tears anything down; repeat calls return immediately.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}

		a.stateMu.Lock()
		cleanup := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		cleanup.run(ctx, a.logger)
	})

	return nil
}
