// Package registry owns the runtime's view of the compiled artifact.
// It loads and verifies the artifact file at startup, serves an
// immutable snapshot to the executor, and swaps in a new snapshot when
// the file changes. A reload that fails verification leaves the
// previous snapshot serving.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"sqlstencil/internal/artifact"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/observability"
)

// Snapshot is an immutable view of a loaded artifact.
type Snapshot struct {
	Artifact    *artifact.Artifact
	LoadedAt    time.Time
	Fingerprint string
}

// Config controls registry behavior.
type Config struct {
	Path        string
	Logger      *logging.Logger
	Metrics     *observability.ReloadMetrics
	MinInterval time.Duration
	MaxInterval time.Duration
}

// Registry maintains the active artifact snapshot and reloads it when
// the file on disk changes.
type Registry struct {
	path        string
	logger      *logging.Logger
	metrics     *observability.ReloadMetrics
	minInterval time.Duration
	maxInterval time.Duration
	active      atomic.Value
	wg          sync.WaitGroup
}

// New loads the artifact at cfg.Path and returns a registry serving it.
// Startup fails when the artifact is missing or does not verify.
func New(cfg Config) (*Registry, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("registry requires an artifact path")
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.Logger{Logger: slog.Default()}
	}

	minInterval := cfg.MinInterval
	maxInterval := cfg.MaxInterval
	if minInterval <= 0 {
		minInterval = 30 * time.Second
	}
	if maxInterval <= 0 {
		maxInterval = 5 * time.Minute
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}

	r := &Registry{
		path:        cfg.Path,
		logger:      cfg.Logger.WithFields(slog.String("component", "artifact_registry")),
		metrics:     cfg.Metrics,
		minInterval: minInterval,
		maxInterval: maxInterval,
	}

	start := time.Now()
	snapshot, err := r.load()
	if err != nil {
		r.recordReload(time.Since(start), false, "startup")
		return nil, err
	}
	r.active.Store(snapshot)
	r.recordReload(time.Since(start), true, "startup")
	r.logger.Info("artifact loaded",
		slog.String("schema", snapshot.Artifact.Schema),
		slog.String("checksum", snapshot.Artifact.Checksum),
		slog.Int("types", len(snapshot.Artifact.Types)),
		slog.Int("operations", len(snapshot.Artifact.Operations)),
	)

	return r, nil
}

// Start begins the background reload loop.
func (r *Registry) Start(ctx context.Context) {
	if r.minInterval <= 0 || r.maxInterval <= 0 {
		r.logger.Info("artifact reload disabled")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reloadLoop(ctx)
	}()
}

// Current returns the active snapshot.
func (r *Registry) Current() *Snapshot {
	if value := r.active.Load(); value != nil {
		if s, ok := value.(*Snapshot); ok {
			return s
		}
	}
	return nil
}

// Artifact returns the active artifact.
func (r *Registry) Artifact() *artifact.Artifact {
	if s := r.Current(); s != nil {
		return s.Artifact
	}
	return nil
}

// ReloadNow forces a reload and swap.
func (r *Registry) ReloadNow() error {
	return r.ReloadNowContext(context.Background())
}

// ReloadNowContext forces a reload and swap with context support.
func (r *Registry) ReloadNowContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	snapshot, err := r.load()
	if err != nil {
		r.recordReload(time.Since(start), false, "manual")
		return err
	}

	r.active.Store(snapshot)
	r.recordReload(time.Since(start), true, "manual")
	return nil
}

// Wait blocks until the reload loop exits or the context is canceled.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) reloadLoop(ctx context.Context) {
	interval := r.minInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("artifact reload stopped")
			return
		case <-timer.C:
			r.reloadOnce(ctx, &interval)
			timer.Reset(interval)
		}
	}
}

func (r *Registry) reloadOnce(ctx context.Context, interval *time.Duration) {
	start := time.Now()
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.Warn("artifact poll failed", slog.String("error", err.Error()))
		r.recordReload(time.Since(start), false, "poll")
		*interval = r.minInterval
		return
	}

	fingerprint := fingerprintOf(data)
	current := r.Current()
	if current != nil && fingerprint == current.Fingerprint {
		r.recordReload(time.Since(start), true, "poll_no_change")
		*interval = nextInterval(*interval, r.minInterval, r.maxInterval)
		return
	}

	r.logger.Info("artifact change detected, reloading",
		slog.String("fingerprint", fingerprint),
	)
	art, err := artifact.Decode(data)
	if err != nil {
		// The old snapshot keeps serving until a good file shows up.
		r.logger.Error("failed to reload artifact", slog.String("error", err.Error()))
		r.recordReload(time.Since(start), false, "poll")
		*interval = r.minInterval
		return
	}

	r.active.Store(&Snapshot{
		Artifact:    art,
		LoadedAt:    time.Now(),
		Fingerprint: fingerprint,
	})
	*interval = r.minInterval
	r.recordReload(time.Since(start), true, "poll")
	r.logger.Info("artifact reload complete",
		slog.String("checksum", art.Checksum),
		slog.Int("types", len(art.Types)),
		slog.Int("operations", len(art.Operations)),
	)
}

func (r *Registry) load() (*Snapshot, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", r.path, err)
	}
	art, err := artifact.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", r.path, err)
	}
	return &Snapshot{
		Artifact:    art,
		LoadedAt:    time.Now(),
		Fingerprint: fingerprintOf(data),
	}, nil
}

func (r *Registry) recordReload(duration time.Duration, success bool, trigger string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordReload(context.Background(), duration, success, trigger)
}

func fingerprintOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nextInterval(current, minInterval, maxInterval time.Duration) time.Duration {
	if current < minInterval {
		return minInterval
	}
	next := current + current/2
	if next > maxInterval {
		return maxInterval
	}
	return next
}
