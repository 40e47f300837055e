package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sqlstencil/internal/catalog"
	"sqlstencil/internal/compile"
	"sqlstencil/internal/config"
	"sqlstencil/internal/dbexec"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/logging"
	"sqlstencil/internal/naming"
	"sqlstencil/internal/operr"

	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(); err != nil {
		slog.Error("compilation error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	pflag.Bool("version", false, "Print version and exit")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion, _ := pflag.CommandLine.GetBool("version"); showVersion {
		fmt.Printf("sqlstencil-compiler %s (%s)\n", Version, Commit)
		return nil
	}

	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return fmt.Errorf("configuration validation failed")
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	slog.SetDefault(logger.Logger)

	if cfg.Compiler.SchemaPath == "" {
		return fmt.Errorf("no schema document: set compiler.schema_path")
	}
	if cfg.Compiler.OutputPath == "" {
		return fmt.Errorf("no output path: set compiler.output_path")
	}

	data, err := os.ReadFile(cfg.Compiler.SchemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema document: %w", err)
	}
	schema, err := ir.ParseDocument(data)
	if err != nil {
		return err
	}

	cat, err := buildCatalog(context.Background(), cfg, logger, schema)
	if err != nil {
		return err
	}

	result, err := compile.Run(schema, cat, compile.Options{
		Preset:     cfg.Compiler.Preset,
		Strictness: cfg.Compiler.Strictness,
		BaseCost:   cfg.Compiler.BaseCost,
		FieldCost:  cfg.Compiler.FieldCost,
		DepthCost:  cfg.Compiler.DepthCost,
		Namer:      naming.New(cfg.Naming),
		Logger:     logger,
	})
	if err != nil {
		var compileErr *operr.CompileError
		if errors.As(err, &compileErr) {
			for _, v := range compileErr.Violations {
				logger.Error("schema violation",
					slog.String("subject", v.Subject),
					slog.String("message", v.Message),
				)
			}
			return fmt.Errorf("schema compilation failed with %d violations", len(compileErr.Violations))
		}
		return err
	}

	if err := writeArtifact(cfg.Compiler.OutputPath, result.Encoded); err != nil {
		return err
	}

	logger.Info("artifact written",
		slog.String("path", cfg.Compiler.OutputPath),
		slog.Int("bytes", len(result.Encoded)),
		slog.String("schema", schema.Name),
		slog.String("preset", result.Preset.Name),
		slog.String("checksum", result.Document.Checksum),
	)
	return nil
}

// buildCatalog resolves the catalog the schema compiles against:
// inline declarations when the document carries them, otherwise a live
// introspection pass over the configured database.
func buildCatalog(ctx context.Context, cfg *config.Config, logger *logging.Logger, schema *ir.Schema) (*catalog.Catalog, error) {
	if len(schema.Sources) > 0 {
		logger.Info("using declared sources", slog.Int("sources", len(schema.Sources)))
		return catalog.New(schema.Sources...), nil
	}

	if !cfg.Database.HasTarget() {
		return nil, fmt.Errorf("schema declares no sources and no database is configured: set database.dsn or database.database")
	}
	databaseName, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, err
	}
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}

	opts := dbexec.OpenOptions{
		DSN:            cfg.Database.DSN(),
		MaxOpen:        cfg.Database.Pool.MaxOpen,
		MaxIdle:        cfg.Database.Pool.MaxIdle,
		MaxLifetime:    cfg.Database.Pool.MaxLifetime,
		ConnectTimeout: cfg.Database.ConnectionTimeout,
		RetryInterval:  cfg.Database.ConnectionRetryInterval,
	}
	db, _, err := dbexec.Open(opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := dbexec.Configure(ctx, db, opts, logger); err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	logger.Info("introspecting catalog", slog.String("database", databaseName))
	return catalog.Introspect(ctx, db, databaseName)
}

// writeArtifact replaces the output file atomically so a server polling
// it never reads a half-written document.
func writeArtifact(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace artifact: %w", err)
	}
	return nil
}
