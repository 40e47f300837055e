package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Queryer provides query access for catalog introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Introspect reads the backing catalog for one database from
// information_schema. It is a build-time convenience; the runtime
// executor never introspects.
func Introspect(ctx context.Context, db Queryer, databaseName string) (*Catalog, error) {
	ctx, span := startSpan(ctx, "catalog.introspect",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	infos, err := getSources(ctx, db, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("list sources: %w", err)
	}

	analytic, err := getAnalyticSources(ctx, db, databaseName)
	if err != nil {
		// Backends without columnar replicas have no such metadata;
		// every source stays on its row tier.
		slog.Default().Debug("no columnar replica metadata", "database", databaseName, "error", err.Error())
		analytic = map[string]struct{}{}
	}

	sources := make([]*Source, 0, len(infos))
	for _, info := range infos {
		src := &Source{
			Name: info.name,
			Kind: info.kind,
		}
		_, src.Analytic = analytic[info.name]

		src.Columns, err = getColumns(ctx, db, databaseName, info.name)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("columns of %s: %w", info.name, err)
		}

		if info.kind == KindTable {
			src.PrimaryKey, err = getPrimaryKey(ctx, db, databaseName, info.name)
			if err != nil {
				recordSpanError(span, err)
				return nil, fmt.Errorf("primary key of %s: %w", info.name, err)
			}
			src.UniqueKeys, src.Indexes, err = getIndexes(ctx, db, databaseName, info.name)
			if err != nil {
				recordSpanError(span, err)
				return nil, fmt.Errorf("indexes of %s: %w", info.name, err)
			}
		}

		sources = append(sources, src)
	}

	return New(sources...), nil
}

type sourceInfo struct {
	name string
	kind SourceKind
}

func getSources(ctx context.Context, db Queryer, databaseName string) ([]sourceInfo, error) {
	ctx, span := startSpan(ctx, "catalog.get_sources",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	query := `
		SELECT TABLE_NAME, TABLE_TYPE
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ?
		AND TABLE_TYPE IN ('BASE TABLE', 'VIEW')
		ORDER BY TABLE_NAME
	`

	rows, err := db.QueryContext(ctx, query, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var infos []sourceInfo
	for rows.Next() {
		var name, tableType string
		if err := rows.Scan(&name, &tableType); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		kind := KindTable
		if strings.EqualFold(tableType, "VIEW") {
			kind = KindView
		}
		infos = append(infos, sourceInfo{name: name, kind: kind})
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return infos, nil
}

func getColumns(ctx context.Context, db Queryer, databaseName, sourceName string) ([]*Column, error) {
	ctx, span := startSpan(ctx, "catalog.get_columns",
		attribute.String("db.name", databaseName),
		attribute.String("db.source", sourceName),
	)
	defer span.End()

	query := `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, EXTRA
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`

	rows, err := db.QueryContext(ctx, query, databaseName, sourceName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []*Column
	for rows.Next() {
		var (
			col           Column
			isNullable    string
			columnDefault sql.NullString
			extra         string
		)
		if err := rows.Scan(&col.Name, &col.SQLType, &isNullable, &columnDefault, &extra); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		col.Nullable = strings.EqualFold(isNullable, "YES")
		col.HasDefault = columnDefault.Valid
		extraLower := strings.ToLower(extra)
		col.AutoGenerated = strings.Contains(extraLower, "auto_increment") ||
			strings.Contains(extraLower, "auto_random") ||
			strings.Contains(extraLower, "generated")
		columns = append(columns, &col)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return columns, nil
}

func getPrimaryKey(ctx context.Context, db Queryer, databaseName, sourceName string) ([]string, error) {
	ctx, span := startSpan(ctx, "catalog.get_primary_key",
		attribute.String("db.name", databaseName),
		attribute.String("db.source", sourceName),
	)
	defer span.End()

	query := `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = ?
		AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION
	`

	rows, err := db.QueryContext(ctx, query, databaseName, sourceName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var key []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		key = append(key, columnName)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return key, nil
}

func getIndexes(ctx context.Context, db Queryer, databaseName, sourceName string) (unique, nonUnique [][]string, err error) {
	ctx, span := startSpan(ctx, "catalog.get_indexes",
		attribute.String("db.name", databaseName),
		attribute.String("db.source", sourceName),
	)
	defer span.End()

	query := `
		SELECT INDEX_NAME, NON_UNIQUE, SEQ_IN_INDEX, COLUMN_NAME
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = ?
		AND INDEX_NAME != 'PRIMARY'
		ORDER BY INDEX_NAME, SEQ_IN_INDEX
	`

	rows, err := db.QueryContext(ctx, query, databaseName, sourceName)
	if err != nil {
		recordSpanError(span, err)
		return nil, nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	type indexInfo struct {
		columns   []string
		nonUnique bool
	}
	byIndex := make(map[string]*indexInfo)
	for rows.Next() {
		var (
			indexName    string
			nonUniqueRaw int
			seqInIndex   int
			columnName   string
		)
		if err := rows.Scan(&indexName, &nonUniqueRaw, &seqInIndex, &columnName); err != nil {
			recordSpanError(span, err)
			return nil, nil, err
		}
		info := byIndex[indexName]
		if info == nil {
			info = &indexInfo{nonUnique: nonUniqueRaw != 0}
			byIndex[indexName] = info
		}
		info.columns = append(info.columns, columnName)
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, nil, err
	}

	names := make([]string, 0, len(byIndex))
	for name := range byIndex {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := byIndex[name]
		if info.nonUnique {
			nonUnique = append(nonUnique, info.columns)
		} else {
			unique = append(unique, info.columns)
		}
	}
	return unique, nonUnique, nil
}

func getAnalyticSources(ctx context.Context, db Queryer, databaseName string) (map[string]struct{}, error) {
	ctx, span := startSpan(ctx, "catalog.get_analytic_sources",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	query := `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TIFLASH_REPLICA
		WHERE TABLE_SCHEMA = ?
		AND AVAILABLE = 1
	`

	rows, err := db.QueryContext(ctx, query, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	result := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		result[name] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return result, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("sqlstencil/catalog")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
