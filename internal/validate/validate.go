// Package validate checks the authored schema document against its
// backing catalog before anything is planned or generated. Checks run
// exhaustively: every violation found is collected so an author sees
// the complete list in one compile instead of fixing them one at a
// time.
package validate

import (
	"fmt"

	"sqlstencil/internal/catalog"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/naming"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/setutil"
	"sqlstencil/internal/sqltype"
)

// Schema validates the document against the catalog. The returned
// error is nil or a *operr.CompileError carrying every violation.
func Schema(schema *ir.Schema, cat *catalog.Catalog, namer *naming.Namer) error {
	c := &checker{schema: schema, cat: cat, namer: namer, errs: &operr.CompileError{}}
	c.checkContextAttributes()
	c.checkDeclaredSources()
	c.checkTypes()
	c.checkOperations()
	c.checkRules()
	return c.errs.OrNil()
}

type checker struct {
	schema *ir.Schema
	cat    *catalog.Catalog
	namer  *naming.Namer
	errs   *operr.CompileError
}

// fieldColumn resolves the backing column of a scalar field.
func (c *checker) fieldColumn(f *ir.Field) string {
	if f.Column != "" {
		return f.Column
	}
	return c.namer.ToColumnName(f.Name)
}

// argColumn resolves the backing column of an argument.
func (c *checker) argColumn(a *ir.Argument) string {
	if a.Column != "" {
		return a.Column
	}
	return c.namer.ToColumnName(a.Name)
}

func (c *checker) checkContextAttributes() {
	for _, dup := range setutil.Duplicates(c.schema.ContextAttributes) {
		c.errs.Addf("contextAttributes", "attribute %q is declared more than once", dup)
	}
	for _, attr := range c.schema.ContextAttributes {
		if !naming.ValidIdentifier(attr) {
			c.errs.Addf("contextAttributes", "invalid attribute name %q", attr)
		}
	}
}

func (c *checker) checkDeclaredSources() {
	names := make([]string, 0, len(c.schema.Sources))
	for _, s := range c.schema.Sources {
		names = append(names, s.Name)
	}
	for _, dup := range setutil.Duplicates(names) {
		c.errs.Addf("sources", "source %q is declared more than once", dup)
	}

	for _, s := range c.schema.Sources {
		if s.Name == "" {
			c.errs.Add("sources", "source name cannot be empty")
			continue
		}
		subject := "sources." + s.Name

		switch s.Kind {
		case "", catalog.KindTable, catalog.KindView, catalog.KindMaterialized:
		default:
			c.errs.Addf(subject, "unknown source kind %q", s.Kind)
		}

		if len(s.Columns) == 0 {
			c.errs.Add(subject, "source declares no columns")
			continue
		}

		columnNames := make([]string, 0, len(s.Columns))
		for _, col := range s.Columns {
			columnNames = append(columnNames, col.Name)
			if col.Name == "" {
				c.errs.Add(subject, "column name cannot be empty")
				continue
			}
			if col.SQLType == "" {
				c.errs.Addf(subject, "column %q has no SQL type", col.Name)
			}
		}
		for _, dup := range setutil.Duplicates(columnNames) {
			c.errs.Addf(subject, "column %q is declared more than once", dup)
		}
		for _, name := range setutil.Missing(s.PrimaryKey, columnNames) {
			c.errs.Addf(subject, "primary key column %q is not declared", name)
		}
		for _, key := range s.UniqueKeys {
			for _, name := range setutil.Missing(key, columnNames) {
				c.errs.Addf(subject, "unique key column %q is not declared", name)
			}
		}
	}
}

func (c *checker) checkTypes() {
	names := make([]string, 0, len(c.schema.Types))
	for _, t := range c.schema.Types {
		names = append(names, t.Name)
	}
	for _, dup := range setutil.Duplicates(names) {
		c.errs.Addf("types", "type %q is declared more than once", dup)
	}

	for _, t := range c.schema.Types {
		c.checkType(t)
	}
}

func (c *checker) checkType(t *ir.Type) {
	subject := "types." + t.Name

	if !naming.ValidIdentifier(t.Name) {
		c.errs.Addf(subject, "invalid type name %q", t.Name)
	} else if naming.IsReserved(t.Name) {
		c.errs.Addf(subject, "type name %q is reserved", t.Name)
	}
	if ir.IsBuiltinScalar(t.Name) {
		c.errs.Addf(subject, "type name %q collides with a builtin scalar", t.Name)
	}

	if len(t.Fields) == 0 {
		c.errs.Add(subject, "type declares no fields")
	}

	fieldNames := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		fieldNames = append(fieldNames, f.Name)
	}
	for _, dup := range setutil.Duplicates(fieldNames) {
		c.errs.Addf(subject, "field %q is declared more than once", dup)
	}

	source, ok := c.cat.Source(t.Source)
	if !ok {
		c.errs.AddHint(subject+".source",
			fmt.Sprintf("source %q not found in catalog", t.Source),
			"declare it under sources or check the backend schema")
	}

	for _, f := range t.Fields {
		c.checkField(t, f, source)
	}
}

func (c *checker) checkField(t *ir.Type, f *ir.Field, source *catalog.Source) {
	subject := "types." + t.Name + ".fields." + f.Name

	if !naming.ValidIdentifier(f.Name) {
		c.errs.Addf(subject, "invalid field name %q", f.Name)
	} else if naming.IsReserved(f.Name) {
		c.errs.Addf(subject, "field name %q is reserved", f.Name)
	}

	switch f.Sensitivity {
	case ir.SensitivityPublic, ir.SensitivitySensitive, ir.SensitivityPII, ir.SensitivitySecret:
	default:
		c.errs.Addf(subject, "unknown sensitivity %q", f.Sensitivity)
	}

	if f.IsRelationship() {
		c.checkRelationship(subject, f, source)
		return
	}

	scalar, ok := ir.ScalarKind(f.Type.Named)
	if !ok {
		if _, isType := c.schema.Type(f.Type.Named); isType {
			c.errs.AddHint(subject,
				fmt.Sprintf("field type %q is an object type", f.Type.Named),
				"object-valued fields need a relationship")
		} else {
			c.errs.Addf(subject, "unknown field type %q", f.Type.Named)
		}
		return
	}
	if f.Type.List {
		c.errs.Add(subject, "scalar fields cannot be lists")
	}
	if source == nil {
		return
	}

	column := c.fieldColumn(f)
	col, ok := source.Column(column)
	if !ok {
		c.errs.AddHint(subject,
			fmt.Sprintf("column %q not found on source %q", column, source.Name),
			"set column explicitly when the name is not derivable")
		return
	}
	if !sqltype.CompatibleWithScalar(col.SQLType, scalar) {
		c.errs.Addf(subject, "column %q has SQL type %q which cannot back %s", column, col.SQLType, f.Type.Named)
	}
	// Declared nullability may never promise more than the column
	// guarantees.
	if f.Type.NonNull && col.Nullable {
		c.errs.AddHint(subject,
			fmt.Sprintf("field is non-null but column %q is nullable", column),
			"drop the non-null marker or add a NOT NULL constraint")
	}
}

func (c *checker) checkRelationship(subject string, f *ir.Field, source *catalog.Source) {
	rel := f.Relationship

	switch rel.Kind {
	case ir.OneToOne, ir.OneToMany, ir.ManyToMany:
	default:
		c.errs.Addf(subject, "unknown relationship kind %q", rel.Kind)
		return
	}

	if f.Column != "" {
		c.errs.Add(subject, "relationship fields have no backing column")
	}
	if f.Filterable {
		c.errs.Add(subject, "filterable applies to scalar fields only")
	}

	if rel.Kind.ToMany() && !f.Type.List {
		c.errs.Addf(subject, "%s relationships must be declared as lists", rel.Kind)
	}
	if !rel.Kind.ToMany() && f.Type.List {
		c.errs.Add(subject, "one-to-one relationships cannot be lists")
	}

	target, targetOK := c.schema.Type(rel.Target)
	if !targetOK {
		c.errs.Addf(subject, "unknown target type %q", rel.Target)
	}
	if f.Type.Named != rel.Target {
		c.errs.Addf(subject, "field type %q does not match relationship target %q", f.Type.Named, rel.Target)
	}

	if len(rel.LocalColumns) == 0 || len(rel.RemoteColumns) == 0 {
		c.errs.Add(subject, "relationship declares no join columns")
		return
	}
	if len(rel.LocalColumns) != len(rel.RemoteColumns) {
		c.errs.Addf(subject, "local and remote join columns differ in length (%d vs %d)",
			len(rel.LocalColumns), len(rel.RemoteColumns))
		return
	}

	var targetSource *catalog.Source
	if targetOK {
		targetSource, _ = c.cat.Source(target.Source)
	}

	for i := range rel.LocalColumns {
		var localCol, remoteCol *catalog.Column
		if source != nil {
			col, ok := source.Column(rel.LocalColumns[i])
			if !ok {
				c.errs.Addf(subject, "local join column %q not found on source %q", rel.LocalColumns[i], source.Name)
			} else {
				localCol = col
			}
		}
		if targetSource != nil {
			col, ok := targetSource.Column(rel.RemoteColumns[i])
			if !ok {
				c.errs.Addf(subject, "remote join column %q not found on source %q", rel.RemoteColumns[i], targetSource.Name)
			} else {
				remoteCol = col
			}
		}
		if localCol != nil && remoteCol != nil && !sqltype.JoinComparable(localCol.SQLType, remoteCol.SQLType) {
			c.errs.Addf(subject, "join key type mismatch: %s.%s is %s but %s.%s is %s",
				source.Name, localCol.Name, localCol.SQLType,
				targetSource.Name, remoteCol.Name, remoteCol.SQLType)
		}
	}

	// A one-to-one over a nullable join key cannot promise a row.
	if rel.Kind == ir.OneToOne && f.Type.NonNull && source != nil {
		for _, name := range rel.LocalColumns {
			if col, ok := source.Column(name); ok && col.Nullable {
				c.errs.AddHint(subject,
					fmt.Sprintf("field is non-null but join column %q is nullable", name),
					"drop the non-null marker")
				break
			}
		}
	}

	// To-many results are ordered by the target primary key; without one
	// the child order is not deterministic.
	if rel.Kind.ToMany() && targetSource != nil && len(targetSource.PrimaryKey) == 0 {
		c.errs.AddHint(subject,
			fmt.Sprintf("target source %q has no primary key", targetSource.Name),
			"to-many results are ordered by the target primary key")
	}

	if rel.Kind == ir.ManyToMany {
		c.checkJunction(subject, rel, source, targetSource)
	} else if rel.JunctionSource != "" || len(rel.JunctionLocalColumns) > 0 || len(rel.JunctionRemoteColumns) > 0 {
		c.errs.Add(subject, "junction declarations require a many-to-many relationship")
	}
}

// checkJunction verifies the linking source of a many-to-many
// relationship: its key columns must exist, be NOT NULL, and line up
// positionally with the relationship's local and remote keys.
func (c *checker) checkJunction(subject string, rel *ir.Relationship, source, targetSource *catalog.Source) {
	if rel.JunctionSource == "" {
		c.errs.AddHint(subject,
			"many-to-many relationship declares no junction source",
			"set junctionSource to the linking table")
		return
	}
	junction, ok := c.cat.Source(rel.JunctionSource)
	if !ok {
		c.errs.Addf(subject, "junction source %q not found in catalog", rel.JunctionSource)
		return
	}
	if len(rel.JunctionLocalColumns) == 0 || len(rel.JunctionRemoteColumns) == 0 {
		c.errs.AddHint(subject,
			"many-to-many relationship declares no junction key columns",
			"set junctionLocalColumns and junctionRemoteColumns")
		return
	}
	if len(rel.JunctionLocalColumns) != len(rel.LocalColumns) {
		c.errs.Addf(subject, "junction local columns differ in length from local columns (%d vs %d)",
			len(rel.JunctionLocalColumns), len(rel.LocalColumns))
		return
	}
	if len(rel.JunctionRemoteColumns) != len(rel.RemoteColumns) {
		c.errs.Addf(subject, "junction remote columns differ in length from remote columns (%d vs %d)",
			len(rel.JunctionRemoteColumns), len(rel.RemoteColumns))
		return
	}

	for i, name := range rel.JunctionLocalColumns {
		col, ok := junction.Column(name)
		if !ok {
			c.errs.Addf(subject, "junction column %q not found on %q", name, junction.Name)
			continue
		}
		if col.Nullable {
			c.errs.Addf(subject, "junction column %q must be NOT NULL", name)
		}
		if source == nil {
			continue
		}
		if local, ok := source.Column(rel.LocalColumns[i]); ok && !sqltype.JoinComparable(local.SQLType, col.SQLType) {
			c.errs.Addf(subject, "join key type mismatch: %s.%s is %s but %s.%s is %s",
				source.Name, local.Name, local.SQLType, junction.Name, col.Name, col.SQLType)
		}
	}
	for i, name := range rel.JunctionRemoteColumns {
		col, ok := junction.Column(name)
		if !ok {
			c.errs.Addf(subject, "junction column %q not found on %q", name, junction.Name)
			continue
		}
		if col.Nullable {
			c.errs.Addf(subject, "junction column %q must be NOT NULL", name)
		}
		if targetSource == nil {
			continue
		}
		if remote, ok := targetSource.Column(rel.RemoteColumns[i]); ok && !sqltype.JoinComparable(col.SQLType, remote.SQLType) {
			c.errs.Addf(subject, "join key type mismatch: %s.%s is %s but %s.%s is %s",
				junction.Name, col.Name, col.SQLType, targetSource.Name, remote.Name, remote.SQLType)
		}
	}
}
