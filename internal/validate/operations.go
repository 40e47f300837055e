package validate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"sqlstencil/internal/catalog"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/naming"
	"sqlstencil/internal/setutil"
	"sqlstencil/internal/sqltype"
)

var generatedArgNames = map[string]bool{
	ir.PagingArgLimit:  true,
	ir.PagingArgOffset: true,
	ir.PagingArgAfter:  true,
}

func (c *checker) checkOperations() {
	names := make([]string, 0, len(c.schema.Operations))
	for _, op := range c.schema.Operations {
		names = append(names, op.Name)
	}
	for _, dup := range setutil.Duplicates(names) {
		c.errs.Addf("operations", "operation %q is declared more than once", dup)
	}

	for _, op := range c.schema.Operations {
		c.checkOperation(op)
	}
}

func (c *checker) checkOperation(op *ir.Operation) {
	subject := "operations." + op.Name

	if !naming.ValidIdentifier(op.Name) {
		c.errs.Addf(subject, "invalid operation name %q", op.Name)
	} else if naming.IsReserved(op.Name) {
		c.errs.Addf(subject, "operation name %q is reserved", op.Name)
	}

	switch op.Kind {
	case ir.OpQuery, ir.OpMutation:
	default:
		c.errs.Addf(subject, "unknown operation kind %q", op.Kind)
		return
	}

	ret, retOK := c.schema.Type(op.ReturnType)
	if !retOK {
		if ir.IsBuiltinScalar(op.ReturnType) {
			c.errs.AddHint(subject,
				fmt.Sprintf("operations return declared types, not %q", op.ReturnType),
				"wrap the value in a declared type")
		} else {
			c.errs.Addf(subject, "unknown return type %q", op.ReturnType)
		}
	}
	var retSource *catalog.Source
	if retOK {
		retSource, _ = c.cat.Source(ret.Source)
	}

	// An empty list result is an empty list, never null.
	if op.ReturnsList && op.Nullable {
		c.errs.AddHint(subject, "list operations cannot be nullable", "an empty result is an empty list")
	}

	argNames := make([]string, 0, len(op.Arguments))
	for _, a := range op.Arguments {
		argNames = append(argNames, a.Name)
	}
	for _, dup := range setutil.Duplicates(argNames) {
		c.errs.Addf(subject, "argument %q is declared more than once", dup)
	}

	pagingActive := op.Kind == ir.OpQuery && op.ReturnsList && (op.Paging == nil || !op.Paging.Disabled)
	for _, a := range op.Arguments {
		c.checkArgument(op, a, retSource, pagingActive)
	}

	switch op.Kind {
	case ir.OpQuery:
		c.checkQuery(op, retSource, subject)
	case ir.OpMutation:
		c.checkMutation(op, retSource, subject)
	}

	if op.Paging != nil {
		c.checkPaging(op, retSource, subject)
	}
}

func (c *checker) checkArgument(op *ir.Operation, a *ir.Argument, retSource *catalog.Source, pagingActive bool) {
	subject := "operations." + op.Name + ".arguments." + a.Name

	if !naming.ValidIdentifier(a.Name) {
		c.errs.Addf(subject, "invalid argument name %q", a.Name)
	} else if naming.IsReserved(a.Name) {
		c.errs.Addf(subject, "argument name %q is reserved", a.Name)
	}
	if pagingActive && generatedArgNames[a.Name] {
		c.errs.AddHint(subject,
			fmt.Sprintf("argument name %q collides with a generated paging argument", a.Name),
			"rename the argument or disable paging")
	}

	scalar, ok := ir.ScalarKind(a.Type.Named)
	if !ok {
		c.errs.Addf(subject, "arguments take builtin scalars, not %q", a.Type.Named)
		return
	}
	if a.Type.List && op.Kind == ir.OpMutation {
		c.errs.Add(subject, "mutation arguments cannot be lists")
	}

	if r := a.Range; r != nil {
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			c.errs.Addf(subject, "range min %d is greater than max %d", *r.Min, *r.Max)
		}
		if r.MaxLen != nil && *r.MaxLen <= 0 {
			c.errs.Add(subject, "maxLen must be greater than zero")
		}
		if r.MaxItems != nil && *r.MaxItems <= 0 {
			c.errs.Add(subject, "maxItems must be greater than zero")
		}
		if r.MaxItems != nil && !a.Type.List {
			c.errs.Add(subject, "maxItems applies to list arguments only")
		}
	}

	if a.Default != nil && !defaultMatches(scalar, a.Default) {
		c.errs.Addf(subject, "default value %v does not match type %s", a.Default, a.Type.Named)
	}

	if retSource == nil {
		return
	}
	column := c.argColumn(a)
	col, ok := retSource.Column(column)
	if !ok {
		c.errs.AddHint(subject,
			fmt.Sprintf("column %q not found on source %q", column, retSource.Name),
			"set column explicitly when the name is not derivable")
		return
	}
	if !sqltype.CompatibleWithScalar(col.SQLType, scalar) {
		c.errs.Addf(subject, "column %q has SQL type %q which cannot bind a %s argument", column, col.SQLType, a.Type.Named)
	}
}

// defaultMatches checks a default against its declared scalar. Defaults
// arrive as decoded JSON values.
func defaultMatches(s ir.Scalar, v interface{}) bool {
	switch s {
	case ir.ScalarString, ir.ScalarUUID, ir.ScalarDate, ir.ScalarDateTime, ir.ScalarTime:
		_, ok := v.(string)
		return ok
	case ir.ScalarID, ir.ScalarDecimal:
		switch v.(type) {
		case string, float64:
			return true
		}
		return false
	case ir.ScalarInt:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case ir.ScalarFloat:
		_, ok := v.(float64)
		return ok
	case ir.ScalarBoolean:
		_, ok := v.(bool)
		return ok
	case ir.ScalarJSON:
		return true
	}
	return false
}

func (c *checker) checkQuery(op *ir.Operation, retSource *catalog.Source, subject string) {
	if op.Mutation != nil {
		c.errs.Add(subject, "query operations cannot declare a mutation kind")
	}
	if !op.ReturnsList && len(op.Arguments) == 0 {
		c.errs.AddHint(subject, "single-row queries need at least one argument", "add a key argument or return a list")
	}
	// List results always carry a deterministic ORDER BY: explicit order
	// columns, or the primary key as fallback.
	if op.ReturnsList && retSource != nil {
		ordered := op.Paging != nil && len(op.Paging.OrderBy) > 0
		if !ordered && len(retSource.PrimaryKey) == 0 {
			c.errs.AddHint(subject,
				fmt.Sprintf("source %q has no primary key to order by", retSource.Name),
				"declare paging.orderBy for a deterministic order")
		}
	}
}

func (c *checker) checkMutation(op *ir.Operation, retSource *catalog.Source, subject string) {
	if op.ReturnsList {
		c.errs.Add(subject, "mutations return a single row")
	}
	if op.Mutation == nil {
		c.errs.AddHint(subject,
			"mutation operation declares no mutation kind",
			"set mutation.kind to insert, update or delete")
		return
	}
	switch op.Mutation.Kind {
	case ir.MutationInsert, ir.MutationUpdate, ir.MutationDelete:
	default:
		c.errs.Addf(subject, "unknown mutation kind %q", op.Mutation.Kind)
		return
	}
	if retSource == nil {
		return
	}
	if retSource.Kind != catalog.KindTable {
		c.errs.Addf(subject, "mutations require a table source; %q is a %s", retSource.Name, retSource.Kind)
		return
	}

	switch op.Mutation.Kind {
	case ir.MutationInsert:
		c.checkInsert(op, retSource, subject)
	case ir.MutationUpdate, ir.MutationDelete:
		c.checkKeyedMutation(op, retSource, subject)
	}
}

// checkInsert verifies the arguments cover every column the backend
// cannot fill on its own.
func (c *checker) checkInsert(op *ir.Operation, source *catalog.Source, subject string) {
	if len(op.Mutation.KeyArguments) > 0 {
		c.errs.Add(subject, "insert mutations take no key arguments")
	}

	bound := make(map[string]bool, len(op.Arguments))
	for _, a := range op.Arguments {
		column := c.argColumn(a)
		col, ok := source.Column(column)
		if !ok {
			continue // reported by checkArgument
		}
		if col.AutoGenerated {
			c.errs.Addf("operations."+op.Name+".arguments."+a.Name, "column %q is generated by the backend", column)
		}
		bound[column] = true
	}
	for _, col := range source.Columns {
		if col.Nullable || col.HasDefault || col.AutoGenerated || bound[col.Name] {
			continue
		}
		c.errs.AddHint(subject,
			fmt.Sprintf("required column %q is not covered by any argument", col.Name),
			"add an argument for it or give the column a default")
	}
}

// checkKeyedMutation verifies update and delete identify exactly one
// row: the key arguments must form the primary key or a unique key.
func (c *checker) checkKeyedMutation(op *ir.Operation, source *catalog.Source, subject string) {
	keyArgs, ok := c.resolveKeyArguments(op, source, subject)
	if !ok {
		return
	}

	keyColumns := make([]string, 0, len(keyArgs))
	for _, a := range keyArgs {
		keyColumns = append(keyColumns, c.argColumn(a))
	}
	if !matchesKey(keyColumns, source) {
		c.errs.AddHint(subject,
			fmt.Sprintf("key (%s) does not match the primary key or a unique key of %q",
				strings.Join(keyColumns, ", "), source.Name),
			"key arguments must identify exactly one row")
	}

	if op.Mutation.Kind == ir.MutationUpdate && len(op.Arguments) == len(keyArgs) {
		c.errs.Add(subject, "update declares no writable arguments")
	}
	if op.Mutation.Kind == ir.MutationDelete && len(op.Arguments) > len(keyArgs) {
		c.errs.Add(subject, "delete takes key arguments only")
	}
}

// resolveKeyArguments returns the arguments forming the row key: the
// declared keyArguments, or the arguments matching the source primary
// key when none are declared.
func (c *checker) resolveKeyArguments(op *ir.Operation, source *catalog.Source, subject string) ([]*ir.Argument, bool) {
	if len(op.Mutation.KeyArguments) > 0 {
		args := make([]*ir.Argument, 0, len(op.Mutation.KeyArguments))
		ok := true
		for _, name := range op.Mutation.KeyArguments {
			a, found := op.Argument(name)
			if !found {
				c.errs.Addf(subject, "key argument %q is not declared", name)
				ok = false
				continue
			}
			args = append(args, a)
		}
		return args, ok && len(args) > 0
	}

	if len(source.PrimaryKey) == 0 {
		c.errs.AddHint(subject,
			fmt.Sprintf("source %q has no primary key", source.Name),
			"set mutation.keyArguments to a unique key")
		return nil, false
	}

	pk := make(map[string]bool, len(source.PrimaryKey))
	for _, name := range source.PrimaryKey {
		pk[name] = true
	}
	covered := make(map[string]bool, len(source.PrimaryKey))
	var args []*ir.Argument
	for _, a := range op.Arguments {
		if column := c.argColumn(a); pk[column] {
			args = append(args, a)
			covered[column] = true
		}
	}
	ok := true
	for _, name := range source.PrimaryKey {
		if !covered[name] {
			c.errs.AddHint(subject,
				fmt.Sprintf("primary key column %q is not covered by an argument", name),
				"declare an argument for it or set mutation.keyArguments")
			ok = false
		}
	}
	return args, ok
}

// matchesKey reports whether the columns exactly form the primary key
// or one of the unique keys of the source.
func matchesKey(columns []string, source *catalog.Source) bool {
	if sameKey(columns, source.PrimaryKey) {
		return true
	}
	for _, key := range source.UniqueKeys {
		if sameKey(columns, key) {
			return true
		}
	}
	return false
}

func sameKey(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func (c *checker) checkPaging(op *ir.Operation, retSource *catalog.Source, subject string) {
	p := op.Paging
	subject += ".paging"

	if op.Kind != ir.OpQuery || !op.ReturnsList {
		c.errs.Add(subject, "paging applies to list queries only")
		return
	}
	if p.DefaultLimit < 0 {
		c.errs.Add(subject, "defaultLimit cannot be negative")
	}
	if p.MaxLimit < 0 {
		c.errs.Add(subject, "maxLimit cannot be negative")
	}
	if p.DefaultLimit > 0 && p.MaxLimit > 0 && p.DefaultLimit > p.MaxLimit {
		c.errs.Addf(subject, "defaultLimit %d is greater than maxLimit %d", p.DefaultLimit, p.MaxLimit)
	}

	orderColumns := make([]string, 0, len(p.OrderBy))
	for _, oc := range p.OrderBy {
		orderColumns = append(orderColumns, oc.Column)
	}
	for _, dup := range setutil.Duplicates(orderColumns) {
		c.errs.Addf(subject, "order column %q appears more than once", dup)
	}

	if retSource == nil {
		return
	}
	for _, oc := range p.OrderBy {
		col, ok := retSource.Column(oc.Column)
		if !ok {
			c.errs.Addf(subject, "order column %q not found on source %q", oc.Column, retSource.Name)
			continue
		}
		if !sqltype.MapScalar(col.SQLType).Orderable() {
			c.errs.Addf(subject, "order column %q has unorderable SQL type %q", oc.Column, col.SQLType)
		}
	}
}
