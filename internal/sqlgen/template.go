// Package sqlgen emits the parameterized SQL templates of a compiled
// schema. Every template is fixed at compile time: query text plus an
// ordered parameter list the runtime binds positionally. No value ever
// enters the text; optional arguments use null-guarded predicates and
// partial updates use per-column set flags, so one template serves
// every argument combination.
package sqlgen

import (
	"fmt"

	"sqlstencil/internal/ir"
)

// Kind classifies a template.
type Kind string

const (
	KindSelectOne  Kind = "select-one"
	KindSelectList Kind = "select-list"
	KindBatch      Kind = "batch"
	KindInsert     Kind = "insert"
	KindUpdate     Kind = "update"
	KindDelete     Kind = "delete"
	KindRefetch    Kind = "refetch"
)

// ParamRole tells the binder where a placeholder's value comes from.
type ParamRole string

const (
	// RoleArgument binds a declared or synthesized argument by name.
	RoleArgument ParamRole = "argument"
	// RoleGuard is the presence probe of an optional argument: the
	// binder binds the argument's value (nil when absent) so the
	// template's "? IS NULL OR" guard can disable the predicate.
	RoleGuard ParamRole = "guard"
	// RoleSetFlag is the presence flag of an update column: 1 when the
	// argument was supplied, 0 to keep the stored value.
	RoleSetFlag ParamRole = "set-flag"
	// RoleWrite binds an argument value into an INSERT or UPDATE.
	RoleWrite ParamRole = "write"
	// RoleKey binds a row-key argument of an update, delete or refetch.
	RoleKey ParamRole = "key"
	// RoleLimit and RoleOffset bind the page bounds.
	RoleLimit  ParamRole = "limit"
	RoleOffset ParamRole = "offset"
	// RoleCursor binds one decoded cursor value; Name carries the
	// order column.
	RoleCursor ParamRole = "cursor"
	// RoleParents is the batch set slot: the single Param expands into
	// one placeholder (or key-width tuple) per parent at bind time.
	RoleParents ParamRole = "parents"
	// RoleWindowLow and RoleWindowHigh bind the per-parent row window
	// of a batched to-many query.
	RoleWindowLow  ParamRole = "window-low"
	RoleWindowHigh ParamRole = "window-high"
	// RoleInsertID binds the backend-assigned id of the preceding
	// insert.
	RoleInsertID ParamRole = "insert-id"
)

// ParentSetToken marks the spot in batch SQL where the bound parent
// set is placed. The runtime replaces it with placeholder punctuation
// only ("?", commas, parentheses), sized to the parent count; values
// still bind positionally.
const ParentSetToken = "{{parents}}"

// ListToken marks the expansion spot of a list-valued argument inside
// an IN clause. Replaced the same way as ParentSetToken.
func ListToken(name string) string {
	return "{{list:" + name + "}}"
}

// Aliases of synthesized result columns. A leading double underscore
// keeps them clear of declared fields, which the validator reserves.
const (
	// BatchParentAlias echoes a single-column parent key in batch rows.
	BatchParentAlias = "__batch_parent_id"
	// batchParentAliasPrefix numbers the echoed columns of composite
	// parent keys.
	batchParentAliasPrefix = "__batch_parent_"
	// joinAliasPrefix prefixes inline-join table and column aliases.
	joinAliasPrefix = "__join_"
	// hiddenKeyAliasPrefix marks columns projected only to carry the
	// parent keys of batched relationships. They never reach formatted
	// output.
	hiddenKeyAliasPrefix = "__key_"
	// rowNumberAlias is the window counter of batched to-many SQL.
	rowNumberAlias = "__rn"
	// batchSubqueryAlias names the windowed subquery.
	batchSubqueryAlias = "__batch"
	// junctionAlias names the junction table in many-to-many batch SQL.
	junctionAlias = "__junction"
	// rootAlias names the operation's own source in generated SQL.
	rootAlias = "t"
)

// BatchParentAliases returns the echoed parent-key aliases for a key
// of the given width.
func BatchParentAliases(width int) []string {
	if width <= 1 {
		return []string{BatchParentAlias}
	}
	aliases := make([]string, width)
	for i := range aliases {
		aliases[i] = batchParentAliasPrefix + fmt.Sprint(i)
	}
	return aliases
}

// Param is one positional placeholder of a template, in bind order.
type Param struct {
	// Name resolves the value: an argument name for argument, guard,
	// set-flag, write and key roles, an order column for cursor.
	Name   string    `json:"name"`
	Role   ParamRole `json:"role"`
	Scalar ir.Scalar `json:"scalar,omitempty"`
	Column string    `json:"column,omitempty"`
	// Expand marks a slot whose token in the SQL text grows to the
	// bound value count: the parent set, or a list argument.
	Expand bool `json:"expand,omitempty"`
	// Width is the tuple width of an expanded parent set.
	Width int `json:"width,omitempty"`
}

// ResultColumn maps one result-set column to the field it populates.
// A column with an empty Field carries a hidden batch key and is
// dropped from formatted output.
type ResultColumn struct {
	// Name is the column alias in the result set.
	Name string `json:"name"`
	// Column is the underlying source column.
	Column string `json:"column"`
	// Field is the populated field of the operation's return type, or
	// of Rel's target when Rel is set.
	Field string `json:"field,omitempty"`
	// Rel names the inline-joined relationship field owning this
	// column. Empty for the root row's own columns.
	Rel string `json:"rel,omitempty"`
	// Scalar is the field's declared kind, used when formatting.
	Scalar ir.Scalar `json:"scalar,omitempty"`
}

// Template is one immutable parameterized query. The result set is
// Columns in order, followed by ParentAliases for batch templates.
type Template struct {
	Name          string         `json:"name"`
	Kind          Kind           `json:"kind"`
	SQL           string         `json:"sql"`
	Params        []Param        `json:"params,omitempty"`
	Columns       []ResultColumn `json:"columns"`
	ParentAliases []string       `json:"parentAliases,omitempty"`
}

// OperationTemplates bundles the templates of one operation.
type OperationTemplates struct {
	Name string `json:"name"`
	// Primary serves the operation itself.
	Primary *Template `json:"primary"`
	// After is the keyset variant of a paged list, selected when the
	// request carries a cursor.
	After *Template `json:"after,omitempty"`
	// Refetch re-reads a mutation's affected row.
	Refetch *Template `json:"refetch,omitempty"`
}

// Set is the full template output of one compilation.
type Set struct {
	// Operations follow schema declaration order.
	Operations []*OperationTemplates `json:"operations"`
	// Batches holds one secondary-query template per relationship,
	// keyed "Type.field", in type then field order.
	Batches []*Template `json:"batches,omitempty"`
}
