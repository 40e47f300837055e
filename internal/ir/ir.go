// Package ir defines the authored schema document the compiler consumes:
// types, fields, relationships, operations and permission rules, already
// parsed by the authoring collaborator. The compiler never re-derives this
// from raw textual source.
package ir

import (
	"sqlstencil/internal/catalog"
)

// Schema is the root of the authored document.
type Schema struct {
	// Name identifies the schema; it becomes part of the artifact header.
	Name string `json:"name"`
	// ContextAttributes declares the request-context attribute names
	// permission expressions may reference. Referencing anything else is
	// a compile failure.
	ContextAttributes []string `json:"contextAttributes,omitempty"`
	// Sources optionally declares the backing catalog inline. When empty
	// the catalog must be supplied separately (e.g. introspected).
	Sources []*catalog.Source `json:"sources,omitempty"`
	Types   []*Type           `json:"types"`
	// Operations is the closed set of callable queries and mutations.
	Operations []*Operation `json:"operations"`
	Rules      []*Rule      `json:"rules,omitempty"`
}

// Type declares an API object type backed by a catalog source.
type Type struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	// Capabilities carries implemented-capability tags (opaque to the
	// compiler, surfaced in the artifact).
	Capabilities []string `json:"capabilities,omitempty"`
	Fields       []*Field `json:"fields"`
}

// Field declares a scalar or relationship field on a type.
type Field struct {
	Name string  `json:"name"`
	Type TypeRef `json:"type"`
	// Column is the backing column. Empty means derived from the field
	// name; relationship fields have no backing column.
	Column       string        `json:"column,omitempty"`
	Relationship *Relationship `json:"relationship,omitempty"`
	// Filterable marks the field as an auto-generated equality filter
	// argument on list operations over this type.
	Filterable bool `json:"filterable,omitempty"`
	// Sensitivity drives post-fetch masking defaults (see authz).
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
}

// IsRelationship reports whether the field resolves through a
// relationship rather than a backing column.
func (f *Field) IsRelationship() bool {
	return f.Relationship != nil
}

// TypeRef is a logical type reference with nullability and list
// modifiers. A list's own nullability and its element nullability are
// independent: [T!] (nullable list of non-null elements) and [T]!
// (non-null list of nullable elements) are distinct states.
type TypeRef struct {
	Named       string `json:"named"`
	NonNull     bool   `json:"nonNull,omitempty"`
	List        bool   `json:"list,omitempty"`
	ElemNonNull bool   `json:"elemNonNull,omitempty"`
}

// String renders the reference in the conventional bracket/bang notation.
func (r TypeRef) String() string {
	s := r.Named
	if r.List {
		if r.ElemNonNull {
			s += "!"
		}
		s = "[" + s + "]"
	}
	if r.NonNull {
		s += "!"
	}
	return s
}

// RelationshipKind enumerates the declared relationship shapes.
type RelationshipKind string

const (
	OneToOne   RelationshipKind = "one-to-one"
	OneToMany  RelationshipKind = "one-to-many"
	ManyToMany RelationshipKind = "many-to-many"
)

// ToMany reports whether the relationship yields multiple rows per parent.
func (k RelationshipKind) ToMany() bool {
	return k == OneToMany || k == ManyToMany
}

// Relationship declares how a field joins to its target type.
// LocalColumns/RemoteColumns are ordered positional key mappings:
// LocalColumns[i] joins RemoteColumns[i]. Many-to-many relationships
// route through a junction source whose key mappings are positional the
// same way: JunctionLocalColumns[i] joins LocalColumns[i] and
// JunctionRemoteColumns[i] joins RemoteColumns[i].
type Relationship struct {
	Kind          RelationshipKind `json:"kind"`
	Target        string           `json:"target"`
	LocalColumns  []string         `json:"localColumns"`
	RemoteColumns []string         `json:"remoteColumns"`

	JunctionSource        string   `json:"junctionSource,omitempty"`
	JunctionLocalColumns  []string `json:"junctionLocalColumns,omitempty"`
	JunctionRemoteColumns []string `json:"junctionRemoteColumns,omitempty"`
}

// OperationKind separates read operations from writes.
type OperationKind string

const (
	OpQuery    OperationKind = "query"
	OpMutation OperationKind = "mutation"
)

// MutationKind enumerates the compiled write shapes.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Operation declares one callable entry point. The set of operations is
// closed at compile time; the runtime resolves them by name only.
type Operation struct {
	Name string        `json:"name"`
	Kind OperationKind `json:"kind"`
	// ReturnType names a declared type or builtin scalar.
	ReturnType  string `json:"returnType"`
	ReturnsList bool   `json:"returnsList,omitempty"`
	Nullable    bool   `json:"nullable,omitempty"`
	// Arguments are ordered; template placeholder order follows them.
	Arguments []*Argument `json:"arguments,omitempty"`
	// Paging controls the auto-generated paging arguments on list
	// operations. Nil selects the configured defaults.
	Paging *Paging `json:"paging,omitempty"`
	// Mutation is set when Kind is OpMutation.
	Mutation *MutationSpec `json:"mutation,omitempty"`
}

// Argument declares one named operation argument.
type Argument struct {
	Name string  `json:"name"`
	Type TypeRef `json:"type"`
	// Column is the backing column the argument binds to (an equality
	// predicate for queries, a written column for mutations). Empty
	// means derived from the name.
	Column  string      `json:"column,omitempty"`
	Default interface{} `json:"default,omitempty"`
	// Range declares value bounds checked at binding, before any
	// backend contact.
	Range *ArgRange `json:"range,omitempty"`
}

// ArgRange bounds an argument's value. Nil members are unchecked.
type ArgRange struct {
	Min      *int64 `json:"min,omitempty"`
	Max      *int64 `json:"max,omitempty"`
	MaxLen   *int   `json:"maxLen,omitempty"`
	MaxItems *int   `json:"maxItems,omitempty"`
}

// Names of the paging arguments synthesized on list operations.
// Declared arguments must not collide with them.
const (
	PagingArgLimit  = "limit"
	PagingArgOffset = "offset"
	PagingArgAfter  = "after"
)

// Paging tunes the auto-generated paging arguments of a list operation.
type Paging struct {
	// Disabled suppresses limit/offset/after synthesis entirely.
	Disabled     bool `json:"disabled,omitempty"`
	DefaultLimit int  `json:"defaultLimit,omitempty"`
	// MaxLimit overrides the preset ceiling (never raises it above the
	// preset's hard maximum).
	MaxLimit int `json:"maxLimit,omitempty"`
	// OrderBy fixes the operation's sort. Empty means primary key
	// ascending. The compiled template always carries a deterministic
	// ORDER BY; there is no runtime order argument.
	OrderBy []OrderColumn `json:"orderBy,omitempty"`
}

// OrderColumn is one ORDER BY column with direction.
type OrderColumn struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// MutationSpec declares the write shape of a mutation operation.
type MutationSpec struct {
	Kind MutationKind `json:"kind"`
	// KeyArguments names the arguments forming the row key for update
	// and delete. Empty means the arguments matching the source primary
	// key columns.
	KeyArguments []string `json:"keyArguments,omitempty"`
}

// RulePhase is the evaluation phase of a permission rule.
type RulePhase string

const (
	// PhasePre evaluates before any backend call, over context
	// attributes only.
	PhasePre RulePhase = "pre"
	// PhasePost evaluates after fetch, over row values plus context.
	PhasePost RulePhase = "post"
)

// RuleAction is what a failing post-fetch rule does to the result.
type RuleAction string

const (
	// ActionDeny fails the operation (the only valid action for pre
	// rules).
	ActionDeny RuleAction = "deny"
	// ActionFilter removes the offending row from the result.
	ActionFilter RuleAction = "filter"
	// ActionMask nulls the offending field, or fails the operation when
	// the field's contract is non-null.
	ActionMask RuleAction = "mask"
)

// Rule scopes a permission expression to an operation or a type field.
// Subject is either an operation name or a "Type.field" path. Phase and
// Action may be left empty; the authorization compiler infers them from
// the expression's references and the subject shape.
type Rule struct {
	Subject    string     `json:"subject"`
	Phase      RulePhase  `json:"phase,omitempty"`
	Action     RuleAction `json:"action,omitempty"`
	Expression string     `json:"expression"`
}

// Sensitivity classifies a field for masking defaults, mirroring the
// levels the authoring surface exposes.
type Sensitivity string

const (
	SensitivityPublic    Sensitivity = ""
	SensitivitySensitive Sensitivity = "sensitive"
	SensitivityPII       Sensitivity = "pii"
	SensitivitySecret    Sensitivity = "secret"
)
