// Package planner fixes, at compile time, every access decision the
// runtime would otherwise have to make: whether a relationship field
// is resolved by an inline join or by one batched secondary query, the
// access tier of each source, the deterministic order columns, the
// effective paging bounds, and a static complexity score per
// operation. The runtime never revisits these choices.
//
// Build assumes the schema has already passed validation; it resolves
// references without re-reporting the violations the validator owns.
package planner

import (
	"fmt"

	"sqlstencil/internal/catalog"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/naming"
	"sqlstencil/internal/operr"
)

// BatchingStrategy is the compile-time decision of how a relationship
// field is resolved. It is fixed here and never revisited at runtime.
type BatchingStrategy string

const (
	// BatchInlineJoin resolves the field inside the parent query via a
	// LEFT JOIN. Only to-one relationships over matching tiers qualify.
	BatchInlineJoin BatchingStrategy = "inline-join"
	// BatchSecondaryQuery resolves the field with exactly one
	// additional query covering every parent row via a set predicate,
	// regardless of parent cardinality.
	BatchSecondaryQuery BatchingStrategy = "batched-secondary-query"
)

// Strictness controls whether statically detected N+1-risk patterns
// fail the compilation or only surface as diagnostics.
type Strictness string

const (
	StrictnessWarn  Strictness = "warn"
	StrictnessError Strictness = "error"
)

// Options tune a planning run.
type Options struct {
	Preset     Preset
	Strictness Strictness
	Namer      *naming.Namer
}

// Plan is the planning result for a whole schema.
type Plan struct {
	Schema      *ir.Schema
	Catalog     *catalog.Catalog
	Types       []*TypePlan
	Operations  []*OperationPlan
	Diagnostics []Diagnostic
	Preset      Preset

	typesByName map[string]*TypePlan
	opsByName   map[string]*OperationPlan
}

// TypePlan returns the plan for a declared type.
func (p *Plan) TypePlan(name string) (*TypePlan, bool) {
	tp, ok := p.typesByName[name]
	return tp, ok
}

// OperationPlan returns the plan for a declared operation.
func (p *Plan) OperationPlan(name string) (*OperationPlan, bool) {
	op, ok := p.opsByName[name]
	return op, ok
}

// TypePlan resolves one declared type against its source.
type TypePlan struct {
	Type          *ir.Type
	Source        *catalog.Source
	Access        AccessStrategy
	Scalars       []*FieldBinding
	Relationships []*RelationshipPlan
}

// Relationship returns the plan for a relationship field.
func (tp *TypePlan) Relationship(fieldName string) (*RelationshipPlan, bool) {
	for _, rp := range tp.Relationships {
		if rp.Field.Name == fieldName {
			return rp, true
		}
	}
	return nil, false
}

// FieldBinding ties a scalar field to its backing column.
type FieldBinding struct {
	Field  *ir.Field
	Column *catalog.Column
	Scalar ir.Scalar
}

// RelationshipPlan fixes how one relationship field is fetched.
type RelationshipPlan struct {
	TypeName string
	Field    *ir.Field
	Rel      *ir.Relationship
	Target   *TypePlan
	Batching BatchingStrategy
	// OrderBy is the deterministic child order: the target primary key
	// ascending.
	OrderBy []ir.OrderColumn
	// Limits bounds children per parent for to-many relationships.
	Limits Limits
}

// Key identifies the relationship in the artifact's template index.
func (rp *RelationshipPlan) Key() string {
	return rp.TypeName + "." + rp.Field.Name
}

// ArgRole says where a bound value lands in the generated template.
type ArgRole string

const (
	RolePredicate ArgRole = "predicate"
	RoleFilter    ArgRole = "filter"
	RoleLimit     ArgRole = "limit"
	RoleOffset    ArgRole = "offset"
	RoleCursor    ArgRole = "cursor"
	RoleKey       ArgRole = "key"
	RoleWrite     ArgRole = "write"
)

// ArgumentBinding ties one operation argument, declared or
// synthesized, to its backing column and template role.
type ArgumentBinding struct {
	Name     string
	Role     ArgRole
	Scalar   ir.Scalar
	List     bool
	Column   string
	Required bool
	Default  interface{}
	Range    *ir.ArgRange
}

// OperationPlan resolves one operation end to end.
type OperationPlan struct {
	Operation *ir.Operation
	Type      *TypePlan
	Access    AccessStrategy
	// Predicates are the declared arguments in declaration order; on
	// queries each becomes an equality predicate.
	Predicates []*ArgumentBinding
	// Filters are equality arguments synthesized from filterable
	// fields of the return type, in field order.
	Filters []*ArgumentBinding
	// Paging is set for list queries with paging enabled.
	Paging *PagingPlan
	// Mutation is set for mutation operations.
	Mutation   *MutationPlan
	Complexity int
}

// PagingPlan fixes the paging surface of a list query.
type PagingPlan struct {
	Limits Limits
	// OrderBy is a total order: the declared order columns followed by
	// any primary key columns not already present, so keyset cursors
	// are well defined.
	OrderBy []ir.OrderColumn
}

// MutationPlan splits a mutation's arguments into the row key and the
// written columns, and fixes how the affected row is re-read.
type MutationPlan struct {
	Kind    ir.MutationKind
	Keys    []*ArgumentBinding
	Writes  []*ArgumentBinding
	Refetch RefetchPlan
}

// RefetchPlan says how a mutation re-reads the affected row: through
// the backend-assigned insert id, or by the named key columns bound
// from arguments.
type RefetchPlan struct {
	ByInsertID bool     `json:"byInsertId,omitempty"`
	Columns    []string `json:"columns,omitempty"`
}

// Build plans the schema. The returned error is a
// *operr.CompileError when planning finds violations, including
// N+1-risk diagnostics escalated by StrictnessError.
func Build(schema *ir.Schema, cat *catalog.Catalog, opts Options) (*Plan, error) {
	if opts.Namer == nil {
		opts.Namer = naming.Default()
	}
	if opts.Preset.Name == "" {
		opts.Preset = Standard
	}
	if opts.Strictness == "" {
		opts.Strictness = StrictnessWarn
	}

	p := &Plan{
		Schema:      schema,
		Catalog:     cat,
		Preset:      opts.Preset,
		typesByName: make(map[string]*TypePlan, len(schema.Types)),
		opsByName:   make(map[string]*OperationPlan, len(schema.Operations)),
	}
	errs := &operr.CompileError{}

	// Types first; relationships resolve against the finished type set.
	for _, t := range schema.Types {
		tp, err := buildTypePlan(t, cat, opts.Namer)
		if err != nil {
			return nil, err
		}
		p.Types = append(p.Types, tp)
		p.typesByName[t.Name] = tp
	}
	for _, tp := range p.Types {
		if err := buildRelationships(tp, p, opts.Preset); err != nil {
			return nil, err
		}
	}

	for _, op := range schema.Operations {
		opPlan, err := buildOperationPlan(op, p, opts, errs)
		if err != nil {
			return nil, err
		}
		p.Operations = append(p.Operations, opPlan)
		p.opsByName[op.Name] = opPlan
	}

	p.Diagnostics = detect(p)
	if opts.Strictness == StrictnessError {
		for _, d := range p.Diagnostics {
			if d.Kind == DiagNPlusOneRisk {
				errs.AddHint(d.Subject, d.Message, "index the batch key or lower compiler strictness")
			}
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return p, nil
}

func buildTypePlan(t *ir.Type, cat *catalog.Catalog, namer *naming.Namer) (*TypePlan, error) {
	source, ok := cat.Source(t.Source)
	if !ok {
		return nil, fmt.Errorf("plan type %s: source %q not in catalog", t.Name, t.Source)
	}
	tp := &TypePlan{Type: t, Source: source, Access: StrategyFor(source)}

	for _, f := range t.Fields {
		if f.IsRelationship() {
			continue
		}
		columnName := f.Column
		if columnName == "" {
			columnName = namer.ToColumnName(f.Name)
		}
		col, ok := source.Column(columnName)
		if !ok {
			return nil, fmt.Errorf("plan field %s.%s: column %q not on source %q", t.Name, f.Name, columnName, source.Name)
		}
		scalar, ok := ir.ScalarKind(f.Type.Named)
		if !ok {
			return nil, fmt.Errorf("plan field %s.%s: %q is not a scalar", t.Name, f.Name, f.Type.Named)
		}
		tp.Scalars = append(tp.Scalars, &FieldBinding{Field: f, Column: col, Scalar: scalar})
	}
	return tp, nil
}

func buildRelationships(tp *TypePlan, p *Plan, preset Preset) error {
	for _, f := range tp.Type.Fields {
		if !f.IsRelationship() {
			continue
		}
		target, ok := p.typesByName[f.Relationship.Target]
		if !ok {
			return fmt.Errorf("plan relationship %s.%s: unknown target %q", tp.Type.Name, f.Name, f.Relationship.Target)
		}
		rp := &RelationshipPlan{
			TypeName: tp.Type.Name,
			Field:    f,
			Rel:      f.Relationship,
			Target:   target,
			Batching: decideBatching(f.Relationship, tp.Source, target.Source),
			OrderBy:  primaryKeyOrder(target.Source),
		}
		if f.Relationship.Kind.ToMany() {
			rp.Limits = Limits{Default: preset.DefaultLimit, Max: preset.MaxLimit}
		}
		tp.Relationships = append(tp.Relationships, rp)
	}
	return nil
}

// decideBatching picks the strategy. Inline joins require a to-one
// target that reads stored rows on the same tier as its owner and
// whose join key is unique, so the join cannot multiply parent rows.
// Everything else costs one secondary query, never one per parent.
func decideBatching(rel *ir.Relationship, owner, target *catalog.Source) BatchingStrategy {
	if rel.Kind.ToMany() {
		return BatchSecondaryQuery
	}
	if !target.Kind.Materialized() || owner.Analytic != target.Analytic {
		return BatchSecondaryQuery
	}
	if !target.UniqueOn(rel.RemoteColumns) {
		return BatchSecondaryQuery
	}
	return BatchInlineJoin
}

// primaryKeyOrder renders a source's primary key as an ascending order
// list.
func primaryKeyOrder(source *catalog.Source) []ir.OrderColumn {
	order := make([]ir.OrderColumn, 0, len(source.PrimaryKey))
	for _, name := range source.PrimaryKey {
		order = append(order, ir.OrderColumn{Column: name})
	}
	return order
}

func buildOperationPlan(op *ir.Operation, p *Plan, opts Options, errs *operr.CompileError) (*OperationPlan, error) {
	tp, ok := p.typesByName[op.ReturnType]
	if !ok {
		return nil, fmt.Errorf("plan operation %s: unknown return type %q", op.Name, op.ReturnType)
	}
	opPlan := &OperationPlan{
		Operation:  op,
		Type:       tp,
		Access:     tp.Access,
		Complexity: score(tp, opts.Preset),
	}

	declared := make(map[string]bool, len(op.Arguments))
	for _, a := range op.Arguments {
		declared[a.Name] = true
	}

	if op.Kind == ir.OpMutation {
		if err := buildMutationPlan(op, opPlan, tp, opts.Namer, errs); err != nil {
			return nil, err
		}
		return opPlan, nil
	}

	for _, a := range op.Arguments {
		opPlan.Predicates = append(opPlan.Predicates, bindArgument(a, RolePredicate, opts.Namer))
	}

	if op.ReturnsList {
		pagingEnabled := op.Paging == nil || !op.Paging.Disabled
		if pagingEnabled {
			opPlan.Paging = &PagingPlan{
				Limits:  effectiveLimits(&opts.Preset, op.Paging),
				OrderBy: resolveOrder(op.Paging, tp.Source),
			}
		}
		for _, fb := range tp.Scalars {
			if !fb.Field.Filterable || declared[fb.Field.Name] {
				continue
			}
			if pagingEnabled && generatedName(fb.Field.Name) {
				continue
			}
			opPlan.Filters = append(opPlan.Filters, &ArgumentBinding{
				Name:   fb.Field.Name,
				Role:   RoleFilter,
				Scalar: fb.Scalar,
				Column: fb.Column.Name,
			})
		}
	}
	return opPlan, nil
}

func generatedName(name string) bool {
	return name == ir.PagingArgLimit || name == ir.PagingArgOffset || name == ir.PagingArgAfter
}

func bindArgument(a *ir.Argument, role ArgRole, namer *naming.Namer) *ArgumentBinding {
	column := a.Column
	if column == "" {
		column = namer.ToColumnName(a.Name)
	}
	scalar, _ := ir.ScalarKind(a.Type.Named)
	return &ArgumentBinding{
		Name:     a.Name,
		Role:     role,
		Scalar:   scalar,
		List:     a.Type.List,
		Column:   column,
		Required: a.Type.NonNull && a.Default == nil,
		Default:  a.Default,
		Range:    a.Range,
	}
}

func buildMutationPlan(op *ir.Operation, opPlan *OperationPlan, tp *TypePlan, namer *naming.Namer, errs *operr.CompileError) error {
	mp := &MutationPlan{Kind: op.Mutation.Kind}
	opPlan.Mutation = mp

	keyNames := make(map[string]bool)
	switch op.Mutation.Kind {
	case ir.MutationUpdate, ir.MutationDelete:
		for _, name := range mutationKeyArguments(op, tp.Source, namer) {
			keyNames[name] = true
		}
	}

	for _, a := range op.Arguments {
		if keyNames[a.Name] {
			mp.Keys = append(mp.Keys, bindArgument(a, RoleKey, namer))
			continue
		}
		if op.Mutation.Kind != ir.MutationDelete {
			mp.Writes = append(mp.Writes, bindArgument(a, RoleWrite, namer))
		}
	}

	refetch, ok := refetchPlan(op, tp.Source, mp)
	if !ok {
		errs.AddHint("operations."+op.Name,
			fmt.Sprintf("cannot re-read the affected row of %q", tp.Source.Name),
			"supply the primary key through arguments or use an auto-generated key")
		return nil
	}
	mp.Refetch = refetch
	return nil
}

// mutationKeyArguments names the arguments forming the row key: the
// declared keyArguments, or the arguments matching the source primary
// key columns.
func mutationKeyArguments(op *ir.Operation, source *catalog.Source, namer *naming.Namer) []string {
	if len(op.Mutation.KeyArguments) > 0 {
		return op.Mutation.KeyArguments
	}
	pk := make(map[string]bool, len(source.PrimaryKey))
	for _, name := range source.PrimaryKey {
		pk[name] = true
	}
	var names []string
	for _, a := range op.Arguments {
		column := a.Column
		if column == "" {
			column = namer.ToColumnName(a.Name)
		}
		if pk[column] {
			names = append(names, a.Name)
		}
	}
	return names
}

// refetchPlan decides how the mutation re-reads its row. Inserts use
// the backend-assigned id when the primary key is a single generated
// column, else the client-supplied key columns; update and delete
// reuse their key bindings.
func refetchPlan(op *ir.Operation, source *catalog.Source, mp *MutationPlan) (RefetchPlan, bool) {
	if op.Mutation.Kind != ir.MutationInsert {
		columns := make([]string, 0, len(mp.Keys))
		for _, b := range mp.Keys {
			columns = append(columns, b.Column)
		}
		if len(columns) == 0 {
			return RefetchPlan{}, false
		}
		return RefetchPlan{Columns: columns}, true
	}

	if len(source.PrimaryKey) == 1 {
		if col, ok := source.Column(source.PrimaryKey[0]); ok && col.AutoGenerated {
			return RefetchPlan{ByInsertID: true}, true
		}
	}
	bound := make(map[string]bool, len(mp.Writes))
	for _, b := range mp.Writes {
		bound[b.Column] = true
	}
	for _, name := range source.PrimaryKey {
		if !bound[name] {
			return RefetchPlan{}, false
		}
	}
	if len(source.PrimaryKey) == 0 {
		return RefetchPlan{}, false
	}
	return RefetchPlan{Columns: append([]string(nil), source.PrimaryKey...)}, true
}

// resolveOrder builds the total order of a list query: the declared
// order columns, then any primary key columns not already present.
func resolveOrder(paging *ir.Paging, source *catalog.Source) []ir.OrderColumn {
	var order []ir.OrderColumn
	seen := make(map[string]bool)
	if paging != nil {
		for _, oc := range paging.OrderBy {
			order = append(order, oc)
			seen[oc.Column] = true
		}
	}
	for _, name := range source.PrimaryKey {
		if !seen[name] {
			order = append(order, ir.OrderColumn{Column: name})
		}
	}
	return order
}
