// Package artifact defines the compiled schema document: the single
// immutable output of a compilation run and the single input of the
// runtime registry. The document is flat — slice collections only, no
// maps — so identical input serializes to identical bytes; name lookup
// tables are derived at load, never stored.
package artifact

import (
	"sqlstencil/internal/authz"
	"sqlstencil/internal/ir"
	"sqlstencil/internal/planner"
	"sqlstencil/internal/sqlgen"
)

// FormatVersion is stamped into every document. Loaders reject any
// other version.
const FormatVersion = 1

// Document is the serialized compiled schema.
type Document struct {
	FormatVersion int `json:"formatVersion"`
	// Checksum is the domain-separated digest of the document encoded
	// with this field empty.
	Checksum          string          `json:"checksum"`
	Schema            string          `json:"schema"`
	ContextAttributes []string        `json:"contextAttributes,omitempty"`
	Preset            Preset          `json:"preset"`
	Types             []*TypeDef      `json:"types"`
	Operations        []*OperationDef `json:"operations"`
	// Batches holds the secondary-query templates, keyed by their
	// Name ("Type.field").
	Batches []*sqlgen.Template    `json:"batches,omitempty"`
	Rules   []*authz.CompiledRule `json:"rules,omitempty"`
}

// Preset records the budget profile the schema was compiled under. The
// runtime binder enforces the same ceilings the planner compiled with,
// and request scoring reuses the recorded weights.
type Preset struct {
	Name          string `json:"name"`
	MaxDepth      int    `json:"maxDepth"`
	MaxComplexity int    `json:"maxComplexity"`
	MaxLimit      int    `json:"maxLimit"`
	DefaultLimit  int    `json:"defaultLimit"`
	BaseCost      int    `json:"baseCost"`
	FieldCost     int    `json:"fieldCost"`
	DepthCost     int    `json:"depthCost"`
}

// TypeDef is one compiled type.
type TypeDef struct {
	Name          string                 `json:"name"`
	Source        string                 `json:"source"`
	Access        planner.AccessStrategy `json:"access"`
	Fields        []*FieldDef            `json:"fields"`
	Relationships []*RelationshipDef     `json:"relationships,omitempty"`
}

// Field returns the named scalar field.
func (t *TypeDef) Field(name string) (*FieldDef, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Relationship returns the named relationship field.
func (t *TypeDef) Relationship(name string) (*RelationshipDef, bool) {
	for _, r := range t.Relationships {
		if r.Field == name {
			return r, true
		}
	}
	return nil, false
}

// FieldDef is one scalar field with its formatting and masking
// metadata.
type FieldDef struct {
	Name        string         `json:"name"`
	Column      string         `json:"column"`
	Scalar      ir.Scalar      `json:"scalar"`
	NonNull     bool           `json:"nonNull,omitempty"`
	Filterable  bool           `json:"filterable,omitempty"`
	Sensitivity ir.Sensitivity `json:"sensitivity,omitempty"`
}

// RelationshipDef is one compiled relationship field. Batch names the
// secondary-query template when the batching strategy needs one;
// inline-joined relationships resolve from columns already present in
// their owner's templates.
type RelationshipDef struct {
	Field         string                   `json:"field"`
	Kind          ir.RelationshipKind      `json:"kind"`
	Target        string                   `json:"target"`
	Batching      planner.BatchingStrategy `json:"batching"`
	LocalColumns  []string                 `json:"localColumns"`
	RemoteColumns []string                 `json:"remoteColumns"`
	NonNull       bool                     `json:"nonNull,omitempty"`
	List          bool                     `json:"list,omitempty"`
	OrderBy       []ir.OrderColumn         `json:"orderBy,omitempty"`
	Limits        *Limits                  `json:"limits,omitempty"`
	Batch         string                   `json:"batch,omitempty"`
}

// Limits bounds one page of results.
type Limits struct {
	Default int `json:"default"`
	Max     int `json:"max"`
}

// OperationDef is one compiled operation: its signature, bindable
// arguments, budgets and templates.
type OperationDef struct {
	Name        string                     `json:"name"`
	Kind        ir.OperationKind           `json:"kind"`
	ReturnType  string                     `json:"returnType"`
	ReturnsList bool                       `json:"returnsList,omitempty"`
	Nullable    bool                       `json:"nullable,omitempty"`
	Access      planner.AccessStrategy     `json:"access"`
	Arguments   []*ArgumentDef             `json:"arguments,omitempty"`
	Complexity  int                        `json:"complexity"`
	Paging      *PagingDef                 `json:"paging,omitempty"`
	Mutation    *MutationDef               `json:"mutation,omitempty"`
	Templates   *sqlgen.OperationTemplates `json:"templates"`
}

// Argument returns the named argument binding.
func (o *OperationDef) Argument(name string) (*ArgumentDef, bool) {
	for _, a := range o.Arguments {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// ArgumentDef is one bindable argument with its validation metadata.
type ArgumentDef struct {
	Name     string          `json:"name"`
	Role     planner.ArgRole `json:"role"`
	Scalar   ir.Scalar       `json:"scalar"`
	List     bool            `json:"list,omitempty"`
	Column   string          `json:"column,omitempty"`
	Required bool            `json:"required,omitempty"`
	Default  interface{}     `json:"default,omitempty"`
	Range    *ir.ArgRange    `json:"range,omitempty"`
}

// PagingDef fixes the paging surface of a list operation.
type PagingDef struct {
	DefaultLimit int              `json:"defaultLimit"`
	MaxLimit     int              `json:"maxLimit"`
	OrderBy      []ir.OrderColumn `json:"orderBy"`
}

// MutationDef records the write shape and the refetch path.
type MutationDef struct {
	Kind    ir.MutationKind     `json:"kind"`
	Refetch planner.RefetchPlan `json:"refetch"`
}

// Build flattens the compiler outputs into a document. The plan's
// pointer graph (types referencing types) becomes name references so
// the document serializes without cycles.
func Build(plan *planner.Plan, set *sqlgen.Set, rules []*authz.CompiledRule) *Document {
	base, fieldCost, depthCost := plan.Preset.Costs()
	doc := &Document{
		FormatVersion:     FormatVersion,
		Schema:            plan.Schema.Name,
		ContextAttributes: plan.Schema.ContextAttributes,
		Preset: Preset{
			Name:          plan.Preset.Name,
			MaxDepth:      plan.Preset.MaxDepth,
			MaxComplexity: plan.Preset.MaxComplexity,
			MaxLimit:      plan.Preset.MaxLimit,
			DefaultLimit:  plan.Preset.DefaultLimit,
			BaseCost:      base,
			FieldCost:     fieldCost,
			DepthCost:     depthCost,
		},
		Batches: set.Batches,
		Rules:   rules,
	}
	for _, tp := range plan.Types {
		doc.Types = append(doc.Types, typeDef(tp))
	}
	for _, op := range plan.Operations {
		doc.Operations = append(doc.Operations, operationDef(op, set))
	}
	return doc
}

func typeDef(tp *planner.TypePlan) *TypeDef {
	td := &TypeDef{
		Name:   tp.Type.Name,
		Source: tp.Source.Name,
		Access: tp.Access,
	}
	for _, fb := range tp.Scalars {
		td.Fields = append(td.Fields, &FieldDef{
			Name:        fb.Field.Name,
			Column:      fb.Column.Name,
			Scalar:      fb.Scalar,
			NonNull:     fb.Field.Type.NonNull,
			Filterable:  fb.Field.Filterable,
			Sensitivity: fb.Field.Sensitivity,
		})
	}
	for _, rp := range tp.Relationships {
		rd := &RelationshipDef{
			Field:         rp.Field.Name,
			Kind:          rp.Rel.Kind,
			Target:        rp.Rel.Target,
			Batching:      rp.Batching,
			LocalColumns:  rp.Rel.LocalColumns,
			RemoteColumns: rp.Rel.RemoteColumns,
			NonNull:       rp.Field.Type.NonNull,
			List:          rp.Field.Type.List,
			OrderBy:       rp.OrderBy,
		}
		if rp.Rel.Kind.ToMany() {
			rd.Limits = &Limits{Default: rp.Limits.Default, Max: rp.Limits.Max}
		}
		if rp.Batching == planner.BatchSecondaryQuery {
			rd.Batch = rp.Key()
		}
		td.Relationships = append(td.Relationships, rd)
	}
	return td
}

func operationDef(op *planner.OperationPlan, set *sqlgen.Set) *OperationDef {
	od := &OperationDef{
		Name:        op.Operation.Name,
		Kind:        op.Operation.Kind,
		ReturnType:  op.Operation.ReturnType,
		ReturnsList: op.Operation.ReturnsList,
		Nullable:    op.Operation.Nullable,
		Access:      op.Access,
		Complexity:  op.Complexity,
	}
	if tmpl, ok := set.Operation(op.Operation.Name); ok {
		od.Templates = tmpl
	}
	for _, b := range op.Predicates {
		od.Arguments = append(od.Arguments, argumentDef(b))
	}
	for _, b := range op.Filters {
		od.Arguments = append(od.Arguments, argumentDef(b))
	}
	if op.Mutation != nil {
		for _, b := range op.Mutation.Keys {
			od.Arguments = append(od.Arguments, argumentDef(b))
		}
		for _, b := range op.Mutation.Writes {
			od.Arguments = append(od.Arguments, argumentDef(b))
		}
		od.Mutation = &MutationDef{Kind: op.Mutation.Kind, Refetch: op.Mutation.Refetch}
	}
	if op.Paging != nil {
		od.Paging = &PagingDef{
			DefaultLimit: op.Paging.Limits.Default,
			MaxLimit:     op.Paging.Limits.Max,
			OrderBy:      op.Paging.OrderBy,
		}
	}
	return od
}

func argumentDef(b *planner.ArgumentBinding) *ArgumentDef {
	return &ArgumentDef{
		Name:     b.Name,
		Role:     b.Role,
		Scalar:   b.Scalar,
		List:     b.List,
		Column:   b.Column,
		Required: b.Required,
		Default:  b.Default,
		Range:    b.Range,
	}
}
