// Package authz compiles permission expressions into predicate trees
// the runtime evaluates without re-parsing, and carries the field
// redaction rules applied at formatting. The grammar is boolean
// composition (and/or) over comparisons between context attributes,
// row field references and literals.
package authz

import "sqlstencil/internal/ir"

// NodeKind selects which members of a Node apply.
type NodeKind string

const (
	NodeAnd     NodeKind = "and"
	NodeOr      NodeKind = "or"
	NodeCompare NodeKind = "cmp"
)

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "eq"
	OpNe CompareOp = "ne"
	OpLt CompareOp = "lt"
	OpLe CompareOp = "le"
	OpGt CompareOp = "gt"
	OpGe CompareOp = "ge"
)

// Node is one predicate-tree node, serialized into the artifact as
// tagged JSON.
type Node struct {
	Kind NodeKind `json:"kind"`
	// Children of an and/or node, two or more.
	Children []*Node `json:"children,omitempty"`
	// Comparison members.
	Op    CompareOp `json:"op,omitempty"`
	Left  *Operand  `json:"left,omitempty"`
	Right *Operand  `json:"right,omitempty"`
}

// Operand is one comparison side. Exactly one member is set.
type Operand struct {
	// Ctx names a declared context attribute.
	Ctx string `json:"ctx,omitempty"`
	// Row names a scalar field of the subject's row scope.
	Row string `json:"row,omitempty"`
	// Lit is a literal value.
	Lit *Literal `json:"lit,omitempty"`
}

// Literal is a typed literal. Exactly one value member is set; Null
// marks an explicit null.
type Literal struct {
	Str   *string  `json:"str,omitempty"`
	Int   *int64   `json:"int,omitempty"`
	Float *float64 `json:"float,omitempty"`
	Bool  *bool    `json:"bool,omitempty"`
	Null  bool     `json:"null,omitempty"`
}

// CompiledRule is one permission rule ready for the artifact: subject
// resolved, phase and action fixed, expression compiled.
type CompiledRule struct {
	Subject   string        `json:"subject"`
	Phase     ir.RulePhase  `json:"phase"`
	Action    ir.RuleAction `json:"action"`
	Predicate *Node         `json:"predicate"`
}

// refs collects the context and row references of a tree.
type refs struct {
	ctx []string
	row []string
}

func collectRefs(n *Node, out *refs) {
	if n == nil {
		return
	}
	for _, child := range n.Children {
		collectRefs(child, out)
	}
	for _, operand := range []*Operand{n.Left, n.Right} {
		if operand == nil {
			continue
		}
		if operand.Ctx != "" {
			out.ctx = append(out.ctx, operand.Ctx)
		}
		if operand.Row != "" {
			out.row = append(out.row, operand.Row)
		}
	}
}
