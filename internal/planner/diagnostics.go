package planner

import (
	"fmt"

	"sqlstencil/internal/catalog"
	"sqlstencil/internal/ir"
)

// DiagnosticKind classifies a planning diagnostic.
type DiagnosticKind string

const (
	// DiagNPlusOneRisk marks a relationship whose batch-side query has
	// no usable key: the single secondary query would scan the table
	// once per page of parents.
	DiagNPlusOneRisk DiagnosticKind = "n-plus-one-risk"
	// DiagComplexityBudget marks an operation whose static complexity
	// or reachable depth exceeds the active preset.
	DiagComplexityBudget DiagnosticKind = "complexity-budget"
)

// Diagnostic is a non-fatal planning finding. N+1 risks escalate to
// compilation errors under StrictnessError; budget findings never do.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Subject string         `json:"subject"`
	Message string         `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Kind, d.Subject, d.Message)
}

func detect(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, tp := range p.Types {
		for _, rp := range tp.Relationships {
			if d, ok := batchKeyRisk(rp, p.Catalog); ok {
				diags = append(diags, d)
			}
		}
	}
	for _, op := range p.Operations {
		diags = append(diags, budgetFindings(op, p.Preset)...)
	}
	return diags
}

// batchKeyRisk checks whether the batch side of a secondary query can
// be served by an index. Views and analytic sources are scans by
// nature and never flag.
func batchKeyRisk(rp *RelationshipPlan, cat *catalog.Catalog) (Diagnostic, bool) {
	if rp.Batching != BatchSecondaryQuery {
		return Diagnostic{}, false
	}

	batchSource := rp.Target.Source
	batchColumns := rp.Rel.RemoteColumns
	if rp.Rel.Kind == ir.ManyToMany {
		batchSource, _ = cat.Source(rp.Rel.JunctionSource)
		batchColumns = rp.Rel.JunctionLocalColumns
	}
	if batchSource == nil || batchSource.Kind != catalog.KindTable || batchSource.Analytic {
		return Diagnostic{}, false
	}
	if batchSource.KeyedBy(batchColumns) {
		return Diagnostic{}, false
	}
	return Diagnostic{
		Kind:    DiagNPlusOneRisk,
		Subject: rp.Key(),
		Message: fmt.Sprintf("no index on %s covers batch key %v", batchSource.Name, batchColumns),
	}, true
}

func budgetFindings(op *OperationPlan, preset Preset) []Diagnostic {
	var diags []Diagnostic
	if op.Complexity > preset.MaxComplexity {
		diags = append(diags, Diagnostic{
			Kind:    DiagComplexityBudget,
			Subject: "operations." + op.Operation.Name,
			Message: fmt.Sprintf("complexity %d exceeds preset %s budget %d", op.Complexity, preset.Name, preset.MaxComplexity),
		})
	}
	if depth := maxReachableDepth(op.Type); depth > preset.MaxDepth {
		diags = append(diags, Diagnostic{
			Kind:    DiagComplexityBudget,
			Subject: "operations." + op.Operation.Name,
			Message: fmt.Sprintf("reachable depth %d exceeds preset %s limit %d", depth, preset.Name, preset.MaxDepth),
		})
	}
	return diags
}
