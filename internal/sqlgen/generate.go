package sqlgen

import (
	"sqlstencil/internal/ir"
	"sqlstencil/internal/planner"
)

// Generate emits every template of the plan: one bundle per operation
// in declaration order, one batch template per batched relationship in
// type then field order. Identical plans produce identical sets.
func Generate(plan *planner.Plan) (*Set, error) {
	set := &Set{}
	for _, op := range plan.Operations {
		var bundle *OperationTemplates
		var err error
		if op.Operation.Kind == ir.OpMutation {
			bundle, err = mutationTemplates(op)
		} else {
			bundle, err = queryTemplates(op, plan.Preset)
		}
		if err != nil {
			return nil, err
		}
		set.Operations = append(set.Operations, bundle)
	}

	for _, tp := range plan.Types {
		for _, rp := range tp.Relationships {
			if rp.Batching != planner.BatchSecondaryQuery {
				continue
			}
			tmpl, err := batchTemplate(rp)
			if err != nil {
				return nil, err
			}
			set.Batches = append(set.Batches, tmpl)
		}
	}
	return set, nil
}

// Batch finds the batch template keyed "Type.field".
func (s *Set) Batch(key string) (*Template, bool) {
	for _, tmpl := range s.Batches {
		if tmpl.Name == key {
			return tmpl, true
		}
	}
	return nil, false
}

// Operation finds an operation's template bundle by name.
func (s *Set) Operation(name string) (*OperationTemplates, bool) {
	for _, bundle := range s.Operations {
		if bundle.Name == name {
			return bundle, true
		}
	}
	return nil, false
}
