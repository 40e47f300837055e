package executor

import (
	"sqlstencil/internal/artifact"
	"sqlstencil/internal/operr"
	"sqlstencil/internal/planner"
)

// selectionPlan is a request selection resolved against the artifact:
// field names checked, relationships split by their compiled batching
// strategy, nesting bounded by the preset depth.
type selectionPlan struct {
	typ *artifact.TypeDef
	// scalars are the selected scalar fields in selection order.
	scalars []string
	// joins are selected relationships the template resolves inline.
	joins []*relPlan
	// batches are selected relationships resolved by secondary
	// queries.
	batches []*relPlan
}

type relPlan struct {
	rel  *artifact.RelationshipDef
	plan *selectionPlan
}

// position tells the planner what the enclosing template projects.
// Inline-join children carry only the target's scalar columns, so
// selections under them cannot reach further inline joins and can
// reach batches only through declared key columns.
type position int

const (
	positionRow position = iota
	positionJoinChild
)

// planSelection resolves a request selection over the return type. A
// nil selection selects every scalar field and every inline-joined
// relationship; batched relationships resolve only when selected.
func planSelection(art *artifact.Artifact, typ *artifact.TypeDef, sel *Selection, maxDepth int) (*selectionPlan, *operr.Error) {
	if sel == nil {
		return defaultPlan(art, typ, positionRow), nil
	}
	return walkSelection(art, typ, sel, positionRow, 1, maxDepth)
}

func walkSelection(art *artifact.Artifact, typ *artifact.TypeDef, sel *Selection, pos position, depth, maxDepth int) (*selectionPlan, *operr.Error) {
	if depth > maxDepth {
		return nil, operr.Validation("selection exceeds depth %d", maxDepth)
	}
	if len(sel.Fields) == 0 {
		return nil, operr.Validation("empty selection on %s", typ.Name)
	}

	plan := &selectionPlan{typ: typ}
	seen := make(map[string]bool, len(sel.Fields))
	for _, sf := range sel.Fields {
		if seen[sf.Name] {
			return nil, operr.Validation("duplicate selection of %q on %s", sf.Name, typ.Name)
		}
		seen[sf.Name] = true

		if _, ok := typ.Field(sf.Name); ok {
			if sf.Children != nil {
				return nil, operr.Validation("field %s.%s has no subfields", typ.Name, sf.Name)
			}
			plan.scalars = append(plan.scalars, sf.Name)
			continue
		}

		rel, ok := typ.Relationship(sf.Name)
		if !ok {
			return nil, operr.Validation("unknown field %q on %s", sf.Name, typ.Name)
		}
		target, ok := art.Type(rel.Target)
		if !ok {
			return nil, operr.Newf(operr.CodeInternal, "relationship %s.%s targets unindexed type %q", typ.Name, sf.Name, rel.Target)
		}

		if rel.Batching == planner.BatchInlineJoin {
			if pos == positionJoinChild {
				return nil, operr.Validation("relationship %s.%s does not resolve inside an inline join", typ.Name, sf.Name)
			}
			child, err := childPlan(art, target, sf.Children, positionJoinChild, depth, maxDepth)
			if err != nil {
				return nil, err
			}
			plan.joins = append(plan.joins, &relPlan{rel: rel, plan: child})
			continue
		}

		if pos == positionJoinChild && !columnsDeclared(typ, rel.LocalColumns) {
			return nil, operr.Validation("relationship %s.%s is not resolvable in this position", typ.Name, sf.Name)
		}
		child, err := childPlan(art, target, sf.Children, positionRow, depth, maxDepth)
		if err != nil {
			return nil, err
		}
		plan.batches = append(plan.batches, &relPlan{rel: rel, plan: child})
	}
	return plan, nil
}

func childPlan(art *artifact.Artifact, target *artifact.TypeDef, sel *Selection, pos position, depth, maxDepth int) (*selectionPlan, *operr.Error) {
	if sel == nil {
		if depth+1 > maxDepth {
			return nil, operr.Validation("selection exceeds depth %d", maxDepth)
		}
		return defaultPlan(art, target, pos), nil
	}
	return walkSelection(art, target, sel, pos, depth+1, maxDepth)
}

// defaultPlan selects every scalar field. Rows projected by their own
// template also carry their inline-joined relationships, each with the
// target's scalars.
func defaultPlan(art *artifact.Artifact, typ *artifact.TypeDef, pos position) *selectionPlan {
	plan := &selectionPlan{typ: typ}
	for _, f := range typ.Fields {
		plan.scalars = append(plan.scalars, f.Name)
	}
	if pos == positionJoinChild {
		return plan
	}
	for _, rel := range typ.Relationships {
		if rel.Batching != planner.BatchInlineJoin {
			continue
		}
		target, ok := art.Type(rel.Target)
		if !ok {
			continue
		}
		child := &selectionPlan{typ: target}
		for _, f := range target.Fields {
			child.scalars = append(child.scalars, f.Name)
		}
		plan.joins = append(plan.joins, &relPlan{rel: rel, plan: child})
	}
	return plan
}

// scoreSelection prices a resolved selection with the artifact's cost
// weights, the same arithmetic the compiler applied to the full
// reachable tree. Scalars cost the field weight; each relationship hop
// costs its depth times the depth weight plus its subtree.
func scoreSelection(plan *selectionPlan, base, fieldCost, depthCost int) int {
	return base + walkScore(plan, 1, fieldCost, depthCost)
}

func walkScore(plan *selectionPlan, depth, fieldCost, depthCost int) int {
	total := len(plan.scalars) * fieldCost
	for _, jp := range plan.joins {
		total += depth*depthCost + walkScore(jp.plan, depth+1, fieldCost, depthCost)
	}
	for _, bp := range plan.batches {
		total += depth*depthCost + walkScore(bp.plan, depth+1, fieldCost, depthCost)
	}
	return total
}

// columnsDeclared reports whether every column backs a declared scalar
// field of the type, which is what an inline-join projection carries.
func columnsDeclared(typ *artifact.TypeDef, columns []string) bool {
	for _, col := range columns {
		found := false
		for _, f := range typ.Fields {
			if f.Column == col {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
