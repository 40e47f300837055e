package planner

// score computes the static complexity of an operation returning the
// given type. Every scalar field costs the preset's field weight;
// every relationship hop costs its depth times the depth weight plus
// the subtree of its target. A type already on the current path
// contributes nothing further, so cyclic schemas terminate.
func score(tp *TypePlan, preset Preset) int {
	base, fieldCost, depthCost := preset.Costs()
	onPath := make(map[string]bool)
	return base + walk(tp, 1, preset.MaxDepth, fieldCost, depthCost, onPath)
}

func walk(tp *TypePlan, depth, maxDepth, fieldCost, depthCost int, onPath map[string]bool) int {
	if depth > maxDepth || onPath[tp.Type.Name] {
		return 0
	}
	onPath[tp.Type.Name] = true
	defer delete(onPath, tp.Type.Name)

	total := len(tp.Scalars) * fieldCost
	for _, f := range tp.Type.Fields {
		if !f.IsRelationship() {
			continue
		}
		rp, ok := tp.Relationship(f.Name)
		if !ok {
			continue
		}
		total += depth * depthCost
		total += walk(rp.Target, depth+1, maxDepth, fieldCost, depthCost, onPath)
	}
	return total
}

// maxReachableDepth reports how many relationship hops a query rooted
// at the type can traverse before revisiting a type.
func maxReachableDepth(tp *TypePlan) int {
	onPath := make(map[string]bool)
	return depthWalk(tp, onPath)
}

func depthWalk(tp *TypePlan, onPath map[string]bool) int {
	if onPath[tp.Type.Name] {
		return 0
	}
	onPath[tp.Type.Name] = true
	defer delete(onPath, tp.Type.Name)

	deepest := 0
	for _, rp := range tp.Relationships {
		if d := 1 + depthWalk(rp.Target, onPath); d > deepest {
			deepest = d
		}
	}
	return deepest
}
