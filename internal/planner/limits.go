package planner

import "sqlstencil/internal/ir"

// Default cost weights for the static complexity score.
const (
	BaseCost  = 10
	FieldCost = 1
	DepthCost = 2
)

// Preset is a named budget profile. MaxLimit is a hard page-size
// ceiling: schema declarations can lower it per operation but never
// raise it.
type Preset struct {
	Name          string
	MaxDepth      int
	MaxComplexity int
	MaxLimit      int
	DefaultLimit  int

	// Complexity weights. Zero selects the package default.
	BaseCost  int
	FieldCost int
	DepthCost int
}

// Costs returns the effective complexity weights, substituting the
// defaults for unset fields.
func (p Preset) Costs() (base, field, depth int) {
	base, field, depth = p.BaseCost, p.FieldCost, p.DepthCost
	if base == 0 {
		base = BaseCost
	}
	if field == 0 {
		field = FieldCost
	}
	if depth == 0 {
		depth = DepthCost
	}
	return base, field, depth
}

var (
	Permissive = Preset{Name: "permissive", MaxDepth: 20, MaxComplexity: 5000, MaxLimit: 500, DefaultLimit: 100}
	Standard   = Preset{Name: "standard", MaxDepth: 10, MaxComplexity: 1000, MaxLimit: 100, DefaultLimit: 50}
	Strict     = Preset{Name: "strict", MaxDepth: 5, MaxComplexity: 500, MaxLimit: 25, DefaultLimit: 25}
)

// PresetByName resolves a configured preset name.
func PresetByName(name string) (Preset, bool) {
	switch name {
	case Permissive.Name:
		return Permissive, true
	case Standard.Name, "":
		return Standard, true
	case Strict.Name:
		return Strict, true
	}
	return Preset{}, false
}

// Limits bounds one page of results.
type Limits struct {
	Default int
	Max     int
}

// effectiveLimits applies an operation's paging declaration to the
// preset bounds.
func effectiveLimits(p *Preset, paging *ir.Paging) Limits {
	limits := Limits{Default: p.DefaultLimit, Max: p.MaxLimit}
	if paging != nil {
		if paging.MaxLimit > 0 && paging.MaxLimit < limits.Max {
			limits.Max = paging.MaxLimit
		}
		if paging.DefaultLimit > 0 {
			limits.Default = paging.DefaultLimit
		}
	}
	if limits.Default > limits.Max {
		limits.Default = limits.Max
	}
	return limits
}
