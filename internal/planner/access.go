package planner

import "sqlstencil/internal/catalog"

// Tier names the four read tiers a source can occupy: whether rows are
// stored or computed, crossed with whether a columnar replica serves
// analytic scans.
type Tier string

const (
	TierLogicalRead          Tier = "logical-read"
	TierMaterializedRead     Tier = "materialized-read"
	TierLogicalAnalytic      Tier = "logical-analytic"
	TierMaterializedAnalytic Tier = "materialized-analytic"
)

// LatencyClass is the expected cost profile of a read.
type LatencyClass string

const (
	// LatencyPoint covers indexed reads over stored rows.
	LatencyPoint LatencyClass = "point"
	// LatencyComputed covers reads that evaluate a projection first.
	LatencyComputed LatencyClass = "computed"
	// LatencyScan covers columnar scans.
	LatencyScan LatencyClass = "scan"
)

// AccessStrategy describes how reads against a source behave. Every
// tier issues queries through the same executor interface; the tier
// only informs latency expectations and streaming capability.
type AccessStrategy struct {
	Tier Tier `json:"tier"`
}

// StrategyFor derives the access strategy from the source's shape.
func StrategyFor(source *catalog.Source) AccessStrategy {
	switch {
	case source.Analytic && source.Kind.Materialized():
		return AccessStrategy{Tier: TierMaterializedAnalytic}
	case source.Analytic:
		return AccessStrategy{Tier: TierLogicalAnalytic}
	case source.Kind.Materialized():
		return AccessStrategy{Tier: TierMaterializedRead}
	default:
		return AccessStrategy{Tier: TierLogicalRead}
	}
}

// ExpectedLatency classifies how a read on this tier is expected to
// perform.
func (s AccessStrategy) ExpectedLatency() LatencyClass {
	switch s.Tier {
	case TierMaterializedRead:
		return LatencyPoint
	case TierLogicalRead:
		return LatencyComputed
	default:
		return LatencyScan
	}
}

// SupportsColumnarStream reports whether results can stream from a
// columnar replica.
func (s AccessStrategy) SupportsColumnarStream() bool {
	return s.Tier == TierLogicalAnalytic || s.Tier == TierMaterializedAnalytic
}
