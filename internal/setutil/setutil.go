// Package setutil provides small ordered-set helpers over string slices.
package setutil

// Duplicates returns the values that appear more than once, in first-seen
// order, each reported once.
func Duplicates(values []string) []string {
	seen := make(map[string]int, len(values))
	var dups []string
	for _, v := range values {
		seen[v]++
		if seen[v] == 2 {
			dups = append(dups, v)
		}
	}
	return dups
}

// Missing returns the values not present in allowed, in input order, each
// reported once.
func Missing(values []string, allowed []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, v := range allowed {
		allowedSet[v] = struct{}{}
	}
	reported := make(map[string]struct{})
	var missing []string
	for _, v := range values {
		if _, ok := allowedSet[v]; ok {
			continue
		}
		if _, done := reported[v]; done {
			continue
		}
		reported[v] = struct{}{}
		missing = append(missing, v)
	}
	return missing
}

// Dedupe returns the values with duplicates removed, preserving first
// occurrence order.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Contains reports whether values includes v.
func Contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
