// Package catalog models the backing sources (tables and views) that
// schema validation checks references against: columns, SQL types,
// nullability, keys, and the access tier feeding strategy selection.
// A catalog is either declared inline in the authored document or
// introspected from a live backend at build time.
package catalog

// SourceKind distinguishes how a source stores its rows.
type SourceKind string

const (
	// KindTable is a base table (materialized rows).
	KindTable SourceKind = "table"
	// KindView is a logical view computed at read time.
	KindView SourceKind = "view"
	// KindMaterialized is a precomputed view. Declared catalogs only;
	// backends without the concept treat it like a table.
	KindMaterialized SourceKind = "materialized"
)

// Materialized reports whether reads hit stored rows rather than a
// computed projection.
func (k SourceKind) Materialized() bool {
	return k == KindTable || k == KindMaterialized
}

// Column describes one column of a source.
type Column struct {
	Name     string `json:"name"`
	SQLType  string `json:"sqlType"`
	Nullable bool   `json:"nullable"`
	// HasDefault and AutoGenerated exclude the column from required
	// insert arguments.
	HasDefault    bool `json:"hasDefault,omitempty"`
	AutoGenerated bool `json:"autoGenerated,omitempty"`
}

// Source describes one backing table or view.
type Source struct {
	Name string     `json:"name"`
	Kind SourceKind `json:"kind"`
	// Analytic marks sources with a columnar replica; combined with
	// Kind it selects one of the four access tiers.
	Analytic   bool       `json:"analytic,omitempty"`
	Columns    []*Column  `json:"columns"`
	PrimaryKey []string   `json:"primaryKey,omitempty"`
	UniqueKeys [][]string `json:"uniqueKeys,omitempty"`
	// Indexes lists non-unique secondary indexes in column order. The
	// planner consults them when judging whether a batch predicate has
	// a usable key on the child side.
	Indexes [][]string `json:"indexes,omitempty"`
}

// Column returns the named column.
func (s *Source) Column(name string) (*Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// HasColumns reports whether every named column exists on the source.
func (s *Source) HasColumns(names []string) bool {
	for _, n := range names {
		if _, ok := s.Column(n); !ok {
			return false
		}
	}
	return true
}

// KeyedBy reports whether the named columns are a prefix of the primary
// key, a unique key, or a secondary index, in any column order.
func (s *Source) KeyedBy(columns []string) bool {
	if prefixOf(columns, s.PrimaryKey) {
		return true
	}
	for _, key := range s.UniqueKeys {
		if prefixOf(columns, key) {
			return true
		}
	}
	for _, idx := range s.Indexes {
		if prefixOf(columns, idx) {
			return true
		}
	}
	return false
}

// UniqueOn reports whether the columns, in any order, exactly cover
// the primary key or a unique key. Joins on such columns match at most
// one row.
func (s *Source) UniqueOn(columns []string) bool {
	if sameSet(columns, s.PrimaryKey) {
		return true
	}
	for _, key := range s.UniqueKeys {
		if sameSet(columns, key) {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, name := range a {
		set[name] = true
	}
	for _, name := range b {
		if !set[name] {
			return false
		}
	}
	return true
}

// prefixOf reports whether want matches the leading columns of key,
// ignoring order within the prefix.
func prefixOf(want, key []string) bool {
	if len(want) == 0 || len(want) > len(key) {
		return false
	}
	prefix := make(map[string]bool, len(want))
	for _, name := range key[:len(want)] {
		prefix[name] = true
	}
	for _, name := range want {
		if !prefix[name] {
			return false
		}
	}
	return true
}

// Catalog indexes sources by name.
type Catalog struct {
	sources []*Source
	byName  map[string]*Source
}

// New builds a catalog from sources. Later duplicates replace earlier
// ones so a declared catalog can override introspected entries.
func New(sources ...*Source) *Catalog {
	c := &Catalog{byName: make(map[string]*Source, len(sources))}
	for _, s := range sources {
		if _, exists := c.byName[s.Name]; exists {
			for i, prev := range c.sources {
				if prev.Name == s.Name {
					c.sources[i] = s
					break
				}
			}
		} else {
			c.sources = append(c.sources, s)
		}
		c.byName[s.Name] = s
	}
	return c
}

// Source returns the named source.
func (c *Catalog) Source(name string) (*Source, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Sources returns all sources in declaration order.
func (c *Catalog) Sources() []*Source {
	return c.sources
}

// Merge returns a catalog containing both receiver and other, with
// other's sources winning on name collisions.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	if other == nil {
		return c
	}
	combined := make([]*Source, 0, len(c.sources)+len(other.sources))
	combined = append(combined, c.sources...)
	combined = append(combined, other.sources...)
	return New(combined...)
}
