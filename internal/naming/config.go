// Package naming provides the name derivations the compiler applies when
// the authored document omits a spelling: backing columns, conventional
// operation names, and pluralization with per-schema overrides.
package naming

// Config carries per-schema spelling overrides. Keys and values are
// lower-case identifiers; Validate on the top-level config rejects
// anything else.
type Config struct {
	// PluralOverrides maps singular -> plural, e.g. {"person": "people"}.
	PluralOverrides map[string]string `mapstructure:"plural_overrides"`

	// SingularOverrides maps plural -> singular, e.g. {"data": "datum"}.
	SingularOverrides map[string]string `mapstructure:"singular_overrides"`
}

// DefaultConfig returns an empty override set.
func DefaultConfig() Config {
	return Config{
		PluralOverrides:   make(map[string]string),
		SingularOverrides: make(map[string]string),
	}
}
