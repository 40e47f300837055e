package naming

import (
	"github.com/jinzhu/inflection"
)

// Pluralize returns the plural form of word. Configured overrides win
// over the inflection library, which lets schemas pin irregular or
// domain-specific nouns.
func (n *Namer) Pluralize(word string) string {
	return inflect(n.config.PluralOverrides, word, inflection.Plural)
}

// Singularize returns the singular form of word, with the same
// override-first lookup as Pluralize.
func (n *Namer) Singularize(word string) string {
	return inflect(n.config.SingularOverrides, word, inflection.Singular)
}

func inflect(overrides map[string]string, word string, fallback func(string) string) string {
	if override, ok := overrides[word]; ok {
		return override
	}
	return fallback(word)
}
