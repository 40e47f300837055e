package naming

import "strings"

// reservedWords are names the serving surface cannot project: language
// keywords and builtin scalar spellings.
var reservedWords = map[string]bool{
	"query":        true,
	"mutation":     true,
	"subscription": true,
	"type":         true,
	"schema":       true,
	"scalar":       true,
	"enum":         true,
	"input":        true,
	"interface":    true,
	"union":        true,
	"fragment":     true,
	"directive":    true,
	"extend":       true,
	"implements":   true,
	"on":           true,
	"true":         true,
	"false":        true,
	"null":         true,
}

// IsReserved reports whether a declared name collides with a reserved
// word or the introspection prefix. Validation rejects such names.
func IsReserved(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "__") {
		return true
	}
	return reservedWords[lower]
}

// ValidIdentifier reports whether a declared name is a usable
// identifier: a letter or underscore followed by letters, digits or
// underscores.
func ValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
