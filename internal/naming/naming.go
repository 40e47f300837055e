package naming

import (
	"strings"
	"unicode"
)

// Namer derives the names the authored document leaves implicit: backing
// columns from field and argument names, operation names from type names,
// and response field spellings from columns.
type Namer struct {
	config Config
}

// New creates a Namer with the given configuration.
func New(cfg Config) *Namer {
	return &Namer{config: cfg}
}

// Default returns a Namer with default configuration.
func Default() *Namer {
	return New(DefaultConfig())
}

// ToColumnName converts a declared field or argument name to its backing
// column spelling. Example: "createdAt" -> "created_at".
func (n *Namer) ToColumnName(fieldName string) string {
	return camelToSnake(fieldName)
}

// ToFieldName converts a column name to a declared field spelling.
// Example: "created_at" -> "createdAt".
func (n *Namer) ToFieldName(columnName string) string {
	return snakeToCamel(columnName)
}

// ListOperationName derives the conventional list operation name for a
// type. Example: "UserProfile" -> "userProfiles".
func (n *Namer) ListOperationName(typeName string) string {
	return n.Pluralize(lowerFirst(typeName))
}

// SingleOperationName derives the conventional single-row operation name
// for a type. Example: "UserProfile" -> "userProfile".
func (n *Namer) SingleOperationName(typeName string) string {
	return n.Singularize(lowerFirst(typeName))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// camelToSnake converts camelCase or PascalCase to snake_case. Runs of
// capitals stay together: "orderID" -> "order_id".
func camelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || (nextLower && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// snakeToCamel converts snake_case to camelCase.
func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
