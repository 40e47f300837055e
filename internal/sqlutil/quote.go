// Package sqlutil provides SQL identifier helpers shared by the
// template generator and the catalog loader.
package sqlutil

import "strings"

// QuoteIdentifier wraps name in backticks, doubling any embedded
// backtick so the identifier cannot break out of its quoting.
func QuoteIdentifier(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 2)
	b.WriteByte('`')
	for i := 0; i < len(name); i++ {
		if name[i] == '`' {
			b.WriteByte('`')
		}
		b.WriteByte(name[i])
	}
	b.WriteByte('`')
	return b.String()
}

// Qualify renders an alias-qualified column reference, both parts
// quoted.
func Qualify(alias, column string) string {
	return QuoteIdentifier(alias) + "." + QuoteIdentifier(column)
}

// QuoteString renders a single-quoted SQL string literal, doubling
// embedded single quotes.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
