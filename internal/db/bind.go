package db

import (
	"fmt"
	"strings"
)

// Bind rewrites ?-style placeholders to $n for the postgres dialect.
// Queries are written with ? throughout; sqlite takes them as-is.
func Bind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
