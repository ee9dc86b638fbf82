// Package utils carries tiny cross-layer helpers with no domain
// knowledge.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or not a
// valid integer. Query-string pagination is the main caller, where junk
// input should silently fall back rather than fail the request.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
