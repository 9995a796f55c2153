// Package accept picks a response representation from an Accept header.
package accept

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/munnerz/goautoneg"
)

const (
	JSON = "application/json"
	SSE  = "text/event-stream"
	Any  = "*/*"
)

// Value is one media range with its quality weight.
type Value struct {
	Type    string
	Quality float64
}

// Parse splits an Accept header into values ordered by quality, highest
// first. Entries of equal quality keep their header order. Entries with a zero
// or unparseable quality are dropped.
func Parse(header string) []Value {
	values := []Value{}
	if strings.TrimSpace(header) == "" {
		return values
	}

	for part := range strings.SplitSeq(header, ",") {
		parsed := goautoneg.ParseAccept(part)
		if len(parsed) != 1 {
			continue
		}
		a := parsed[0]
		if a.Type == "" || a.SubType == "" || a.Q <= 0 {
			continue
		}
		// qvalues carry at most three decimals
		quality := math.Round(a.Q*1000) / 1000
		values = append(values, Value{Type: a.Type + "/" + a.SubType, Quality: quality})
	}

	slices.SortStableFunc(values, func(a, b Value) int {
		return cmp.Compare(b.Quality, a.Quality)
	})
	return values
}

// Preferred returns the first accepted value the server supports. When the
// first usable entry is a wildcard the server's own first type wins.
func Preferred(accepted []Value, types []string) (string, bool) {
	for _, a := range accepted {
		// media types are case-insensitive
		if i := slices.IndexFunc(types, func(t string) bool { return strings.EqualFold(t, a.Type) }); i >= 0 {
			return types[i], true
		}
		if a.Type == Any {
			if len(types) == 0 {
				return "", false
			}
			return types[0], true
		}
	}
	return "", false
}

// Negotiate parses header and picks from types.
func Negotiate(header string, types ...string) (string, bool) {
	return Preferred(Parse(header), types)
}
