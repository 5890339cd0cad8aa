package schema

import (
	"strings"
	"sync"
	"unicode"
)

// Name casing conversions sit on the hot path (every field of every row
// passes through them), so results are memoized for the process lifetime.
// Schema vocabularies are small and fixed, which keeps the maps bounded.
var (
	snakeCache sync.Map // string -> string
	camelCache sync.Map // string -> string
)

// SnakeName converts a camelCase schema identifier to its snake_case
// database form. Consecutive capitals are treated as one word boundary:
// "ligtInWijkId" becomes "ligt_in_wijk_id", "heeftBAGHoofdadres" becomes
// "heeft_bag_hoofdadres".
func SnakeName(name string) string {
	if v, ok := snakeCache.Load(name); ok {
		return v.(string)
	}
	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	out := b.String()
	snakeCache.Store(name, out)
	return out
}

// CamelName converts a snake_case name to camelCase:
// "ligt_in_wijk_id" becomes "ligtInWijkId".
func CamelName(name string) string {
	if v, ok := camelCache.Load(name); ok {
		return v.(string)
	}
	parts := strings.Split(name, "_")
	var b strings.Builder
	b.Grow(len(name))
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	out := b.String()
	camelCache.Store(name, out)
	return out
}

// CapitalizedName returns the field id with its first letter upper-cased
// and the rest lowered, the form used for CSV column headers:
// "datumCreatie" becomes "Datumcreatie".
func CapitalizedName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + strings.ToLower(name[1:])
}
