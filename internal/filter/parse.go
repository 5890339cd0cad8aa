package filter

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/datastelsel/dsogateway/internal/apierror"
)

// Reserved query keys that are never filters. The second group are the
// legacy synonyms still accepted for backwards compatibility.
var reservedParams = map[string]bool{
	"_count":       true,
	"_expand":      true,
	"_expandScope": true,
	"_fields":      true,
	"_format":      true,
	"_pageSize":    true,
	"_sort":        true,
	"page":         true,

	"fields":    true,
	"page_size": true,
	"sorteer":   true,
	"format":    true,
}

// IsReserved reports whether the query key is a control parameter rather
// than a filter.
func IsReserved(key string) bool { return reservedParams[key] }

// keyRe captures the path and optional [lookup] of a filter key.
var keyRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9]*(?:\.[a-zA-Z][a-zA-Z0-9]*)*)(?:\[([A-Za-z0-9_-]+)\])?$`)

// Input is one parsed filter parameter.
type Input struct {
	// Key is the original query key, e.g. "regimes.eindtijd[lte]".
	Key string
	// Path is the dotted field path, split.
	Path []string
	// Lookup is the operator; empty means exact.
	Lookup string
	// RawValues holds every occurrence of the key. Only the "not" lookup
	// legitimately repeats; others are validated by the planner.
	RawValues []string
}

// ParseQuery extracts the filter inputs from a query string, skipping the
// reserved control parameters. Keys that do not match the grammar yield
// an invalid-filter-syntax error.
func ParseQuery(query url.Values) ([]Input, error) {
	keys := make([]string, 0, len(query))
	for key := range query {
		if IsReserved(key) {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)

	inputs := make([]Input, 0, len(keys))
	for _, key := range keys {
		m := keyRe.FindStringSubmatch(key)
		if m == nil {
			return nil, apierror.InvalidParamError(apierror.CodeInvalidFilterSyntax,
				key, "Filter parameter does not match field[.subfield][operator] syntax")
		}
		inputs = append(inputs, Input{
			Key:       key,
			Path:      strings.Split(m[1], "."),
			Lookup:    m[2],
			RawValues: query[key],
		})
	}
	return inputs, nil
}

// SplitValues splits a raw value on commas for lookups that take lists
// ("in" and array "contains").
func SplitValues(raw string) []string {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
