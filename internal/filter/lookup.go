package filter

import (
	"slices"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// Lookup operator names. The empty string is an exact match.
const (
	LookupExact    = ""
	LookupNot      = "not"
	LookupGT       = "gt"
	LookupGTE      = "gte"
	LookupLT       = "lt"
	LookupLTE      = "lte"
	LookupIn       = "in"
	LookupLike     = "like"
	LookupIsNull   = "isnull"
	LookupIsEmpty  = "isempty"
	LookupContains = "contains"
)

var (
	comparableLookups = []string{LookupExact, LookupGT, LookupGTE, LookupLT, LookupLTE, LookupIn, LookupNot, LookupIsNull}
	stringLookups     = []string{LookupExact, LookupIn, LookupNot, LookupIsNull, LookupIsEmpty, LookupLike}
	booleanLookups    = []string{LookupExact, LookupIsNull}
	arrayLookups      = []string{LookupExact, LookupContains}
	polygonLookups    = []string{LookupExact, LookupContains, LookupIsNull, LookupNot}
	pointLookups      = []string{LookupExact, LookupIsNull, LookupNot}
	relationLookups   = []string{LookupExact, LookupIn, LookupNot, LookupIsNull}
)

// AllowedLookups returns the lookups valid for a field, driven by its
// type. Foreign keys and identifier parts are restricted regardless of
// their scalar type.
func AllowedLookups(f *schema.Field) []string {
	if f.IsRelation() || f.IsIdentifierPart {
		return relationLookups
	}
	switch f.Type {
	case schema.TypeBoolean:
		return booleanLookups
	case schema.TypeInteger, schema.TypeNumber, schema.TypeDate, schema.TypeDateTime, schema.TypeTime:
		return comparableLookups
	case schema.TypeString, schema.TypeURI:
		return stringLookups
	case schema.TypeArray:
		return arrayLookups
	case schema.TypeGeoPolygon, schema.TypeGeoMultiPoly, schema.TypeGeometry:
		return polygonLookups
	case schema.TypeGeoPoint:
		return pointLookups
	default:
		return nil
	}
}

// ValidateLookup checks one filter's lookup against the field's allowed
// set, returning an unsupported-lookup error with the alternatives.
func ValidateLookup(f *schema.Field, key, lookup string) error {
	allowed := AllowedLookups(f)
	if slices.Contains(allowed, lookup) {
		return nil
	}
	display := make([]string, len(allowed))
	for i, l := range allowed {
		if l == LookupExact {
			display[i] = "exact"
		} else {
			display[i] = l
		}
	}
	if lookup == LookupExact {
		lookup = "exact"
	}
	return apierror.UnsupportedLookup(key, lookup, display)
}
