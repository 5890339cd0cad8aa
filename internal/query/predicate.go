package query

import (
	"errors"
	"strings"

	"github.com/paulmach/orb"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/filter"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// dbSRID is the SRID geometry columns are stored in (Dutch RD). Filter
// input points are transformed to it before comparison.
const dbSRID = 28992

// buildPredicate lowers one validated filter to a SQL fragment. col is
// the qualified column expression, f the terminal field descriptor (for
// relation fields: the descriptor used for value parsing is the target's
// identifier field, supplied by the planner as valueField).
func buildPredicate(col string, f, valueField *schema.Field, in filter.Input, inputCRS crs.CRS) (Fragment, error) {
	parse := func(raw string) (any, error) {
		v, err := filter.ParseScalar(valueField, raw, inputCRS)
		if errors.Is(err, filter.ErrNeedsCRS) {
			return nil, apierror.PreconditionFailed(err.Error())
		}
		if err != nil {
			return nil, apierror.InvalidValue(in.Key, err.Error())
		}
		return v, nil
	}

	// Only "not" legitimately repeats; its predicates AND together.
	if len(in.RawValues) > 1 && in.Lookup != filter.LookupNot {
		return Fragment{}, apierror.InvalidParamError(apierror.CodeInvalidFilterSyntax,
			in.Key, "Parameter may not occur more than once")
	}
	raw := in.RawValues[0]

	switch in.Lookup {
	case filter.LookupExact:
		v, err := parse(raw)
		if err != nil {
			return Fragment{}, err
		}
		if g, ok := v.(filter.GeoValue); ok {
			return geoEquals(col, g)
		}
		if d, ok := v.(filter.Date); ok && valueField.Type == schema.TypeDateTime {
			// Date-only value on a date-time column matches the whole day.
			return Fragment{SQL: "date(" + col + ") = ?", Args: []any{d.Time}}, nil
		}
		return Fragment{SQL: col + " = ?", Args: []any{sqlValue(v)}}, nil

	case filter.LookupNot:
		frags := make([]Fragment, 0, len(in.RawValues))
		for _, rv := range in.RawValues {
			v, err := parse(rv)
			if err != nil {
				return Fragment{}, err
			}
			if isCaseInsensitive(valueField) {
				frags = append(frags, Fragment{
					SQL:  col + " IS NULL OR UPPER(" + col + ") != UPPER(?)",
					Args: []any{sqlValue(v)},
				})
			} else {
				frags = append(frags, Fragment{
					SQL:  col + " IS NULL OR " + col + " != ?",
					Args: []any{sqlValue(v)},
				})
			}
		}
		return And(frags...), nil

	case filter.LookupGT, filter.LookupGTE, filter.LookupLT, filter.LookupLTE:
		op := map[string]string{
			filter.LookupGT: ">", filter.LookupGTE: ">=",
			filter.LookupLT: "<", filter.LookupLTE: "<=",
		}[in.Lookup]
		v, err := parse(raw)
		if err != nil {
			return Fragment{}, err
		}
		if d, ok := v.(filter.Date); ok && valueField.Type == schema.TypeDateTime {
			return Fragment{SQL: "date(" + col + ") " + op + " ?", Args: []any{d.Time}}, nil
		}
		return Fragment{SQL: col + " " + op + " ?", Args: []any{sqlValue(v)}}, nil

	case filter.LookupIn:
		values := filter.SplitValues(raw)
		marks := make([]string, len(values))
		args := make([]any, len(values))
		for i, rv := range values {
			v, err := parse(rv)
			if err != nil {
				return Fragment{}, err
			}
			marks[i] = "?"
			args[i] = sqlValue(v)
		}
		return Fragment{SQL: col + " IN (" + strings.Join(marks, ", ") + ")", Args: args}, nil

	case filter.LookupLike:
		pattern := likePattern(raw)
		if isCaseInsensitive(valueField) {
			return Fragment{SQL: "UPPER(" + col + ") LIKE UPPER(?) ESCAPE '\\'", Args: []any{pattern}}, nil
		}
		return Fragment{SQL: col + " LIKE ? ESCAPE '\\'", Args: []any{pattern}}, nil

	case filter.LookupIsNull:
		wantNull, err := parseBoolArg(in.Key, raw)
		if err != nil {
			return Fragment{}, err
		}
		if wantNull {
			return Fragment{SQL: col + " IS NULL"}, nil
		}
		return Fragment{SQL: col + " IS NOT NULL"}, nil

	case filter.LookupIsEmpty:
		wantEmpty, err := parseBoolArg(in.Key, raw)
		if err != nil {
			return Fragment{}, err
		}
		// Three-valued logic: NULL counts as empty.
		if wantEmpty {
			return Fragment{SQL: "(" + col + " = '') IS NOT FALSE"}, nil
		}
		return Fragment{SQL: "(" + col + " = '') IS FALSE"}, nil

	case filter.LookupContains:
		if f.Type == schema.TypeArray {
			return arrayContains(col, raw), nil
		}
		// Geometry: point-in-geometry.
		v, err := parse(raw)
		if err != nil {
			return Fragment{}, err
		}
		g, ok := v.(filter.GeoValue)
		if !ok {
			return Fragment{}, apierror.InvalidValue(in.Key, "Expected a point")
		}
		return geoContains(col, g)

	default:
		// Unreachable after ValidateLookup; kept as a guard.
		return Fragment{}, apierror.UnsupportedLookup(in.Key, in.Lookup, nil)
	}
}

// isCaseInsensitive reports whether string comparisons on the field fold
// case. Identifiers and foreign keys compare case-sensitively.
func isCaseInsensitive(f *schema.Field) bool {
	if f.IsIdentifierPart || f.IsRelation() {
		return false
	}
	return f.Type == schema.TypeString || f.Type == schema.TypeURI
}

// likePattern translates the public wildcards (* and ?) to SQL LIKE,
// escaping any literal % and _ in the input.
func likePattern(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseBoolArg(key, raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, apierror.InvalidValue(key, "Enter a valid boolean (true/false)")
	}
}

// arrayContains builds the case-insensitive superset check for array
// columns: every given value must occur in the column.
func arrayContains(col, raw string) Fragment {
	values := filter.SplitValues(raw)
	upper := make([]string, len(values))
	for i, v := range values {
		upper[i] = strings.ToUpper(v)
	}
	return Fragment{
		SQL:  "ARRAY(SELECT UPPER(v) FROM unnest(" + col + ") AS v) @> ?",
		Args: []any{upper},
	}
}

// geoContains builds the point-in-geometry predicate. The input point is
// transformed to the column SRID here, so the database compares native
// coordinates.
func geoContains(col string, g filter.GeoValue) (Fragment, error) {
	p, err := toDBPoint(g)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{
		SQL:  "ST_Contains(" + col + ", ST_SetSRID(ST_MakePoint(?, ?), ?))",
		Args: []any{p[0], p[1], dbSRID},
	}, nil
}

// geoEquals is the exact-match form for point columns.
func geoEquals(col string, g filter.GeoValue) (Fragment, error) {
	p, err := toDBPoint(g)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{
		SQL:  "ST_Equals(" + col + ", ST_SetSRID(ST_MakePoint(?, ?), ?))",
		Args: []any{p[0], p[1], dbSRID},
	}, nil
}

func toDBPoint(g filter.GeoValue) (orb.Point, error) {
	p, ok := g.Geometry.(orb.Point)
	if !ok {
		return orb.Point{}, apierror.BadRequest(apierror.CodeInvalidValue, "Expected a point geometry")
	}
	out, err := crs.TransformPoint(p, g.CRS, crs.RD)
	if err != nil {
		return orb.Point{}, apierror.Internal(err)
	}
	return out, nil
}

// sqlValue converts parsed values to their SQL argument form.
func sqlValue(v any) any {
	switch tv := v.(type) {
	case filter.Date:
		return tv.Time
	default:
		return v
	}
}
