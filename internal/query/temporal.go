package query

import (
	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/filter"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// ParseSlice extracts the temporal slice from the filter inputs of a
// temporal table. An exact filter on the sequence field pins that
// version; a parameter named after a temporal dimension restricts to the
// version valid at that moment; with neither, the latest version per
// logical entity is served. Consumed inputs are removed from the
// returned list.
func ParseSlice(t *schema.Table, inputs []filter.Input) (*SliceSpec, []filter.Input, error) {
	if !t.IsTemporal() {
		return nil, inputs, nil
	}

	spec := &SliceSpec{Kind: SliceLatest}
	remaining := inputs[:0:0]

	for _, in := range inputs {
		if len(in.Path) != 1 || in.Lookup != filter.LookupExact {
			remaining = append(remaining, in)
			continue
		}
		name := in.Path[0]

		if name == t.Temporal.SequenceField {
			f := t.Field(name)
			if f == nil {
				remaining = append(remaining, in)
				continue
			}
			v, err := filter.ParseScalar(f, in.RawValues[0], crs.Undefined)
			if err != nil {
				return nil, nil, apierror.InvalidValue(in.Key, err.Error())
			}
			seq, ok := v.(int64)
			if !ok {
				return nil, nil, apierror.InvalidValue(in.Key, "Enter a valid integer")
			}
			spec.Kind = SliceSequence
			spec.Sequence = seq
			continue
		}

		if dim, ok := t.Temporal.Dimensions[name]; ok {
			at, err := parseSliceAt(t, dim, in)
			if err != nil {
				return nil, nil, err
			}
			spec.Kind = SliceDimension
			spec.Dimension = name
			spec.At = at
			continue
		}

		remaining = append(remaining, in)
	}
	return spec, remaining, nil
}

// parseSliceAt parses the dimension parameter value with the type of the
// dimension's start field. An empty value or "*" means "all versions";
// that is expressed as a nil At, which disables the dimension predicate.
func parseSliceAt(t *schema.Table, dim schema.TemporalDimension, in filter.Input) (any, error) {
	raw := in.RawValues[0]
	if raw == "" || raw == "*" {
		return nil, nil
	}
	f := t.Field(dim.Start)
	if f == nil {
		return nil, apierror.Internal(nil).WithDetail("temporal dimension %s has no start field", in.Key)
	}
	v, err := filter.ParseScalar(f, raw, crs.Undefined)
	if err != nil {
		return nil, apierror.InvalidValue(in.Key, err.Error())
	}
	if d, ok := v.(filter.Date); ok {
		return d.Time, nil
	}
	return v, nil
}

// slicePredicate builds the WHERE fragment applying the slice to a
// temporal table joined under the given alias. Validity intervals are
// half-open: a version is current at its start instant, expired at its
// end instant.
func slicePredicate(alias string, t *schema.Table, s *SliceSpec) (Fragment, bool) {
	if s == nil || !t.IsTemporal() {
		return Fragment{}, false
	}
	seqCol := quoteIdent(alias) + "." + quoteIdent(schema.SnakeName(t.Temporal.SequenceField))

	switch s.Kind {
	case SliceSequence:
		return Fragment{SQL: seqCol + " = ?", Args: []any{s.Sequence}}, true

	case SliceDimension:
		dim, ok := t.Temporal.Dimensions[s.Dimension]
		if !ok || s.At == nil {
			// Table lacks this dimension (relation target) or the request
			// asked for all versions: fall back to latest, resp. no slice.
			if s.At == nil {
				return Fragment{}, false
			}
			return latestPredicate(alias, t, seqCol), true
		}
		startCol := quoteIdent(alias) + "." + quoteIdent(schema.SnakeName(dim.Start))
		endCol := quoteIdent(alias) + "." + quoteIdent(schema.SnakeName(dim.End))
		return Fragment{
			SQL:  startCol + " <= ? AND (" + endCol + " IS NULL OR " + endCol + " > ?)",
			Args: []any{s.At, s.At},
		}, true

	default:
		return latestPredicate(alias, t, seqCol), true
	}
}

// latestPredicate selects the greatest sequence per logical entity via a
// correlated subquery over the identifier fields (minus the sequence
// field itself, which is commonly part of the composite identifier).
func latestPredicate(alias string, t *schema.Table, seqCol string) Fragment {
	const sub = "v"
	cond := seqCol + " = (SELECT MAX(" + quoteIdent(sub) + "." + quoteIdent(schema.SnakeName(t.Temporal.SequenceField)) + ")" +
		" FROM " + quoteIdent(t.DBName) + " " + quoteIdent(sub) + " WHERE "
	first := true
	for _, id := range t.Identifier {
		if id == t.Temporal.SequenceField {
			continue
		}
		col := schema.SnakeName(id)
		if f := t.Field(id); f != nil {
			col = f.Name
		}
		if !first {
			cond += " AND "
		}
		cond += quoteIdent(sub) + "." + quoteIdent(col) + " = " + quoteIdent(alias) + "." + quoteIdent(col)
		first = false
	}
	cond += ")"
	return Fragment{SQL: cond}
}
