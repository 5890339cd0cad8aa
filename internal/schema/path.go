package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Path resolution errors. Callers translate these to problem+json at the
// HTTP boundary.
var (
	ErrFieldNotFound = errors.New("field not found")
	ErrNotARelation  = errors.New("not a relation")
)

// PathPart is one resolved hop of a dotted field path. Either Field or
// Reverse is set: a reverse relation hop has no column of its own.
type PathPart struct {
	Field   *Field
	Reverse *AdditionalRelation

	// Table is the table the hop was resolved against.
	Table *Table

	// IsMany is true when following the hop can yield multiple rows
	// (M2M forward relations and reverse relations).
	IsMany bool
}

// Name returns the schema id of the hop.
func (p PathPart) Name() string {
	if p.Reverse != nil {
		return p.Reverse.ID
	}
	return p.Field.ID
}

// ResolveFieldPath walks a dotted field path like ["ligtInWijk", "naam"]
// or ["regimes", "eindtijd"] starting at table. Non-terminal segments must
// be relations or nested-table fields. The terminal segment additionally
// accepts the legacy "Id" suffix when the base name denotes a foreign key
// ("clusterId" resolves to the cluster relation's FK column).
//
// Returns ErrFieldNotFound for unknown segments and ErrNotARelation when a
// scalar field is dotted into.
func (s *Snapshot) ResolveFieldPath(table *Table, parts []string) ([]PathPart, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrFieldNotFound)
	}

	out := make([]PathPart, 0, len(parts))
	cur := table
	var nested *Field // non-nil while descending into subfields

	for i, seg := range parts {
		last := i == len(parts)-1

		var f *Field
		if nested != nil {
			f = nested.Subfield(seg)
		} else {
			f = cur.Field(seg)
		}

		// Legacy: a terminal "fooId" addresses the FK column of relation "foo".
		if f == nil && last && nested == nil {
			if base, ok := strings.CutSuffix(seg, "Id"); ok && base != "" {
				if bf := cur.Field(base); bf != nil && bf.Relation != nil {
					f = bf
				}
			}
		}

		// Reverse relations are valid hops (and valid terminals, for expansion).
		if f == nil && nested == nil {
			if rel := cur.AdditionalRelation(seg); rel != nil {
				target := s.Table(rel.Target.Dataset, rel.Target.Table)
				if target == nil {
					return nil, fmt.Errorf("%w: %s points at unknown table %s",
						ErrFieldNotFound, seg, rel.Target)
				}
				out = append(out, PathPart{Reverse: rel, Table: cur, IsMany: true})
				cur = target
				continue
			}
		}

		if f == nil {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(parts[:i+1], "."))
		}

		out = append(out, PathPart{Field: f, Table: cur, IsMany: f.IsMany()})
		if last {
			break
		}

		switch {
		case f.IsNestedTable || len(f.Subfields) > 0:
			nested = f
		case f.IsRelation():
			ref := f.RelationRef()
			next := s.Table(ref.Dataset, ref.Table)
			if next == nil {
				return nil, fmt.Errorf("%w: %s points at unknown table %s",
					ErrFieldNotFound, seg, ref)
			}
			cur = next
			nested = nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrNotARelation, strings.Join(parts[:i+1], "."))
		}
	}
	return out, nil
}
