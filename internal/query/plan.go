// Package query lowers parsed filters, sort, projection and expansion
// into a backend-neutral query plan, compiles the plan to parameterized
// SQL, and executes it against Postgres/PostGIS with streaming cursors
// and batched relation prefetching. User input never reaches the SQL
// text: identifiers come from the schema catalog, values are bound
// parameters.
package query

import (
	"strings"

	"github.com/datastelsel/dsogateway/internal/schema"
)

// Fragment is a piece of SQL with '?' placeholders and matching
// arguments. The compiler renumbers placeholders to $1..$n.
type Fragment struct {
	SQL  string
	Args []any
}

// And combines fragments with AND, wrapping each in parentheses.
func And(frags ...Fragment) Fragment {
	if len(frags) == 1 {
		return frags[0]
	}
	parts := make([]string, len(frags))
	var args []any
	for i, f := range frags {
		parts[i] = "(" + f.SQL + ")"
		args = append(args, f.Args...)
	}
	return Fragment{SQL: strings.Join(parts, " AND "), Args: args}
}

// SelectCol is one projected column of the main query.
type SelectCol struct {
	// Expr is the SQL expression (a plain column reference, or wrapped
	// e.g. in ST_AsBinary for geometries).
	Expr string
	// Alias is the field id the value is keyed under in the Row.
	Alias string
	// Field is the schema descriptor, nil for synthetic columns.
	Field *schema.Field
}

// Join is one LEFT JOIN of the main query.
type Join struct {
	Table string // physical table name
	Alias string
	// On is the join condition, referencing the alias and earlier tables.
	On Fragment
}

// OrderTerm is one ORDER BY entry.
type OrderTerm struct {
	Expr string
	Desc bool
}

// SliceKind selects how the temporal slice predicate is built.
type SliceKind int

const (
	// SliceLatest picks the greatest sequence per logical identifier.
	SliceLatest SliceKind = iota
	// SliceSequence pins an explicit sequence value.
	SliceSequence
	// SliceDimension restricts to versions valid at a point on one
	// temporal dimension.
	SliceDimension
)

// SliceSpec captures the request's temporal slice, applied to the main
// table and to every temporal table reached via relations.
type SliceSpec struct {
	Kind SliceKind

	// Sequence is the pinned sequence value for SliceSequence.
	Sequence int64

	// Dimension and At define the SliceDimension predicate.
	Dimension string
	At        any
}

// ExpandKind classifies how prefetched rows attach to the parent.
type ExpandKind int

const (
	// ExpandForward follows a FK to a single target row.
	ExpandForward ExpandKind = iota
	// ExpandNested loads child rows of a nested table (always included
	// in the body).
	ExpandNested
	// ExpandReverse loads rows of an embedded reverse relation.
	ExpandReverse
	// ExpandM2M loads rows via a through table.
	ExpandM2M
	// ExpandSummary counts rows of a summary reverse relation instead of
	// loading them.
	ExpandSummary
)

// ExpandSpec describes one relation prefetch. The executor runs these
// per chunk of main rows and attaches results under EmbedKey.
type ExpandSpec struct {
	Kind ExpandKind

	// Name is the relation/field id as requested.
	Name string

	// Target is the related (or nested child) table.
	Target *schema.Table

	// Field is the forward relation field (ExpandForward, ExpandM2M).
	Field *schema.Field

	// LocalKeys are the parent-side column aliases whose values key the
	// lookup (FK columns for forward, identifier for nested/reverse).
	LocalKeys []string

	// RemoteKeys are the matching field ids on the target side.
	RemoteKeys []string

	// Through is the physical through table for ExpandM2M, with its
	// parent-side and target-side column names.
	Through        string
	ThroughParent  []string
	ThroughTarget  []string
	ThroughExtra   []string
	// NestedChild is the physical child table for ExpandNested.
	NestedChild string
}

// EmbedKey is the Row key the prefetched result attaches under.
func (e *ExpandSpec) EmbedKey() string { return "_embed:" + e.Name }

// IsMany reports whether the prefetch yields a list per parent row.
func (e *ExpandSpec) IsMany() bool { return e.Kind != ExpandForward }

// Pagination is the plan's paging request.
type Pagination struct {
	// Page is 1-based.
	Page int
	Size int
	// WithCount adds the COUNT(*) side query.
	WithCount bool
	// Disabled streams the whole cursor (CSV, GeoJSON default).
	Disabled bool
}

// Offset returns the row offset of the page.
func (p Pagination) Offset() int {
	if p.Page < 2 {
		return 0
	}
	return (p.Page - 1) * p.Size
}

// Plan is the lowered query, ready for compilation.
type Plan struct {
	Table *schema.Table

	Select   []SelectCol
	Joins    []Join
	Where    []Fragment
	OrderBy  []OrderTerm
	Distinct bool

	Prefetch []ExpandSpec
	Temporal *SliceSpec

	Page Pagination
}

// mainAlias is the alias of the plan's primary table.
const mainAlias = "t"

// HasColumn reports whether a field id is among the selected columns.
func (p *Plan) HasColumn(alias string) bool {
	for _, c := range p.Select {
		if c.Alias == alias {
			return true
		}
	}
	return false
}

// WithinBounds restricts the plan to rows whose main geometry intersects
// the given envelope, in database coordinates. Reports false when the
// table has no geometry.
func (p *Plan) WithinBounds(minX, minY, maxX, maxY float64) bool {
	f := p.Table.MainGeometry()
	if f == nil {
		return false
	}
	col := quoteIdent(mainAlias) + "." + quoteIdent(f.Name)
	p.Where = append(p.Where, Fragment{
		SQL:  "ST_Intersects(" + col + ", ST_MakeEnvelope(?, ?, ?, ?, ?))",
		Args: []any{minX, minY, maxX, maxY, dbSRID},
	})
	return true
}
