// Package schema holds the in-memory catalog of datasets, tables, fields
// and relations loaded from Amsterdam Schema documents. A loaded snapshot
// is immutable; the Registry swaps snapshots atomically on reload so
// in-flight requests keep working against the catalog they started with.
package schema

import (
	"sort"
	"strings"
)

// Scope names. The public scope grants access to everyone and is
// equivalent to an empty auth set.
const ScopePublic = "OPENBAAR"

// ScopeSet is an immutable set of authorization scope names.
type ScopeSet map[string]struct{}

// NewScopeSet builds a ScopeSet from scope names, dropping the public scope
// (an auth of OPENBAAR means "no scope required").
func NewScopeSet(names ...string) ScopeSet {
	s := make(ScopeSet, len(names))
	for _, n := range names {
		if n == "" || n == ScopePublic {
			continue
		}
		s[n] = struct{}{}
	}
	return s
}

// Contains reports whether the set holds the given scope.
func (s ScopeSet) Contains(scope string) bool {
	_, ok := s[scope]
	return ok
}

// IsEmpty reports whether no scope is required.
func (s ScopeSet) IsEmpty() bool { return len(s) == 0 }

// SubsetOf reports whether every scope in s is present in other.
func (s ScopeSet) SubsetOf(other ScopeSet) bool {
	for scope := range s {
		if !other.Contains(scope) {
			return false
		}
	}
	return true
}

// Union returns a new set holding the scopes of both sets.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	if len(other) == 0 {
		return s
	}
	if len(s) == 0 {
		return other
	}
	u := make(ScopeSet, len(s)+len(other))
	for scope := range s {
		u[scope] = struct{}{}
	}
	for scope := range other {
		u[scope] = struct{}{}
	}
	return u
}

// Names returns the scope names in sorted order, for logging.
func (s ScopeSet) Names() []string {
	names := make([]string, 0, len(s))
	for scope := range s {
		names = append(names, scope)
	}
	sort.Strings(names)
	return names
}

// FieldType enumerates the scalar and composite field types the gateway
// understands. Geometry types carry the "geo:" prefix in schema documents.
type FieldType string

const (
	TypeString       FieldType = "string"
	TypeInteger      FieldType = "integer"
	TypeNumber       FieldType = "number"
	TypeBoolean      FieldType = "boolean"
	TypeDate         FieldType = "date"
	TypeDateTime     FieldType = "date-time"
	TypeTime         FieldType = "time"
	TypeURI          FieldType = "uri"
	TypeArray        FieldType = "array"
	TypeObject       FieldType = "object"
	TypeGeoPoint     FieldType = "geo:Point"
	TypeGeoPolygon   FieldType = "geo:Polygon"
	TypeGeoMultiPoly FieldType = "geo:MultiPolygon"
	TypeGeometry     FieldType = "geo:Geometry"
)

// IsGeo reports whether the type is a geometry type.
func (t FieldType) IsGeo() bool { return strings.HasPrefix(string(t), "geo:") }

// TableRef names a table in a (possibly different) dataset.
type TableRef struct {
	Dataset string
	Table   string
}

func (r TableRef) String() string { return r.Dataset + ":" + r.Table }

// Dataset is the root schema entity. Loaded once, then read-only.
type Dataset struct {
	ID      string
	Title   string
	Version string
	Status  string
	Auth    ScopeSet

	// Path is the URL segment the dataset is served under. Usually the
	// dataset id, but schema documents may override it for grouping.
	Path string

	// Remote is set for datasets whose rows live behind an upstream HTTP
	// endpoint instead of the local database.
	Remote *RemoteSpec

	Tables []*Table

	tablesByID map[string]*Table
}

// RemoteSpec describes the upstream endpoint of a remote dataset.
type RemoteSpec struct {
	// Endpoint is a URL template containing a {tableId} placeholder.
	Endpoint string
	// Profile selects the upstream flavor: "rest" (plain JSON) or
	// "hcbrk" (HAL-Central, forwards the caller's Authorization header).
	Profile string
}

// ForwardsAuth reports whether the caller's Authorization header is passed
// through to the upstream.
func (r *RemoteSpec) ForwardsAuth() bool { return r.Profile == "hcbrk" }

// Table returns the table with the given id, or nil.
func (d *Dataset) Table(id string) *Table { return d.tablesByID[id] }

// Table describes one tabular resource of a dataset.
type Table struct {
	ID      string
	Dataset *Dataset
	Auth    ScopeSet

	// Identifier lists the field ids forming the composite natural key.
	Identifier []string

	// Temporal is non-nil for tables whose rows are versions of a logical
	// entity keyed by (identifier, sequence).
	Temporal *Temporal

	Fields              []*Field
	AdditionalRelations []*AdditionalRelation

	// DBName is the physical table name, <dataset>_<table> in snake case.
	DBName string

	// Zoom is the MVT zoom window for the whole table.
	Zoom ZoomRange

	fieldsByID map[string]*Field
	relsByID   map[string]*AdditionalRelation
}

// Temporal describes the version axes of a temporal table.
type Temporal struct {
	// SequenceField is the field ordering versions of one logical entity,
	// e.g. "volgnummer".
	SequenceField string

	// Dimensions maps a dimension name (e.g. "geldigOp") to the pair of
	// fields bounding its validity interval.
	Dimensions map[string]TemporalDimension
}

// TemporalDimension is one bitemporal axis bounded by a start and end field.
type TemporalDimension struct {
	Start string
	End   string
}

// Field returns the field with the given id, or nil.
func (t *Table) Field(id string) *Field { return t.fieldsByID[id] }

// AdditionalRelation returns the reverse relation with the given id, or nil.
func (t *Table) AdditionalRelation(id string) *AdditionalRelation { return t.relsByID[id] }

// IsTemporal reports whether the table carries version history.
func (t *Table) IsTemporal() bool { return t.Temporal != nil }

// MainGeometry returns the first geometry field, or nil. Used by the
// GeoJSON and MVT renderers and by tilejson generation.
func (t *Table) MainGeometry() *Field {
	for _, f := range t.Fields {
		if f.Type.IsGeo() {
			return f
		}
	}
	return nil
}

// IdentifierFields resolves the identifier field ids to fields.
func (t *Table) IdentifierFields() []*Field {
	fields := make([]*Field, 0, len(t.Identifier))
	for _, id := range t.Identifier {
		if f := t.Field(id); f != nil {
			fields = append(fields, f)
		}
	}
	return fields
}

// AuthChain returns the union of the table's own auth and its dataset's.
// Ancestor auth dominates: a public dataset with a protected table still
// requires the table scope, and vice versa.
func (t *Table) AuthChain() ScopeSet {
	return t.Auth.Union(t.Dataset.Auth)
}

// ZoomRange is an inclusive MVT zoom window. Zero values mean unbounded.
type ZoomRange struct {
	Min int
	Max int
}

// Visible reports whether the given zoom level falls inside the window.
func (z ZoomRange) Visible(zoom int) bool {
	if z.Min != 0 && zoom < z.Min {
		return false
	}
	if z.Max != 0 && zoom > z.Max {
		return false
	}
	return true
}

// Field describes one column, nested object or relation of a table.
type Field struct {
	ID     string // camelCase field id as used in the API
	Name   string // physical column name (snake case)
	Type   FieldType
	Format string
	Auth   ScopeSet
	Table  *Table

	// Relation is the forward FK target; NMRelation the many-to-many
	// target via Through.
	Relation   *TableRef
	NMRelation *TableRef
	// Through is the physical name of the M2M through table.
	Through string
	// ThroughFields are extra through-table columns (e.g. per-dimension
	// validity bounds) surfaced inside the relation's _links entry.
	ThroughFields []string

	// RelatedFieldIDs names the target identifier components a FK
	// references, enabling the join-elision optimization.
	RelatedFieldIDs []string

	Subfields []*Field
	Items     *Field // array element descriptor

	IsIdentifierPart bool
	IsNestedTable    bool
	// IsLooseRelation marks a FK holding only the logical identifier of a
	// temporal target, deliberately unbound to a sequence.
	IsLooseRelation bool

	// Zoom is the MVT visibility window of this field.
	Zoom ZoomRange

	subfieldsByID map[string]*Field
}

// IsRelation reports whether the field is a forward or M2M relation.
func (f *Field) IsRelation() bool { return f.Relation != nil || f.NMRelation != nil }

// IsMany reports whether following the field yields multiple rows.
func (f *Field) IsMany() bool { return f.NMRelation != nil }

// RelationRef returns the relation target regardless of cardinality, or nil.
func (f *Field) RelationRef() *TableRef {
	if f.Relation != nil {
		return f.Relation
	}
	return f.NMRelation
}

// Subfield returns the named subfield, or nil.
func (f *Field) Subfield(id string) *Field { return f.subfieldsByID[id] }

// AuthChain returns the union of the field's auth with its table's and
// dataset's.
func (f *Field) AuthChain() ScopeSet {
	return f.Auth.Union(f.Table.AuthChain())
}

// Relation formats of additional (reverse) relations.
const (
	RelationFormatEmbedded = "embedded"
	RelationFormatSummary  = "summary"
)

// AdditionalRelation declares a reverse relation that exists only as a FK
// on the related table, not as a column here.
type AdditionalRelation struct {
	ID     string
	Table  *Table // owning table
	Format string // embedded or summary

	// Target names the related table; FieldID the FK field on it that
	// points back at the owning table.
	Target  TableRef
	FieldID string
}

// IsSummary reports whether the relation renders as {count, href} instead
// of embedded objects.
func (r *AdditionalRelation) IsSummary() bool { return r.Format == RelationFormatSummary }

// index wires up the lookup maps and back references after loading.
func (d *Dataset) index() {
	d.tablesByID = make(map[string]*Table, len(d.Tables))
	for _, t := range d.Tables {
		t.Dataset = d
		if t.DBName == "" {
			t.DBName = SnakeName(d.ID) + "_" + SnakeName(t.ID)
		}
		d.tablesByID[t.ID] = t
		t.index()
	}
}

func (t *Table) index() {
	t.fieldsByID = make(map[string]*Field, len(t.Fields))
	for _, f := range t.Fields {
		f.Table = t
		if f.Name == "" {
			f.Name = SnakeName(f.ID)
		}
		f.indexSubfields(t)
		t.fieldsByID[f.ID] = f
	}
	t.relsByID = make(map[string]*AdditionalRelation, len(t.AdditionalRelations))
	for _, r := range t.AdditionalRelations {
		r.Table = t
		t.relsByID[r.ID] = r
	}
	for _, id := range t.Identifier {
		if f := t.Field(id); f != nil {
			f.IsIdentifierPart = true
		}
	}
}

func (f *Field) indexSubfields(t *Table) {
	if len(f.Subfields) == 0 {
		return
	}
	f.subfieldsByID = make(map[string]*Field, len(f.Subfields))
	for _, sub := range f.Subfields {
		sub.Table = t
		if sub.Name == "" {
			sub.Name = SnakeName(f.ID) + "_" + SnakeName(sub.ID)
		}
		sub.indexSubfields(t)
		f.subfieldsByID[sub.ID] = sub
	}
}
