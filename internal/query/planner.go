package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/filter"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// Paging defaults and bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 1000
)

// Params carries the request context the planner needs beyond the table.
type Params struct {
	// Query is the full request query string.
	Query url.Values
	// User is the caller's authorization context.
	User auth.UserScopes
	// Gate makes the per-field access decisions.
	Gate *auth.Gate
	// CRS is the input coordinate system from Accept-Crs; Undefined
	// enables coordinate auto-detection in geometry filters.
	CRS crs.CRS
}

// Planner lowers a request against one table into a Plan. It is
// stateless apart from the schema snapshot it resolves against.
type Planner struct {
	Snapshot *schema.Snapshot
}

// Build lowers a listing request. The returned plan carries everything
// the compiler and executor need; all user input has been validated.
func (p *Planner) Build(t *schema.Table, params Params) (*Plan, error) {
	inputs, err := filter.ParseQuery(params.Query)
	if err != nil {
		return nil, err
	}
	slice, inputs, err := ParseSlice(t, inputs)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Table: t, Temporal: slice}

	include, err := p.parseFields(t, params)
	if err != nil {
		return nil, err
	}
	plan.Select = selectColumnsFor(p.Snapshot, t, include)

	joins := newJoinSet()
	for _, in := range inputs {
		if err := p.applyFilter(plan, joins, t, in, params); err != nil {
			return nil, err
		}
	}

	if err := p.applySort(plan, t, params); err != nil {
		return nil, err
	}
	if err := p.applyExpand(plan, t, include, params); err != nil {
		return nil, err
	}
	if err := applyPaging(plan, params.Query); err != nil {
		return nil, err
	}

	if frag, ok := slicePredicate(mainAlias, t, slice); ok {
		plan.Where = append(plan.Where, frag)
	}
	return plan, nil
}

// BuildDetail lowers a single-resource request. For temporal tables the
// URL id addresses the logical entity; the slice (default: latest)
// selects the version.
func (p *Planner) BuildDetail(t *schema.Table, id string, params Params) (*Plan, error) {
	inputs, err := filter.ParseQuery(params.Query)
	if err != nil {
		return nil, err
	}
	slice, _, err := ParseSlice(t, inputs)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Table: t, Temporal: slice, Page: Pagination{Page: 1, Size: 1}}

	include, err := p.parseFields(t, params)
	if err != nil {
		return nil, err
	}
	plan.Select = selectColumnsFor(p.Snapshot, t, include)

	frag, err := identifierPredicate(t, id)
	if err != nil {
		return nil, err
	}
	plan.Where = append(plan.Where, frag)

	if frag, ok := slicePredicate(mainAlias, t, slice); ok {
		plan.Where = append(plan.Where, frag)
	}

	if err := p.applyExpand(plan, t, include, params); err != nil {
		return nil, err
	}
	return plan, nil
}

// identifierPredicate matches the URL id against the table's logical
// identifier. Composite keys (beyond the temporal sequence, which the
// slice handles) arrive dot-joined in the URL.
func identifierPredicate(t *schema.Table, id string) (Fragment, error) {
	fields := t.IdentifierFields()
	logical := fields[:0:0]
	for _, f := range fields {
		if t.IsTemporal() && f.ID == t.Temporal.SequenceField {
			continue
		}
		logical = append(logical, f)
	}
	if len(logical) == 0 {
		return Fragment{}, apierror.Internal(fmt.Errorf("table %s has no identifier", t.ID))
	}

	values := []string{id}
	if len(logical) > 1 {
		values = strings.Split(id, ".")
		if len(values) != len(logical) {
			return Fragment{}, apierror.NotFound("resource %s not found", id)
		}
	}

	frags := make([]Fragment, len(logical))
	for i, f := range logical {
		v, err := filter.ParseScalar(f, values[i], crs.Undefined)
		if err != nil {
			return Fragment{}, apierror.NotFound("resource %s not found", id)
		}
		col := quoteIdent(mainAlias) + "." + quoteIdent(f.Name)
		frags[i] = Fragment{SQL: col + " = ?", Args: []any{sqlValue(v)}}
	}
	return And(frags...), nil
}

// parseFields interprets _fields (and the legacy "fields" synonym) into
// an include set, or nil for "all fields". The list is either fully
// inclusive or fully exclusive ("-" prefixed); mixing both forms is
// rejected. Identifier fields stay included either way, links need them.
func (p *Planner) parseFields(t *schema.Table, params Params) (map[string]bool, error) {
	raw := params.Query.Get("_fields")
	if raw == "" {
		raw = params.Query.Get("fields")
	}
	if raw == "" {
		return nil, nil
	}

	names := filter.SplitValues(raw)
	exclude := strings.HasPrefix(names[0], "-")
	set := make(map[string]bool, len(names))
	for _, name := range names {
		neg := strings.HasPrefix(name, "-")
		if neg != exclude {
			return nil, apierror.InvalidParamError(apierror.CodeInvalidParams, "_fields",
				"Combining included and excluded fields is not supported")
		}
		name = strings.TrimPrefix(name, "-")
		if t.Field(name) == nil {
			return nil, apierror.FieldNotFound(name)
		}
		set[name] = true
	}

	include := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if set[f.ID] != exclude || f.IsIdentifierPart {
			include[f.ID] = true
		}
	}
	return include, nil
}

// applyFilter resolves one filter input, authorizes it, extends the join
// tree and appends the predicate.
func (p *Planner) applyFilter(plan *Plan, joins *joinSet, t *schema.Table, in filter.Input, params Params) error {
	parts, err := p.Snapshot.ResolveFieldPath(t, in.Path)
	if err != nil {
		if errors.Is(err, schema.ErrFieldNotFound) || errors.Is(err, schema.ErrNotARelation) {
			return apierror.FieldNotFound(in.Key)
		}
		return err
	}

	if params.Gate != nil {
		if err := params.Gate.CheckFilterPath(params.User, t, in.Key, parts); err != nil {
			return err
		}
	}

	terminal := parts[len(parts)-1]
	fieldFor := terminal.Field
	if fieldFor == nil {
		// A bare reverse-relation key is not filterable.
		return apierror.FieldNotFound(in.Key)
	}
	if err := filter.ValidateLookup(fieldFor, in.Key, in.Lookup); err != nil {
		return err
	}

	col, valueField, err := p.resolveColumn(plan, joins, t, parts)
	if err != nil {
		return err
	}

	frag, err := buildPredicate(col, fieldFor, valueField, in, params.CRS)
	if err != nil {
		return err
	}
	plan.Where = append(plan.Where, frag)
	return nil
}

// resolveColumn walks the resolved path, materializing LEFT JOINs for
// relation hops, and returns the terminal column expression plus the
// field whose type governs value parsing.
//
// Filters that end on a related table's identifier take the short path:
// when the FK locally stores that identifier component, the predicate
// runs on the FK column and the join is elided.
func (p *Planner) resolveColumn(plan *Plan, joins *joinSet, t *schema.Table, parts []schema.PathPart) (string, *schema.Field, error) {
	alias := mainAlias
	cur := t
	prefix := make([]string, 0, len(parts))
	underNested := false

	for i, part := range parts {
		last := i == len(parts)-1

		if part.Reverse != nil {
			target := p.Snapshot.Table(part.Reverse.Target.Dataset, part.Reverse.Target.Table)
			alias = joins.reverseJoin(plan, prefix, part.Reverse, alias, cur, target, plan.Temporal)
			plan.Distinct = true
			cur = target
			prefix = append(prefix, part.Reverse.ID)
			continue
		}

		f := part.Field
		switch {
		case last && f.IsRelation():
			// Comparing the relation itself compares the stored target id.
			if f.NMRelation != nil {
				return "", nil, apierror.InvalidParamError(apierror.CodeInvalidFilterSyntax,
					strings.Join(prefix, ".")+f.ID, "Cannot filter directly on a many-to-many relation")
			}
			valueField := p.relationIdentifierField(f)
			return quoteIdent(alias) + "." + quoteIdent(fkIDColumn(f)), valueField, nil

		case last:
			col := f.Name
			if underNested {
				// Child-table columns carry the bare snake name, not the
				// object-prefixed one.
				col = schema.SnakeName(f.ID)
			}
			return quoteIdent(alias) + "." + quoteIdent(col), f, nil

		case f.IsNestedTable:
			alias = joins.nestedJoin(plan, prefix, cur, f, alias)
			plan.Distinct = true
			underNested = true
			prefix = append(prefix, f.ID)

		case len(f.Subfields) > 0 && !f.IsRelation():
			// Plain object: subfields are prefixed columns on the same table,
			// no join needed.
			prefix = append(prefix, f.ID)

		case f.Relation != nil:
			// Join elision: a terminal identifier component the FK already
			// stores never needs the join.
			if i == len(parts)-2 && parts[i+1].Field != nil {
				if elided, vf := p.elideJoin(alias, f, parts[i+1].Field); elided != "" {
					return elided, vf, nil
				}
			}
			target := p.Snapshot.Table(f.Relation.Dataset, f.Relation.Table)
			alias = joins.forwardJoin(plan, prefix, f, alias, target, plan.Temporal)
			cur = target
			prefix = append(prefix, f.ID)

		case f.NMRelation != nil:
			target := p.Snapshot.Table(f.NMRelation.Dataset, f.NMRelation.Table)
			alias = joins.throughJoin(plan, prefix, f, alias, cur, target, plan.Temporal)
			plan.Distinct = true
			cur = target
			prefix = append(prefix, f.ID)

		default:
			return "", nil, apierror.FieldNotFound(strings.Join(prefix, ".") + f.ID)
		}
	}
	return "", nil, apierror.Internal(fmt.Errorf("path resolution fell through"))
}

// elideJoin returns the local FK column when the terminal field is an
// identifier component the FK stores, or "" when the join is needed.
func (p *Planner) elideJoin(alias string, rel *schema.Field, terminal *schema.Field) (string, *schema.Field) {
	if !terminal.IsIdentifierPart {
		return "", nil
	}
	stored := rel.RelatedFieldIDs
	if len(stored) == 0 {
		// Without an explicit list the FK stores the (single) identifier.
		target := p.Snapshot.Table(rel.Relation.Dataset, rel.Relation.Table)
		if target != nil && len(target.Identifier) == 1 && target.Identifier[0] == terminal.ID {
			return quoteIdent(alias) + "." + quoteIdent(fkIDColumn(rel)), terminal
		}
		return "", nil
	}
	for _, id := range stored {
		if id == terminal.ID {
			return quoteIdent(alias) + "." + quoteIdent(fkIDColumn(rel)), terminal
		}
	}
	return "", nil
}

// relationIdentifierField returns the field whose type governs parsing
// of values compared against a FK column.
func (p *Planner) relationIdentifierField(f *schema.Field) *schema.Field {
	target := p.Snapshot.Table(f.Relation.Dataset, f.Relation.Table)
	if target == nil {
		return f
	}
	for _, idf := range target.IdentifierFields() {
		if target.IsTemporal() && idf.ID == target.Temporal.SequenceField {
			continue
		}
		return idf
	}
	return f
}

// applySort interprets _sort (legacy "sorteer"), validating each field
// and its read access. Only local fields sort; traversing a relation in
// a sort key is rejected, except the FK id itself via the legacy
// "fooId" form. Without _sort the identifier orders the result, keeping
// pagination stable.
func (p *Planner) applySort(plan *Plan, t *schema.Table, params Params) error {
	raw := params.Query.Get("_sort")
	if raw == "" {
		raw = params.Query.Get("sorteer")
	}
	if raw == "" {
		for _, f := range t.IdentifierFields() {
			plan.OrderBy = append(plan.OrderBy, OrderTerm{
				Expr: quoteIdent(mainAlias) + "." + quoteIdent(f.Name),
			})
		}
		return nil
	}

	for _, name := range filter.SplitValues(raw) {
		desc := strings.HasPrefix(name, "-")
		base := strings.TrimPrefix(name, "-")
		if base == "" || strings.Contains(base, ".") {
			return apierror.InvalidParamError(apierror.CodeInvalidSort, "_sort",
				fmt.Sprintf("Invalid sort field %q: only direct fields can be sorted", name))
		}

		f := t.Field(base)
		expr := ""
		if f == nil {
			// Legacy FK column form.
			if stripped, ok := strings.CutSuffix(base, "Id"); ok {
				if rf := t.Field(stripped); rf != nil && rf.Relation != nil {
					f = rf
					expr = quoteIdent(mainAlias) + "." + quoteIdent(fkIDColumn(rf))
				}
			}
		}
		if f == nil {
			return apierror.InvalidParamError(apierror.CodeInvalidSort, "_sort",
				fmt.Sprintf("Invalid sort field %q", base))
		}
		if f.IsRelation() && expr == "" {
			if f.NMRelation != nil {
				return apierror.InvalidParamError(apierror.CodeInvalidSort, "_sort",
					fmt.Sprintf("Cannot sort on many-to-many relation %q", base))
			}
			expr = quoteIdent(mainAlias) + "." + quoteIdent(fkIDColumn(f))
		}
		if expr == "" {
			expr = quoteIdent(mainAlias) + "." + quoteIdent(f.Name)
		}

		if params.Gate != nil {
			if err := params.Gate.CheckSortField(params.User, f, base); err != nil {
				return err
			}
		}
		plan.OrderBy = append(plan.OrderBy, OrderTerm{Expr: expr, Desc: desc})
	}
	return nil
}

// applyExpand turns _expand/_expandScope into prefetch specs. Nested
// tables and summary relations are always prefetched: they are part of
// the body regardless of expansion.
func (p *Planner) applyExpand(plan *Plan, t *schema.Table, include map[string]bool, params Params) error {
	expandAll := false
	if raw := params.Query.Get("_expand"); raw != "" {
		switch strings.ToLower(raw) {
		case "true":
			expandAll = true
		case "false":
		default:
			return apierror.InvalidParamError(apierror.CodeInvalidParams, "_expand",
				"Enter a valid boolean (true/false)")
		}
	}
	scope := map[string]bool{}
	if raw := params.Query.Get("_expandScope"); raw != "" {
		for _, name := range filter.SplitValues(raw) {
			scope[name] = true
		}
	}

	wanted := func(name string) bool { return expandAll || scope[name] }

	for _, f := range t.Fields {
		if include != nil && !include[f.ID] {
			continue
		}
		switch {
		case f.IsNestedTable:
			plan.Prefetch = append(plan.Prefetch, nestedSpec(t, f))
		case f.Relation != nil && wanted(f.ID):
			spec, ok, err := p.forwardSpec(params, f, scope[f.ID])
			if err != nil {
				return err
			}
			if ok {
				plan.Prefetch = append(plan.Prefetch, spec)
			}
			delete(scope, f.ID)
		case f.NMRelation != nil && wanted(f.ID):
			spec, ok, err := p.throughSpec(params, t, f, scope[f.ID])
			if err != nil {
				return err
			}
			if ok {
				plan.Prefetch = append(plan.Prefetch, spec)
			}
			delete(scope, f.ID)
		}
	}

	for _, rel := range t.AdditionalRelations {
		target := p.Snapshot.Table(rel.Target.Dataset, rel.Target.Table)
		if target == nil {
			continue
		}
		switch {
		case rel.IsSummary():
			plan.Prefetch = append(plan.Prefetch, reverseSpec(ExpandSummary, rel, t, target))
		case wanted(rel.ID):
			ok, err := p.expandAccess(params, rel.ID, target, scope[rel.ID])
			if err != nil {
				return err
			}
			if ok {
				plan.Prefetch = append(plan.Prefetch, reverseSpec(ExpandReverse, rel, t, target))
			}
			delete(scope, rel.ID)
		}
	}

	if expandAll {
		return nil
	}
	for name := range scope {
		return apierror.InvalidParamError(apierror.CodeInvalidParams, "_expandScope",
			fmt.Sprintf("Eager loading is not supported for field %q", name))
	}
	return nil
}

// expandAccess decides whether an expansion into target may proceed.
// A relation the caller cannot read is a 403 only when the request named
// it explicitly via _expandScope; under _expand=true it is silently
// dropped from the prefetch set.
func (p *Planner) expandAccess(params Params, name string, target *schema.Table, explicit bool) (bool, error) {
	if params.Gate == nil {
		return true, nil
	}
	if auth.HasTableAccess(params.User, target) {
		return true, nil
	}
	if explicit {
		return false, apierror.AccessDenied("expanding " + name + " is not allowed")
	}
	return false, nil
}

func (p *Planner) forwardSpec(params Params, f *schema.Field, explicit bool) (ExpandSpec, bool, error) {
	target := p.Snapshot.Table(f.Relation.Dataset, f.Relation.Table)
	if target == nil {
		return ExpandSpec{}, false, apierror.Internal(fmt.Errorf("relation %s points at unknown table %s", f.ID, f.Relation))
	}
	if ok, err := p.expandAccess(params, f.ID, target, explicit); !ok {
		return ExpandSpec{}, false, err
	}

	spec := ExpandSpec{
		Kind:      ExpandForward,
		Name:      f.ID,
		Target:    target,
		Field:     f,
		LocalKeys: []string{FKIDAlias(f)},
	}
	for _, idf := range target.IdentifierFields() {
		if target.IsTemporal() && idf.ID == target.Temporal.SequenceField {
			continue
		}
		spec.RemoteKeys = append(spec.RemoteKeys, idf.ID)
		break
	}
	if fkSeqColumn(f, target) != "" {
		spec.LocalKeys = append(spec.LocalKeys, FKSeqAlias(f, target))
		spec.RemoteKeys = append(spec.RemoteKeys, target.Temporal.SequenceField)
	}
	return spec, true, nil
}

func (p *Planner) throughSpec(params Params, t *schema.Table, f *schema.Field, explicit bool) (ExpandSpec, bool, error) {
	target := p.Snapshot.Table(f.NMRelation.Dataset, f.NMRelation.Table)
	if target == nil {
		return ExpandSpec{}, false, apierror.Internal(fmt.Errorf("relation %s points at unknown table %s", f.ID, f.NMRelation))
	}
	if ok, err := p.expandAccess(params, f.ID, target, explicit); !ok {
		return ExpandSpec{}, false, err
	}

	through := f.Through
	if through == "" {
		through = t.DBName + "_" + schema.SnakeName(f.ID)
	}
	return ExpandSpec{
		Kind:          ExpandM2M,
		Name:          f.ID,
		Target:        target,
		Field:         f,
		LocalKeys:     localIdentifierAliases(t),
		RemoteKeys:    remoteIdentifierIDs(target),
		Through:       through,
		ThroughParent: throughSideColumns(t),
		ThroughTarget: throughSideColumns(target),
		ThroughExtra:  f.ThroughFields,
	}, true, nil
}

func nestedSpec(t *schema.Table, f *schema.Field) ExpandSpec {
	return ExpandSpec{
		Kind:        ExpandNested,
		Name:        f.ID,
		Field:       f,
		LocalKeys:   localIdentifierAliases(t),
		RemoteKeys:  []string{nestedParentColumn},
		NestedChild: nestedTableName(t, f),
	}
}

func reverseSpec(kind ExpandKind, rel *schema.AdditionalRelation, t *schema.Table, target *schema.Table) ExpandSpec {
	spec := ExpandSpec{
		Kind:       kind,
		Name:       rel.ID,
		Target:     target,
		LocalKeys:  localIdentifierAliases(t),
		RemoteKeys: nil,
	}
	if fk := target.Field(rel.FieldID); fk != nil {
		spec.RemoteKeys = []string{FKIDAlias(fk)}
	}
	return spec
}

// localIdentifierAliases lists the Row keys of the parent's logical
// identifier, used to key prefetch lookups.
func localIdentifierAliases(t *schema.Table) []string {
	var keys []string
	for _, id := range t.Identifier {
		if t.IsTemporal() && id == t.Temporal.SequenceField {
			continue
		}
		keys = append(keys, id)
	}
	return keys
}

func remoteIdentifierIDs(t *schema.Table) []string {
	return localIdentifierAliases(t)
}

// throughSideColumns names the through-table columns referencing one
// side, "<table>_id" per identifier component.
func throughSideColumns(t *schema.Table) []string {
	var cols []string
	for _, id := range t.Identifier {
		if t.IsTemporal() && id == t.Temporal.SequenceField {
			continue
		}
		_ = id
		cols = append(cols, schema.SnakeName(t.ID)+"_id")
		break
	}
	return cols
}

// applyPaging reads page, _pageSize (legacy page_size) and _count.
func applyPaging(plan *Plan, query url.Values) error {
	plan.Page = Pagination{Page: 1, Size: DefaultPageSize}

	if raw := query.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apierror.InvalidParamError(apierror.CodeInvalidParams, "page",
				"Enter a valid positive integer")
		}
		plan.Page.Page = n
	}

	raw := query.Get("_pageSize")
	if raw == "" {
		raw = query.Get("page_size")
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apierror.InvalidParamError(apierror.CodeInvalidParams, "_pageSize",
				"Enter a valid positive integer")
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		plan.Page.Size = n
	}

	if raw := query.Get("_count"); raw != "" {
		switch strings.ToLower(raw) {
		case "true":
			plan.Page.WithCount = true
		case "false":
		default:
			return apierror.InvalidParamError(apierror.CodeInvalidParams, "_count",
				"Enter a valid boolean (true/false)")
		}
	}
	return nil
}

// joinSet deduplicates joins by path prefix, so filters sharing a
// relation prefix reuse one LEFT JOIN.
type joinSet struct {
	aliases map[string]string
	n       int
}

func newJoinSet() *joinSet {
	return &joinSet{aliases: make(map[string]string)}
}

func (j *joinSet) alias(prefix []string, name string) (string, bool) {
	key := strings.Join(append(append([]string{}, prefix...), name), ".")
	if a, ok := j.aliases[key]; ok {
		return a, true
	}
	j.n++
	a := "j" + strconv.Itoa(j.n)
	j.aliases[key] = a
	return a, false
}

// forwardJoin joins the target of a FK relation. Temporal targets join
// on (id, sequence) when the FK is bound, on id plus the slice predicate
// when loose.
func (j *joinSet) forwardJoin(plan *Plan, prefix []string, f *schema.Field, parentAlias string, target *schema.Table, slice *SliceSpec) string {
	alias, existed := j.alias(prefix, f.ID)
	if existed {
		return alias
	}

	var on Fragment
	idField := target.IdentifierFields()[0]
	for _, idf := range target.IdentifierFields() {
		if target.IsTemporal() && idf.ID == target.Temporal.SequenceField {
			continue
		}
		idField = idf
		break
	}
	on.SQL = quoteIdent(alias) + "." + quoteIdent(idField.Name) + " = " +
		quoteIdent(parentAlias) + "." + quoteIdent(fkIDColumn(f))

	if seqCol := fkSeqColumn(f, target); seqCol != "" {
		on.SQL += " AND " + quoteIdent(alias) + "." + quoteIdent(schema.SnakeName(target.Temporal.SequenceField)) +
			" = " + quoteIdent(parentAlias) + "." + quoteIdent(seqCol)
	} else if target.IsTemporal() {
		if frag, ok := slicePredicate(alias, target, sliceOrLatest(slice)); ok {
			on.SQL += " AND " + frag.SQL
			on.Args = append(on.Args, frag.Args...)
		}
	}

	plan.Joins = append(plan.Joins, Join{Table: target.DBName, Alias: alias, On: on})
	return alias
}

// nestedJoin joins the child table of a nested-table field.
func (j *joinSet) nestedJoin(plan *Plan, prefix []string, t *schema.Table, f *schema.Field, parentAlias string) string {
	alias, existed := j.alias(prefix, f.ID)
	if existed {
		return alias
	}
	on := Fragment{
		SQL: quoteIdent(alias) + "." + quoteIdent(nestedParentColumn) + " = " +
			quoteIdent(parentAlias) + "." + quoteIdent("id"),
	}
	plan.Joins = append(plan.Joins, Join{Table: nestedTableName(t, f), Alias: alias, On: on})
	return alias
}

// reverseJoin joins the owning side of a reverse relation.
func (j *joinSet) reverseJoin(plan *Plan, prefix []string, rel *schema.AdditionalRelation, parentAlias string, parent, target *schema.Table, slice *SliceSpec) string {
	alias, existed := j.alias(prefix, rel.ID)
	if existed {
		return alias
	}

	var on Fragment
	if fk := target.Field(rel.FieldID); fk != nil {
		parentID := localIdentifierAliases(parent)
		idCol := "id"
		if len(parentID) > 0 {
			if f := parent.Field(parentID[0]); f != nil {
				idCol = f.Name
			}
		}
		on.SQL = quoteIdent(alias) + "." + quoteIdent(fkIDColumn(fk)) + " = " +
			quoteIdent(parentAlias) + "." + quoteIdent(idCol)
	}
	if target.IsTemporal() {
		if frag, ok := slicePredicate(alias, target, sliceOrLatest(slice)); ok {
			on.SQL += " AND " + frag.SQL
			on.Args = append(on.Args, frag.Args...)
		}
	}

	plan.Joins = append(plan.Joins, Join{Table: target.DBName, Alias: alias, On: on})
	return alias
}

// throughJoin joins a many-to-many target via its through table.
func (j *joinSet) throughJoin(plan *Plan, prefix []string, f *schema.Field, parentAlias string, parent, target *schema.Table, slice *SliceSpec) string {
	thrAlias, existed := j.alias(prefix, f.ID+":through")
	if !existed {
		through := f.Through
		if through == "" {
			through = parent.DBName + "_" + schema.SnakeName(f.ID)
		}
		parentCols := throughSideColumns(parent)
		parentID := localIdentifierAliases(parent)
		idCol := "id"
		if len(parentID) > 0 {
			if pf := parent.Field(parentID[0]); pf != nil {
				idCol = pf.Name
			}
		}
		on := Fragment{
			SQL: quoteIdent(thrAlias) + "." + quoteIdent(parentCols[0]) + " = " +
				quoteIdent(parentAlias) + "." + quoteIdent(idCol),
		}
		plan.Joins = append(plan.Joins, Join{Table: through, Alias: thrAlias, On: on})
	}

	alias, existed := j.alias(prefix, f.ID)
	if existed {
		return alias
	}
	targetCols := throughSideColumns(target)
	targetID := remoteIdentifierIDs(target)
	idCol := "id"
	if len(targetID) > 0 {
		if tf := target.Field(targetID[0]); tf != nil {
			idCol = tf.Name
		}
	}
	on := Fragment{
		SQL: quoteIdent(alias) + "." + quoteIdent(idCol) + " = " +
			quoteIdent(thrAlias) + "." + quoteIdent(targetCols[0]),
	}
	if target.IsTemporal() {
		if frag, ok := slicePredicate(alias, target, sliceOrLatest(slice)); ok {
			on.SQL += " AND " + frag.SQL
			on.Args = append(on.Args, frag.Args...)
		}
	}
	plan.Joins = append(plan.Joins, Join{Table: target.DBName, Alias: alias, On: on})
	return alias
}

// sliceOrLatest substitutes the latest-version slice when the request
// carried none, so joined temporal tables never fan out over history.
func sliceOrLatest(s *SliceSpec) *SliceSpec {
	if s != nil {
		return s
	}
	return &SliceSpec{Kind: SliceLatest}
}
