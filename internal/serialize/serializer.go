// Package serialize turns executor rows into HAL-JSON resource
// documents: the _links section with self, schema and relation links,
// the body with field visibility and profile transforms applied, and
// _embedded sub-resources for expanded relations. Geometries arrive as
// WKB and leave as GeoJSON in the requested output CRS.
package serialize

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// SchemaHost is where the canonical dataset schemas live; the "schema"
// link of every resource points into it.
const SchemaHost = "https://schemas.data.amsterdam.nl"

// maxEmbedDepth caps recursive embedding. Cyclic relation graphs
// terminate with links-only stubs.
const maxEmbedDepth = 10

// Serializer renders rows of one snapshot. Safe for concurrent use.
type Serializer struct {
	Snapshot *schema.Snapshot

	// BaseURL is the external URL prefix, without trailing slash.
	BaseURL string

	User   auth.UserScopes
	Gate   *auth.Gate
	OutCRS crs.CRS
}

// Resource renders one row as a HAL resource. The prefetch specs tell
// it which _embed keys are present and how to interpret them.
func (s *Serializer) Resource(t *schema.Table, row query.Row, prefetch []query.ExpandSpec) (map[string]any, error) {
	return s.resource(t, row, prefetch, 0, map[string]bool{})
}

func (s *Serializer) resource(t *schema.Table, row query.Row, prefetch []query.ExpandSpec, depth int, seen map[string]bool) (map[string]any, error) {
	out := make(map[string]any)

	links, err := s.links(t, row, prefetch)
	if err != nil {
		return nil, err
	}
	out["_links"] = links

	if err := s.body(out, t, row); err != nil {
		return nil, err
	}

	embedded, err := s.embedded(t, row, prefetch, depth, seen)
	if err != nil {
		return nil, err
	}
	if len(embedded) > 0 {
		out["_embedded"] = embedded
	}
	return out, nil
}

// SelfHref builds the canonical URL of a row. Temporal rows carry their
// sequence as a query parameter so the link pins the exact version.
func (s *Serializer) SelfHref(t *schema.Table, row query.Row) string {
	id := s.LogicalID(t, row)
	href := s.BaseURL + "/" + t.Dataset.Path + "/" + t.ID + "/" + url.PathEscape(id) + "/"
	if t.IsTemporal() {
		if seq, ok := row[t.Temporal.SequenceField]; ok && seq != nil {
			href += "?" + t.Temporal.SequenceField + "=" + url.QueryEscape(fmt.Sprint(seq))
		}
	}
	return href
}

// LogicalID joins the non-sequence identifier values with dots, the
// inverse of the detail URL parsing.
func (s *Serializer) LogicalID(t *schema.Table, row query.Row) string {
	var parts []string
	for _, idf := range t.IdentifierFields() {
		if t.IsTemporal() && idf.ID == t.Temporal.SequenceField {
			continue
		}
		parts = append(parts, fmt.Sprint(row[idf.ID]))
	}
	return strings.Join(parts, ".")
}

func (s *Serializer) links(t *schema.Table, row query.Row, prefetch []query.ExpandSpec) (map[string]any, error) {
	links := map[string]any{
		"self": map[string]any{
			"href":  s.SelfHref(t, row),
			"title": s.LogicalID(t, row),
		},
		"schema": SchemaHost + "/datasets/" + t.Dataset.ID + "/dataset#" + t.ID,
	}

	for _, f := range t.Fields {
		switch {
		case f.Relation != nil:
			if !s.visible(f) {
				continue
			}
			if link := s.forwardLink(f, row); link != nil {
				links[f.ID] = link
			}
		case f.NMRelation != nil:
			if !s.visible(f) {
				continue
			}
			if list := s.m2mLinks(f, row, prefetch); list != nil {
				links[f.ID] = list
			}
		}
	}

	// Summary relations surface as {count, href} pointing at the
	// filtered listing.
	for _, spec := range prefetch {
		if spec.Kind != query.ExpandSummary {
			continue
		}
		count, _ := row[spec.EmbedKey()].(int64)
		rel := t.AdditionalRelation(spec.Name)
		if rel == nil {
			continue
		}
		fkParam := rel.FieldID + "Id"
		links[spec.Name] = map[string]any{
			"count": count,
			"href": s.BaseURL + "/" + spec.Target.Dataset.Path + "/" + spec.Target.ID +
				"/?" + fkParam + "=" + url.QueryEscape(s.LogicalID(t, row)),
		}
	}
	return links, nil
}

// forwardLink renders a FK as a link object carrying the target id (and
// sequence when the relation is bound).
func (s *Serializer) forwardLink(f *schema.Field, row query.Row) map[string]any {
	idVal, ok := row[query.FKIDAlias(f)]
	if !ok || idVal == nil {
		return nil
	}
	target := s.Snapshot.Table(f.Relation.Dataset, f.Relation.Table)
	if target == nil {
		return nil
	}

	id := fmt.Sprint(idVal)
	link := map[string]any{
		"href":  s.BaseURL + "/" + target.Dataset.Path + "/" + target.ID + "/" + url.PathEscape(id) + "/",
		"title": id,
	}
	idKey := "id"
	for _, idf := range target.IdentifierFields() {
		if target.IsTemporal() && idf.ID == target.Temporal.SequenceField {
			continue
		}
		idKey = idf.ID
		break
	}
	link[idKey] = idVal

	if target.IsTemporal() && !f.IsLooseRelation {
		if seq, ok := row[query.FKSeqAlias(f, target)]; ok && seq != nil {
			link[target.Temporal.SequenceField] = seq
			link["href"] = link["href"].(string) + "?" + target.Temporal.SequenceField +
				"=" + url.QueryEscape(fmt.Sprint(seq))
		}
	}
	return link
}

// m2mLinks renders a many-to-many relation from its prefetched rows,
// including any surfaced through-table fields.
func (s *Serializer) m2mLinks(f *schema.Field, row query.Row, prefetch []query.ExpandSpec) []map[string]any {
	var spec *query.ExpandSpec
	for i := range prefetch {
		if prefetch[i].Name == f.ID && prefetch[i].Kind == query.ExpandM2M {
			spec = &prefetch[i]
			break
		}
	}
	if spec == nil {
		return nil
	}
	list, ok := row[spec.EmbedKey()].([]query.Row)
	if !ok {
		return nil
	}

	out := make([]map[string]any, 0, len(list))
	for _, target := range list {
		link := map[string]any{
			"href":  s.SelfHref(spec.Target, target),
			"title": s.LogicalID(spec.Target, target),
		}
		for _, extra := range spec.ThroughExtra {
			if v, ok := target["_through:"+extra]; ok {
				link[extra] = s.scalar(v, nil)
			}
		}
		out = append(out, link)
	}
	return out
}

// body fills the plain fields, applying visibility and transforms.
func (s *Serializer) body(out map[string]any, t *schema.Table, row query.Row) error {
	for _, f := range t.Fields {
		if f.IsRelation() {
			continue // rendered in _links
		}
		vis := s.visibility(f)
		if !vis.Visible {
			continue
		}

		switch {
		case f.IsNestedTable:
			list, ok := row["_embed:"+f.ID].([]query.Row)
			if !ok {
				continue
			}
			rendered := make([]map[string]any, 0, len(list))
			for _, child := range list {
				obj := make(map[string]any, len(f.Subfields))
				for _, sub := range f.Subfields {
					if v, ok := child[schema.SnakeName(sub.ID)]; ok {
						obj[sub.ID] = s.fieldValue(sub, v)
					}
				}
				rendered = append(rendered, obj)
			}
			out[f.ID] = rendered

		case f.Type == schema.TypeObject && len(f.Subfields) > 0:
			obj := make(map[string]any)
			for _, sub := range f.Subfields {
				if v, ok := row[f.ID+"."+sub.ID]; ok {
					obj[sub.ID] = s.fieldValue(sub, v)
				}
			}
			if len(obj) > 0 {
				out[f.ID] = obj
			}

		default:
			v, ok := row[f.ID]
			if !ok {
				continue
			}
			if f.Type.IsGeo() {
				g, err := s.geometry(v)
				if err != nil {
					return err
				}
				out[f.ID] = g
				continue
			}
			val := s.fieldValue(f, v)
			if vis.Transform.IsTransform() {
				if str, ok := val.(string); ok {
					val = vis.Transform.Apply(str)
				}
			}
			out[f.ID] = val
		}
	}
	return nil
}

func (s *Serializer) embedded(t *schema.Table, row query.Row, prefetch []query.ExpandSpec, depth int, seen map[string]bool) (map[string]any, error) {
	if depth >= maxEmbedDepth {
		return nil, nil
	}
	embedded := make(map[string]any)

	for i := range prefetch {
		spec := &prefetch[i]
		switch spec.Kind {
		case query.ExpandForward:
			target, ok := row[spec.EmbedKey()].(query.Row)
			if !ok {
				continue
			}
			key := spec.Target.DBName + "\x1f" + s.LogicalID(spec.Target, target)
			if seen[key] {
				continue
			}
			seen[key] = true
			res, err := s.resource(spec.Target, target, nil, depth+1, seen)
			if err != nil {
				return nil, err
			}
			embedded[spec.Name] = res

		case query.ExpandReverse, query.ExpandM2M:
			list, ok := row[spec.EmbedKey()].([]query.Row)
			if !ok {
				continue
			}
			rendered := make([]map[string]any, 0, len(list))
			for _, item := range list {
				res, err := s.resource(spec.Target, item, nil, depth+1, seen)
				if err != nil {
					return nil, err
				}
				rendered = append(rendered, res)
			}
			embedded[spec.Name] = rendered
		}
	}
	return embedded, nil
}

// geometry decodes a WKB value and reprojects it to the output CRS.
func (s *Serializer) geometry(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]byte)
	if !ok {
		return nil, apierror.Internal(fmt.Errorf("geometry column yielded %T, want WKB bytes", v))
	}
	g, err := wkb.Unmarshal(raw)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("decode WKB: %w", err))
	}
	return s.GeoJSON(g)
}

// GeoJSON reprojects a database geometry (stored in RD) to the output
// CRS and wraps it for JSON encoding.
func (s *Serializer) GeoJSON(g orb.Geometry) (*geojson.Geometry, error) {
	out := s.OutCRS
	if !out.IsDefined() {
		out = crs.RD
	}
	projected, err := crs.Transform(g, crs.RD, out)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return geojson.NewGeometry(projected), nil
}

// TransformGeometry reprojects without the GeoJSON wrapper, for the MVT
// and WKT paths.
func (s *Serializer) TransformGeometry(g orb.Geometry) (orb.Geometry, error) {
	out := s.OutCRS
	if !out.IsDefined() {
		out = crs.RD
	}
	projected, err := crs.Transform(g, crs.RD, out)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return projected, nil
}

// Scalar formats one scalar for JSON output, shared with the CSV, tile
// and GeoJSON renderers.
func (s *Serializer) Scalar(f *schema.Field, v any) any {
	return s.fieldValue(f, v)
}

// fieldValue formats one scalar for JSON output.
func (s *Serializer) fieldValue(f *schema.Field, v any) any {
	if v == nil {
		return nil
	}
	if ts, ok := v.(time.Time); ok {
		switch f.Type {
		case schema.TypeDate:
			return ts.Format("2006-01-02")
		case schema.TypeTime:
			return ts.Format("15:04:05")
		default:
			return ts.Format(time.RFC3339)
		}
	}
	return s.scalar(v, f)
}

func (s *Serializer) scalar(v any, _ *schema.Field) any {
	switch tv := v.(type) {
	case time.Time:
		return tv.Format(time.RFC3339)
	default:
		return v
	}
}

func (s *Serializer) visibility(f *schema.Field) auth.Visibility {
	if s.Gate == nil {
		return auth.Visibility{Visible: true}
	}
	return s.Gate.FieldVisibility(s.User, f)
}

func (s *Serializer) visible(f *schema.Field) bool { return s.visibility(f).Visible }

// ListSelfURL is the canonical listing URL of a table, used for page
// links and summary hrefs.
func (s *Serializer) ListSelfURL(t *schema.Table) string {
	return s.BaseURL + "/" + t.Dataset.Path + "/" + t.ID + "/"
}

// PageHref re-renders a listing URL with the given page number.
func PageHref(base string, values url.Values, page int) string {
	q := url.Values{}
	for k, vs := range values {
		q[k] = vs
	}
	q.Set("page", strconv.Itoa(page))
	return base + "?" + q.Encode()
}
