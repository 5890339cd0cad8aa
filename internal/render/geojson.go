package render

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/serialize"
)

// GeoJSON streams the result as a FeatureCollection. The table's main
// geometry becomes the feature geometry; every other visible field goes
// into properties. The collection carries a named-CRS member so clients
// see which system the coordinates are in.
func GeoJSON(w http.ResponseWriter, s *serialize.Serializer, plan *query.Plan, cursor *query.Cursor, page ListPage) error {
	geoField := plan.Table.MainGeometry()
	if geoField == nil {
		return apierror.NotAcceptable("table " + plan.Table.ID + " has no geometry field")
	}

	outCRS := s.OutCRS
	if !outCRS.IsDefined() {
		outCRS = crs.RD
	}

	w.Header().Set("Content-Type", ContentTypeGeoJSON)

	head := map[string]any{
		"type": "FeatureCollection",
		"crs": map[string]any{
			"type":       "name",
			"properties": map[string]any{"name": outCRS.URN()},
		},
	}
	rawHead, err := json.Marshal(head)
	if err != nil {
		return err
	}
	// Re-open the object to stream the features after the fixed members.
	if _, err := w.Write(append(rawHead[:len(rawHead)-1], []byte(`,"features":[`)...)); err != nil {
		return err
	}

	first := true
	for {
		row, err := cursor.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		feature, err := s.Resource(plan.Table, row, plan.Prefetch)
		if err != nil {
			return err
		}

		geom := feature[geoField.ID]
		delete(feature, geoField.ID)
		links := feature["_links"]
		delete(feature, "_links")
		delete(feature, "_embedded")

		out := map[string]any{
			"type":       "Feature",
			"id":         s.LogicalID(plan.Table, row),
			"geometry":   geom,
			"properties": feature,
			"_links":     relHrefLinks(links),
		}
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		first = false
		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}

	if _, err := w.Write([]byte(`]`)); err != nil {
		return err
	}
	pageLinks := []map[string]any{
		{"rel": "self", "href": serialize.PageHref(page.SelfURL, page.Query, page.Page.Page)},
	}
	if !page.Page.Disabled && cursor.HasMore() {
		pageLinks = append(pageLinks, map[string]any{
			"rel":  "next",
			"href": serialize.PageHref(page.SelfURL, page.Query, page.Page.Page+1),
		})
	}
	if page.Page.Page > 1 {
		pageLinks = append(pageLinks, map[string]any{
			"rel":  "previous",
			"href": serialize.PageHref(page.SelfURL, page.Query, page.Page.Page-1),
		})
	}
	rawLinks, err := json.Marshal(pageLinks)
	if err != nil {
		return err
	}
	if _, err := w.Write(append([]byte(`,"_links":`), rawLinks...)); err != nil {
		return err
	}
	_, err = w.Write([]byte("}"))
	return err
}

// relHrefLinks flattens the HAL _links object into the rel/href pairs
// the feature envelope carries. Relation metadata beyond the href, like
// titles and summary counts, is dropped.
func relHrefLinks(links any) []map[string]any {
	obj, ok := links.(map[string]any)
	if !ok {
		return nil
	}
	rels := make([]string, 0, len(obj))
	for rel := range obj {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	out := make([]map[string]any, 0, len(rels))
	for _, rel := range rels {
		switch v := obj[rel].(type) {
		case map[string]any:
			if href, ok := v["href"].(string); ok {
				out = append(out, map[string]any{"rel": rel, "href": href})
			}
		case string:
			out = append(out, map[string]any{"rel": rel, "href": v})
		}
	}
	return out
}

// decodeGeometry is shared by the tile renderer.
func decodeGeometry(v any) (orb.Geometry, error) {
	raw, ok := v.([]byte)
	if !ok {
		return nil, apierror.Internal(fmt.Errorf("geometry value is %T, want WKB", v))
	}
	return wkb.Unmarshal(raw)
}
