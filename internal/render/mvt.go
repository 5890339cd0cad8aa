package render

import (
	"net/http"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/serialize"
)

// Tile identifies one slippy-map tile.
type Tile struct {
	Z, X, Y int
}

// BoundsRD returns the tile's bounding box in RD coordinates, for the
// spatial filter of the tile query.
func (t Tile) BoundsRD() (orb.Bound, error) {
	bound := maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z)).Bound()
	min, err := crs.TransformPoint(bound.Min, crs.WGS84, crs.RD)
	if err != nil {
		return orb.Bound{}, err
	}
	max, err := crs.TransformPoint(bound.Max, crs.WGS84, crs.RD)
	if err != nil {
		return orb.Bound{}, err
	}
	return orb.Bound{Min: min, Max: max}, nil
}

// MVT drains the cursor into one Mapbox vector tile layer named after
// the table. Fields outside their zoom window are dropped from the
// feature properties. An empty tile writes 204 and no body.
func MVT(w http.ResponseWriter, s *serialize.Serializer, plan *query.Plan, cursor *query.Cursor, tile Tile) error {
	geoField := plan.Table.MainGeometry()
	if geoField == nil {
		return nil
	}

	var features []*geojson.Feature
	for {
		row, err := cursor.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		raw, ok := row[geoField.ID]
		if !ok || raw == nil {
			continue
		}
		geom, err := decodeGeometry(raw)
		if err != nil {
			return err
		}
		// Tiles are cut in WGS84; storage is RD.
		projected, err := crs.Transform(geom, crs.RD, crs.WGS84)
		if err != nil {
			return err
		}

		feature := geojson.NewFeature(projected)
		feature.ID = featureID(s, plan.Table, row)
		for _, f := range plan.Table.Fields {
			if f.ID == geoField.ID || f.IsRelation() || f.IsNestedTable {
				continue
			}
			if !f.Zoom.Visible(tile.Z) {
				continue
			}
			if s.Gate != nil && !s.Gate.FieldVisibility(s.User, f).Visible {
				continue
			}
			if v, ok := row[f.ID]; ok && v != nil {
				feature.Properties[f.ID] = s.Scalar(f, v)
			}
		}
		features = append(features, feature)
	}

	if len(features) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	layer := mvt.NewLayer(layerName(plan.Table), &geojson.FeatureCollection{Features: features})
	layers := mvt.Layers{layer}
	layers.ProjectToTile(maptile.New(uint32(tile.X), uint32(tile.Y), maptile.Zoom(tile.Z)))
	layers.Clip(mvt.MapboxGLDefaultExtentBound)

	data, err := mvt.Marshal(layers)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", ContentTypeMVT)
	_, err = w.Write(data)
	return err
}

func layerName(t *schema.Table) string { return t.ID }

// featureID keeps integer identifiers numeric; the tile encoding stores
// feature ids as uint64 and would drop a stringified one. Composite and
// non-integer identifiers fall back to the dotted logical id.
func featureID(s *serialize.Serializer, t *schema.Table, row query.Row) any {
	var vals []any
	for _, idf := range t.IdentifierFields() {
		if t.IsTemporal() && idf.ID == t.Temporal.SequenceField {
			continue
		}
		vals = append(vals, row[idf.ID])
	}
	if len(vals) == 1 {
		switch v := vals[0].(type) {
		case int64:
			return v
		case int32:
			return int64(v)
		case int:
			return int64(v)
		}
	}
	return s.LogicalID(t, row)
}

// TileJSON describes the tile endpoint of one table, served next to the
// tiles for map clients.
func TileJSON(base string, t *schema.Table) map[string]any {
	minZoom, maxZoom := t.Zoom.Min, t.Zoom.Max
	if maxZoom == 0 {
		maxZoom = 22
	}
	return map[string]any{
		"tilejson": "3.0.0",
		"name":     t.Dataset.ID + "/" + t.ID,
		"tiles":    []string{tileTemplate(base, t)},
		"minzoom":  minZoom,
		"maxzoom":  maxZoom,
		"vector_layers": []map[string]any{
			{"id": layerName(t), "fields": tileFields(t)},
		},
	}
}

// DatasetTileJSON describes every geometry-bearing table of a dataset in
// one tilejson document, one vector layer per table. Returns nil when no
// table carries a geometry.
func DatasetTileJSON(base string, ds *schema.Dataset) map[string]any {
	var layers []map[string]any
	var tiles []string
	minZoom, maxZoom := 99, 0
	for _, t := range ds.Tables {
		if t.MainGeometry() == nil {
			continue
		}
		layers = append(layers, map[string]any{"id": layerName(t), "fields": tileFields(t)})
		tiles = append(tiles, tileTemplate(base, t))
		if t.Zoom.Min < minZoom {
			minZoom = t.Zoom.Min
		}
		max := t.Zoom.Max
		if max == 0 {
			max = 22
		}
		if max > maxZoom {
			maxZoom = max
		}
	}
	if len(layers) == 0 {
		return nil
	}
	return map[string]any{
		"tilejson":      "3.0.0",
		"name":          ds.ID,
		"tiles":         tiles,
		"minzoom":       minZoom,
		"maxzoom":       maxZoom,
		"vector_layers": layers,
	}
}

func tileTemplate(base string, t *schema.Table) string {
	return base + "/mvt/" + t.Dataset.Path + "/" + t.ID + "/{z}/{x}/{y}.pbf"
}

func tileFields(t *schema.Table) map[string]string {
	fields := make(map[string]string)
	for _, f := range t.Fields {
		if f.Type.IsGeo() || f.IsRelation() || f.IsNestedTable {
			continue
		}
		fields[f.ID] = string(f.Type)
	}
	return fields
}

// ZoomFilteredPlan trims the select columns of a tile plan to the fields
// visible at the requested zoom. The geometry column always stays.
func ZoomFilteredPlan(plan *query.Plan, zoom int) {
	kept := plan.Select[:0]
	for _, col := range plan.Select {
		if col.Field == nil || col.Field.Type.IsGeo() || col.Field.IsIdentifierPart {
			kept = append(kept, col)
			continue
		}
		if col.Field.Zoom.Visible(zoom) && plan.Table.Zoom.Visible(zoom) {
			kept = append(kept, col)
		}
	}
	plan.Select = kept
}
