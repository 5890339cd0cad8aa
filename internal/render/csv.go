package render

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/serialize"
)

// csvColumn is one exported CSV column: a header plus a row extractor.
type csvColumn struct {
	header string
	value  func(row query.Row) (string, error)
}

// CSV streams the whole result as CSV. Pagination is disabled by the
// handler for this format; the cursor runs to the end. Nested tables and
// many-to-many relations have no tabular form and are skipped.
func CSV(w http.ResponseWriter, s *serialize.Serializer, plan *query.Plan, cursor *query.Cursor) error {
	cols := csvColumns(s, plan)

	w.Header().Set("Content-Type", ContentTypeCSV)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", plan.Table.Dataset.ID+"-"+plan.Table.ID+".csv"))

	cw := csv.NewWriter(w)
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = c.header
	}
	if err := cw.Write(headers); err != nil {
		return err
	}

	record := make([]string, len(cols))
	for {
		row, err := cursor.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		for i, c := range cols {
			record[i], err = c.value(row)
			if err != nil {
				return err
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// csvColumns derives the export columns from the plan's selection.
// Headers are capitalized field names, dotted for object subfields; FK
// columns keep their local alias ("Clusterid"). Expanded forward
// relations append flattened "Relation.Field" columns; list expansions
// have no tabular form and are skipped.
func csvColumns(s *serialize.Serializer, plan *query.Plan) []csvColumn {
	var cols []csvColumn
	for _, sel := range plan.Select {
		f := sel.Field
		if f == nil {
			continue
		}
		if !csvVisible(s, f) {
			continue
		}
		alias := sel.Alias
		switch {
		case f.Type.IsGeo():
			cols = append(cols, geoColumn(s, schema.CapitalizedName(f.ID), alias))
		default:
			cols = append(cols, scalarColumn(capitalizedAlias(alias), alias, f))
		}
	}

	for _, spec := range plan.Prefetch {
		if spec.Kind != query.ExpandForward || spec.Target == nil {
			continue
		}
		embedKey := spec.EmbedKey()
		prefix := schema.CapitalizedName(spec.Name) + "."
		for _, tf := range spec.Target.Fields {
			if tf.IsRelation() || tf.IsNestedTable || !csvVisible(s, tf) {
				continue
			}
			var inner csvColumn
			if tf.Type.IsGeo() {
				inner = geoColumn(s, prefix+schema.CapitalizedName(tf.ID), tf.ID)
			} else {
				inner = scalarColumn(prefix+schema.CapitalizedName(tf.ID), tf.ID, tf)
			}
			cols = append(cols, embeddedColumn(inner, embedKey))
		}
	}
	return cols
}

// embeddedColumn redirects a column's extractor to the prefetched
// target row attached under embedKey. Rows without a target export
// empty cells.
func embeddedColumn(inner csvColumn, embedKey string) csvColumn {
	return csvColumn{header: inner.header, value: func(row query.Row) (string, error) {
		target, ok := row[embedKey].(query.Row)
		if !ok {
			return "", nil
		}
		return inner.value(target)
	}}
}

func csvVisible(s *serialize.Serializer, f *schema.Field) bool {
	if s.Gate == nil {
		return true
	}
	return s.Gate.FieldVisibility(s.User, f).Visible
}

// capitalizedAlias capitalizes each dot segment of an alias, turning
// "bezoekadres.postcode" into "Bezoekadres.Postcode".
func capitalizedAlias(alias string) string {
	out := ""
	start := 0
	for i := 0; i <= len(alias); i++ {
		if i == len(alias) || alias[i] == '.' {
			if out != "" {
				out += "."
			}
			out += schema.CapitalizedName(alias[start:i])
			start = i + 1
		}
	}
	return out
}

func scalarColumn(header, alias string, f *schema.Field) csvColumn {
	return csvColumn{header: header, value: func(row query.Row) (string, error) {
		v, ok := row[alias]
		if !ok || v == nil {
			return "", nil
		}
		if ts, ok := v.(time.Time); ok {
			switch f.Type {
			case schema.TypeDate:
				return ts.Format("2006-01-02"), nil
			case schema.TypeTime:
				return ts.Format("15:04:05"), nil
			default:
				return ts.Format(time.RFC3339), nil
			}
		}
		return fmt.Sprint(v), nil
	}}
}

// geoColumn exports a geometry as WKT in the output CRS.
func geoColumn(s *serialize.Serializer, header, alias string) csvColumn {
	return csvColumn{header: header, value: func(row query.Row) (string, error) {
		v, ok := row[alias]
		if !ok || v == nil {
			return "", nil
		}
		raw, ok := v.([]byte)
		if !ok {
			return "", fmt.Errorf("geometry column %s yielded %T", alias, v)
		}
		g, err := wkb.Unmarshal(raw)
		if err != nil {
			return "", err
		}
		projected, err := s.TransformGeometry(g)
		if err != nil {
			return "", err
		}
		return wktString(projected), nil
	}}
}

func wktString(g orb.Geometry) string {
	return wkt.MarshalString(g)
}
