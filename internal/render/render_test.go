package render_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/render"
	"github.com/datastelsel/dsogateway/internal/schema/schematest"
	"github.com/datastelsel/dsogateway/internal/serialize"
)

type fakeRows struct {
	fields []string
	rows   [][]any
	idx    int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Scan(dest ...any) error        { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.fields))
	for i, name := range r.fields {
		out[i].Name = name
	}
	return out
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx-1], nil }

type fakeDB struct {
	fields []string
	rows   [][]any
}

func (db *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{fields: db.fields, rows: db.rows}, nil
}

func (db *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return &fakeRows{}
}

func listSetup(t *testing.T, rawQuery string, db *fakeDB) (*serialize.Serializer, *query.Plan, *query.Cursor, render.ListPage) {
	t.Helper()
	snap := schematest.NewSnapshot()
	movie := snap.Table("movies", "movie")

	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)

	planner := &query.Planner{Snapshot: snap}
	plan, err := planner.Build(movie, query.Params{Query: values, CRS: crs.Undefined})
	require.NoError(t, err)

	exec := query.NewExecutor(db, snap, nil)
	cursor, err := exec.Run(context.Background(), plan)
	require.NoError(t, err)

	s := &serialize.Serializer{Snapshot: snap, BaseURL: "https://api.example/v1", OutCRS: crs.WGS84}
	page := render.ListPage{
		SelfURL: s.ListSelfURL(movie),
		Query:   values,
		Page:    plan.Page,
	}
	return s, plan, cursor, page
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		query  string
		accept string
		want   render.Format
		fails  bool
	}{
		{query: "_format=json", want: render.FormatJSON},
		{query: "_format=csv", want: render.FormatCSV},
		{query: "_format=geojson", want: render.FormatGeoJSON},
		{query: "format=csv", want: render.FormatCSV},
		{query: "_format=xml", fails: true},
		{accept: "text/csv", want: render.FormatCSV},
		{accept: "application/geo+json", want: render.FormatGeoJSON},
		{accept: "application/hal+json", want: render.FormatJSON},
		{want: render.FormatJSON},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/x/?"+tc.query, nil)
		if tc.accept != "" {
			r.Header.Set("Accept", tc.accept)
		}
		got, err := render.Negotiate(r)
		if tc.fails {
			require.Error(t, err, tc.query)
			continue
		}
		require.NoError(t, err, tc.query)
		assert.Equal(t, tc.want, got, tc.query)
	}
}

func TestHALListEnvelope(t *testing.T) {
	db := &fakeDB{
		fields: []string{"id", "name"},
		// Three rows, page size two: the extra row becomes the next link.
		rows: [][]any{{int64(1), "a"}, {int64(2), "b"}, {int64(3), "c"}},
	}
	s, plan, cursor, page := listSetup(t, "_pageSize=2", db)
	defer cursor.Close()

	w := httptest.NewRecorder()
	require.NoError(t, render.HAL(w, s, plan, cursor, page))

	assert.Equal(t, render.ContentTypeHAL, w.Header().Get("Content-Type"))
	assert.Equal(t, "1", w.Header().Get(render.HeaderPaginationPage))
	assert.Equal(t, "2", w.Header().Get(render.HeaderPaginationLimit))

	var doc struct {
		Embedded map[string][]map[string]any `json:"_embedded"`
		Links    map[string]map[string]any   `json:"_links"`
		Page     map[string]any              `json:"page"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))

	require.Len(t, doc.Embedded["movie"], 2)
	assert.Equal(t, "a", doc.Embedded["movie"][0]["name"])
	assert.Contains(t, doc.Links["next"]["href"], "page=2")
	assert.NotContains(t, doc.Links, "previous")
	assert.Equal(t, float64(1), doc.Page["number"])
}

func TestHALTotalsWhenCounted(t *testing.T) {
	db := &fakeDB{fields: []string{"id", "name"}, rows: [][]any{{int64(1), "a"}}}
	s, plan, cursor, page := listSetup(t, "_count=true", db)
	defer cursor.Close()
	page.Total = 41
	page.HasTotal = true

	w := httptest.NewRecorder()
	require.NoError(t, render.HAL(w, s, plan, cursor, page))

	assert.Equal(t, "41", w.Header().Get(render.HeaderTotalCount))
	assert.Equal(t, "3", w.Header().Get(render.HeaderPaginationCount))

	var doc struct {
		Page map[string]any `json:"page"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, float64(41), doc.Page["totalElements"])
	assert.Equal(t, float64(3), doc.Page["totalPages"])
}

func TestCSVOutput(t *testing.T) {
	db := &fakeDB{
		fields: []string{"id", "name", "enabled"},
		rows:   [][]any{{int64(1), "Vertigo, restored", true}},
	}
	s, plan, cursor, _ := listSetup(t, "_fields=name,enabled", db)
	defer cursor.Close()
	plan.Page.Disabled = true

	w := httptest.NewRecorder()
	require.NoError(t, render.CSV(w, s, plan, cursor))

	assert.Equal(t, render.ContentTypeCSV, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "movies-movie.csv")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Id,Name,Enabled", lines[0])
	// Commas inside values stay quoted.
	assert.Equal(t, `1,"Vertigo, restored",true`, lines[1])
}

func TestCSVHeaderKeepsLocalForeignKeyColumn(t *testing.T) {
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")
	planner := &query.Planner{Snapshot: snap}

	plan, err := planner.Build(containers, query.Params{Query: url.Values{}, CRS: crs.Undefined})
	require.NoError(t, err)
	plan.Page.Disabled = true

	db := &fakeDB{fields: []string{"id", "clusterId", "serienummer", "eigenaarNaam", "datumCreatie", "datumLeegmaken", "geometry"}}
	exec := query.NewExecutor(db, snap, nil)
	cursor, err := exec.Run(context.Background(), plan)
	require.NoError(t, err)
	defer cursor.Close()

	s := &serialize.Serializer{Snapshot: snap, BaseURL: "https://api.example/v1", OutCRS: crs.RD}
	w := httptest.NewRecorder()
	require.NoError(t, render.CSV(w, s, plan, cursor))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Equal(t, "Id,Clusterid,Serienummer,Eigenaarnaam,Datumcreatie,Datumleegmaken,Geometry", lines[0])
}

func TestCSVHeaderFlattensExpandedRelation(t *testing.T) {
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")
	planner := &query.Planner{Snapshot: snap}

	values, err := url.ParseQuery("_expandScope=cluster")
	require.NoError(t, err)
	plan, err := planner.Build(containers, query.Params{Query: values, CRS: crs.Undefined})
	require.NoError(t, err)
	plan.Page.Disabled = true

	db := &fakeDB{fields: []string{"id", "clusterId", "serienummer", "eigenaarNaam", "datumCreatie", "datumLeegmaken", "geometry"}}
	exec := query.NewExecutor(db, snap, nil)
	cursor, err := exec.Run(context.Background(), plan)
	require.NoError(t, err)
	defer cursor.Close()

	s := &serialize.Serializer{Snapshot: snap, BaseURL: "https://api.example/v1", OutCRS: crs.RD}
	w := httptest.NewRecorder()
	require.NoError(t, render.CSV(w, s, plan, cursor))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Equal(t,
		"Id,Clusterid,Serienummer,Eigenaarnaam,Datumcreatie,Datumleegmaken,Geometry,Cluster.Id,Cluster.Status",
		lines[0])
}

func wkbPoint(x, y float64) []byte {
	raw, err := wkb.Marshal(orb.Point{x, y})
	if err != nil {
		panic(err)
	}
	return raw
}

var containerFields = []string{"id", "clusterId", "serienummer", "eigenaarNaam", "datumCreatie", "datumLeegmaken", "geometry"}

func containerRow(id int64) []any {
	return []any{id, "c-101", "S1", "Gemeente", "2024-01-01", "2024-01-02T00:00:00Z", wkbPoint(120000, 487000)}
}

func containerCursor(t *testing.T, rawQuery string, db *fakeDB) (*serialize.Serializer, *query.Plan, *query.Cursor, render.ListPage) {
	t.Helper()
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")

	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)

	planner := &query.Planner{Snapshot: snap}
	plan, err := planner.Build(containers, query.Params{Query: values, CRS: crs.Undefined})
	require.NoError(t, err)

	exec := query.NewExecutor(db, snap, nil)
	cursor, err := exec.Run(context.Background(), plan)
	require.NoError(t, err)

	s := &serialize.Serializer{Snapshot: snap, BaseURL: "https://api.example/v1", OutCRS: crs.RD}
	page := render.ListPage{
		SelfURL: s.ListSelfURL(containers),
		Query:   values,
		Page:    plan.Page,
	}
	return s, plan, cursor, page
}

func TestGeoJSONEnvelopeLinks(t *testing.T) {
	db := &fakeDB{
		fields: containerFields,
		// Three rows at page size two: the third row only signals a next page.
		rows: [][]any{containerRow(7), containerRow(8), containerRow(9)},
	}
	s, plan, cursor, page := containerCursor(t, "_pageSize=2", db)
	defer cursor.Close()

	w := httptest.NewRecorder()
	require.NoError(t, render.GeoJSON(w, s, plan, cursor, page))
	assert.Equal(t, render.ContentTypeGeoJSON, w.Header().Get("Content-Type"))

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Type  string           `json:"type"`
			ID    any              `json:"id"`
			Links []map[string]any `json:"_links"`
		} `json:"features"`
		Links []map[string]any `json:"_links"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))

	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 2)

	rels := map[string]string{}
	for _, link := range doc.Features[0].Links {
		rels[link["rel"].(string)] = link["href"].(string)
	}
	assert.Contains(t, rels["self"], "/afvalwegingen/containers/7/")
	assert.Contains(t, rels["cluster"], "/afvalwegingen/clusters/c-101/")
	assert.Contains(t, rels, "schema")

	pageRels := map[string]string{}
	for _, link := range doc.Links {
		pageRels[link["rel"].(string)] = link["href"].(string)
	}
	assert.Contains(t, pageRels["self"], "page=1")
	assert.Contains(t, pageRels["next"], "page=2")

	// Links carry only rel/href pairs, no bare members.
	assert.NotContains(t, w.Body.String(), `"links":`)
	assert.NotContains(t, w.Body.String(), `"next":`)
}

func TestGeoJSONRequiresGeometry(t *testing.T) {
	db := &fakeDB{fields: []string{"id"}, rows: nil}
	s, plan, cursor, page := listSetup(t, "", db)
	defer cursor.Close()

	w := httptest.NewRecorder()
	err := render.GeoJSON(w, s, plan, cursor, page)
	require.Error(t, err)
}

func TestTileJSON(t *testing.T) {
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")

	doc := render.TileJSON("https://api.example/v1", containers)
	assert.Equal(t, "3.0.0", doc["tilejson"])
	tiles := doc["tiles"].([]string)
	require.Len(t, tiles, 1)
	assert.Equal(t, "https://api.example/v1/mvt/afvalwegingen/containers/{z}/{x}/{y}.pbf", tiles[0])
	assert.Equal(t, 12, doc["minzoom"])
}

func TestDatasetTileJSON(t *testing.T) {
	snap := schematest.NewSnapshot()

	doc := render.DatasetTileJSON("https://api.example/v1", snap.Table("afvalwegingen", "containers").Dataset)
	require.NotNil(t, doc)
	tiles := doc["tiles"].([]string)
	require.Len(t, tiles, 1)
	assert.Equal(t, "https://api.example/v1/mvt/afvalwegingen/containers/{z}/{x}/{y}.pbf", tiles[0])
	layers := doc["vector_layers"].([]map[string]any)
	require.Len(t, layers, 1)
	assert.Equal(t, "containers", layers[0]["id"])

	// A dataset without geometry tables has no tilejson.
	assert.Nil(t, render.DatasetTileJSON("https://api.example/v1", snap.Table("movies", "movie").Dataset))
}

func TestTileFeatureIDStaysNumeric(t *testing.T) {
	db := &fakeDB{fields: containerFields, rows: [][]any{containerRow(7)}}
	s, plan, cursor, _ := containerCursor(t, "", db)
	defer cursor.Close()
	plan.Page.Disabled = true

	w := httptest.NewRecorder()
	// Zoom 14 tile over central Amsterdam, covering the fixture point.
	require.NoError(t, render.MVT(w, s, plan, cursor, render.Tile{Z: 14, X: 8411, Y: 5382}))
	assert.Equal(t, render.ContentTypeMVT, w.Header().Get("Content-Type"))

	layers, err := mvt.Unmarshal(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Len(t, layers[0].Features, 1)
	assert.Equal(t, float64(7), layers[0].Features[0].ID)
}

func TestZoomFilteredPlan(t *testing.T) {
	snap := schematest.NewSnapshot()
	containers := snap.Table("afvalwegingen", "containers")
	planner := &query.Planner{Snapshot: snap}
	plan, err := planner.Build(containers, query.Params{Query: url.Values{}, CRS: crs.Undefined})
	require.NoError(t, err)

	// The geometry field opens at zoom 7; scalar fields follow the table
	// window (min 12).
	render.ZoomFilteredPlan(plan, 8)
	assert.True(t, plan.HasColumn("geometry"))
	assert.True(t, plan.HasColumn("id"))
	assert.False(t, plan.HasColumn("serienummer"))

	plan2, err := planner.Build(containers, query.Params{Query: url.Values{}, CRS: crs.Undefined})
	require.NoError(t, err)
	render.ZoomFilteredPlan(plan2, 14)
	assert.True(t, plan2.HasColumn("serienummer"))
}

func TestTileBoundsRD(t *testing.T) {
	// Zoom 14 tile over central Amsterdam.
	tile := render.Tile{Z: 14, X: 8411, Y: 5382}
	bound, err := tile.BoundsRD()
	require.NoError(t, err)
	assert.InDelta(t, 120000, (bound.Min[0]+bound.Max[0])/2, 8000)
	assert.InDelta(t, 488000, (bound.Min[1]+bound.Max[1])/2, 8000)
}
