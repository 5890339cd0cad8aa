package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datastelsel/dsogateway/internal/api"
	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/remote"
	"github.com/datastelsel/dsogateway/internal/render"
	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/schema/schematest"
)

// staticLoader feeds fixture documents to the registry.
type staticLoader struct{ docs [][]byte }

func (l staticLoader) Load(context.Context) ([][]byte, error) { return l.docs, nil }

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

func newTestServer(t *testing.T, db *fakeDB, docs [][]byte) http.Handler {
	t.Helper()
	if docs == nil {
		docs = schematest.AllDocuments()
	}
	reg, err := schema.NewRegistry(context.Background(), staticLoader{docs: docs})
	require.NoError(t, err)

	srv := &api.Server{
		Registry: reg,
		DB:       db,
		Gate:     &auth.Gate{},
		Remote:   remote.NewClient(nil),
		BaseURL:  "https://api.example/v1",
	}
	return api.NewRouter(srv)
}

func doRequest(t *testing.T, h http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestIndexListsDatasets(t *testing.T) {
	h := newTestServer(t, &fakeDB{}, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		Datasets []map[string]any `json:"datasets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.NotEmpty(t, doc.Datasets)

	ids := make(map[string]bool)
	for _, ds := range doc.Datasets {
		ids[ds["id"].(string)] = true
	}
	assert.True(t, ids["movies"])
	assert.True(t, ids["gebieden"])
}

func TestUnknownDatasetIs404Problem(t *testing.T) {
	h := newTestServer(t, &fakeDB{}, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/nope/whatever/", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apierror.ProblemContentType, w.Header().Get("Content-Type"))

	var problem map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, float64(http.StatusNotFound), problem["status"])
	assert.Contains(t, problem["type"], "urn:apiexception:")
}

func TestListRendersHALEnvelope(t *testing.T) {
	db := &fakeDB{
		fields: []string{"id", "name"},
		rows:   [][]any{{int64(1), "Vertigo"}, {int64(2), "Rear Window"}},
	}
	h := newTestServer(t, db, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/movies/movie/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, render.ContentTypeHAL, w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var doc struct {
		Embedded map[string][]map[string]any `json:"_embedded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Embedded["movie"], 2)
	assert.Equal(t, "Vertigo", doc.Embedded["movie"][0]["name"])
}

func TestListDeniedWithoutScope(t *testing.T) {
	h := newTestServer(t, &fakeDB{fields: []string{"id"}}, nil)

	w := doRequest(t, h, http.MethodGet, "/v1/parkeervakken/parkeervakken/", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, h, http.MethodGet, "/v1/parkeervakken/parkeervakken/",
		map[string]string{auth.ScopesHeader: "DATASET/SCOPE"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDetailNotFound(t *testing.T) {
	h := newTestServer(t, &fakeDB{fields: []string{"id", "name"}}, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/movies/movie/7", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apierror.ProblemContentType, w.Header().Get("Content-Type"))
}

func TestDetailRendersResource(t *testing.T) {
	db := &fakeDB{fields: []string{"id", "name"}, rows: [][]any{{int64(7), "Vertigo"}}}
	h := newTestServer(t, db, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/movies/movie/7", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "Vertigo", doc["name"])
	links := doc["_links"].(map[string]any)
	self := links["self"].(map[string]any)
	assert.Equal(t, "https://api.example/v1/movies/movie/7/", self["href"])
}

func TestListCSVFormat(t *testing.T) {
	db := &fakeDB{fields: []string{"id", "name"}, rows: [][]any{{int64(1), "Vertigo"}}}
	h := newTestServer(t, db, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/movies/movie/?_format=csv&_fields=name", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, render.ContentTypeCSV, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "movies-movie.csv")
}

func TestUnsupportedAcceptCrsIs406(t *testing.T) {
	h := newTestServer(t, &fakeDB{fields: []string{"id"}}, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/movies/movie/",
		map[string]string{"Accept-Crs": "EPSG:9999"})
	assert.Equal(t, http.StatusNotAcceptable, w.Code)
}

func TestUnknownFilterFieldIs400(t *testing.T) {
	h := newTestServer(t, &fakeDB{fields: []string{"id"}}, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/movies/movie/?bogus=1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var problem struct {
		InvalidParams []map[string]any `json:"invalid-params"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	require.Len(t, problem.InvalidParams, 1)
	assert.Equal(t, "bogus", problem.InvalidParams[0]["name"])
}

func TestTileJSONEndpoint(t *testing.T) {
	h := newTestServer(t, &fakeDB{}, nil)

	w := doRequest(t, h, http.MethodGet, "/v1/afvalwegingen/containers/tiles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.0", doc["tilejson"])

	// Tables without geometry have no tile endpoint.
	w = doRequest(t, h, http.MethodGet, "/v1/movies/movie/tiles", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMVTRoutes(t *testing.T) {
	h := newTestServer(t, &fakeDB{fields: []string{"id", "geometry"}}, nil)

	// Tile URLs under the /mvt prefix dispatch to the tile handler; an
	// empty result set is an empty tile.
	w := doRequest(t, h, http.MethodGet, "/v1/mvt/afvalwegingen/containers/17/67327/43077.pbf", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, h, http.MethodGet, "/v1/mvt/afvalwegingen/tilejson.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc struct {
		TileJSON string   `json:"tilejson"`
		Tiles    []string `json:"tiles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.0", doc.TileJSON)
	require.Len(t, doc.Tiles, 1)
	assert.Equal(t, "https://api.example/v1/mvt/afvalwegingen/containers/{z}/{x}/{y}.pbf", doc.Tiles[0])

	// Datasets without geometry tables have no tilejson.
	w = doRequest(t, h, http.MethodGet, "/v1/mvt/movies/tilejson.json", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTileDeniedOnProtectedGeometry(t *testing.T) {
	doc := `{
	  "type": "dataset",
	  "id": "leidingen",
	  "title": "Leidingen",
	  "version": "1.0.0",
	  "status": "beschikbaar",
	  "auth": "OPENBAAR",
	  "tables": [
	    {
	      "id": "traces",
	      "schema": {
	        "identifier": ["id"],
	        "propertyOrder": ["id", "geometrie"],
	        "properties": {
	          "id": {"type": "integer"},
	          "geometrie": {"$ref": "https://geojson.org/schema/LineString.json", "auth": "SECRET/GEO"}
	        }
	      }
	    }
	  ]
	}`
	h := newTestServer(t, &fakeDB{fields: []string{"id", "geometrie"}}, [][]byte{[]byte(doc)})

	w := doRequest(t, h, http.MethodGet, "/v1/mvt/leidingen/traces/14/8400/5400.pbf", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, h, http.MethodGet, "/v1/mvt/leidingen/traces/14/8400/5400.pbf",
		map[string]string{auth.ScopesHeader: "SECRET/GEO"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTileOutsideZoomWindowIs204(t *testing.T) {
	h := newTestServer(t, &fakeDB{}, nil)
	// Containers open at zoom 7; zoom 3 is outside the window.
	w := doRequest(t, h, http.MethodGet, "/v1/afvalwegingen/containers/tiles/3/4/2.pbf", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestInvalidTileCoordinatesIs400(t *testing.T) {
	h := newTestServer(t, &fakeDB{}, nil)
	w := doRequest(t, h, http.MethodGet, "/v1/afvalwegingen/containers/tiles/14/99999999/2.pbf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRemoteDatasetProxied(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "r1", "naam": "Ring"})
	}))
	defer upstream.Close()

	doc := `{
	  "type": "dataset",
	  "id": "hoofdroutes",
	  "title": "Hoofdroutes",
	  "version": "1.0.0",
	  "status": "beschikbaar",
	  "auth": "OPENBAAR",
	  "remote": {"endpoint": "` + upstream.URL + `/api/{tableId}/", "profile": "rest"},
	  "tables": [
	    {
	      "id": "routes",
	      "schema": {
	        "identifier": ["id"],
	        "propertyOrder": ["id", "naam"],
	        "properties": {
	          "id": {"type": "string"},
	          "naam": {"type": "string"}
	        }
	      }
	    }
	  ]
	}`
	h := newTestServer(t, &fakeDB{}, [][]byte{[]byte(doc)})

	w := doRequest(t, h, http.MethodGet, "/v1/hoofdroutes/routes/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resource map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resource))
	assert.Equal(t, "Ring", resource["naam"])
	assert.Contains(t, resource, "_links")
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestServer(t, &fakeDB{}, nil)

	w := doRequest(t, h, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var live map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &live))
	assert.Equal(t, "ok", live["status"])
	assert.NotEmpty(t, live["schema_fingerprint"])

	w = doRequest(t, h, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
