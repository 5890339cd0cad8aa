package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/render"
)

// HandleTileJSON serves the tilejson document describing a table's
// tile endpoint. Documents are cached per snapshot fingerprint.
func (s *Server) HandleTileJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Current()
	_, t, err := resolveTable(snap, r)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	if t.MainGeometry() == nil {
		apierror.WriteProblem(w, r, apierror.NotFound("%s/%s has no geometry to serve tiles from", t.Dataset.ID, t.ID))
		return
	}

	key := snap.Fingerprint + "/" + t.Dataset.ID + "/" + t.ID
	doc, ok := s.TileJSONCache.Get(key)
	if !ok {
		doc = render.TileJSON(s.BaseURL, t)
		s.TileJSONCache.Set(key, doc)
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleDatasetTileJSON serves one tilejson document covering every
// geometry-bearing table of the dataset, one vector layer per table.
func (s *Server) HandleDatasetTileJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Current()
	dsPath := chi.URLParam(r, "dataset")
	ds := snap.DatasetByPath(dsPath)
	if ds == nil {
		apierror.WriteProblem(w, r, apierror.NotFound("dataset %s not found", dsPath))
		return
	}

	key := snap.Fingerprint + "/" + ds.ID + "/tilejson"
	doc, ok := s.TileJSONCache.Get(key)
	if !ok {
		doc = render.DatasetTileJSON(s.BaseURL, ds)
		if doc == nil {
			apierror.WriteProblem(w, r, apierror.NotFound("%s has no geometry to serve tiles from", ds.ID))
			return
		}
		s.TileJSONCache.Set(key, doc)
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleTile serves one Mapbox vector tile. The tile's bounding box
// becomes a spatial filter; remaining query parameters filter rows like
// a regular listing.
func (s *Server) HandleTile(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Current()
	_, t, err := resolveTable(snap, r)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	u := auth.FromContext(r.Context())
	if err := s.Gate.CheckTable(r.Context(), u, t, r.Method, r.URL.Path); err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	geoField := t.MainGeometry()
	if geoField == nil {
		apierror.WriteProblem(w, r, apierror.NotFound("%s/%s has no geometry to serve tiles from", t.Dataset.ID, t.ID))
		return
	}
	if !auth.FieldPermission(u, geoField).Allows() {
		apierror.WriteProblem(w, r, apierror.AccessDenied("field "+geoField.ID+" is not accessible"))
		return
	}

	tile, err := parseTile(r)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	if !t.Zoom.Visible(tile.Z) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	planner := &query.Planner{Snapshot: snap}
	plan, err := planner.Build(t, query.Params{
		Query: r.URL.Query(),
		User:  u,
		Gate:  s.Gate,
		CRS:   crs.Undefined,
	})
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	bounds, err := tile.BoundsRD()
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	if !plan.WithinBounds(bounds.Min[0], bounds.Min[1], bounds.Max[0], bounds.Max[1]) {
		apierror.WriteProblem(w, r, apierror.NotFound("%s/%s has no geometry to serve tiles from", t.Dataset.ID, t.ID))
		return
	}
	render.ZoomFilteredPlan(plan, tile.Z)
	plan.Page.Disabled = true

	exec := query.NewExecutor(s.DB, snap, s.logger())
	cursor, err := exec.Run(r.Context(), plan)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	defer cursor.Close()

	ser := s.serializer(snap, u, crs.WGS84)
	if err := render.MVT(w, ser, plan, cursor, tile); err != nil {
		apierror.WriteProblem(w, r, err)
	}
}

func parseTile(r *http.Request) (render.Tile, error) {
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errZ != nil || errX != nil || errY != nil || z < 0 || z > 24 || x < 0 || y < 0 {
		return render.Tile{}, apierror.BadRequest("invalidTile", "Invalid tile coordinates")
	}
	max := 1 << z
	if x >= max || y >= max {
		return render.Tile{}, apierror.BadRequest("invalidTile", "Tile coordinates outside zoom level")
	}
	return render.Tile{Z: z, X: x, Y: y}, nil
}
