package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/render"
	"github.com/datastelsel/dsogateway/internal/schema"
	"github.com/datastelsel/dsogateway/internal/serialize"
)

// HandleList serves the listing of one table in the negotiated format.
func (s *Server) HandleList(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Current()
	ds, t, err := resolveTable(snap, r)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	u := auth.FromContext(r.Context())
	if err := s.Gate.CheckTable(r.Context(), u, t, r.Method, r.URL.Path); err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	if ds.Remote != nil {
		s.remoteList(w, r, ds, t)
		return
	}

	format, err := render.Negotiate(r)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	inCRS, err := acceptCRS(r)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	planner := &query.Planner{Snapshot: snap}
	plan, err := planner.Build(t, query.Params{
		Query: r.URL.Query(),
		User:  u,
		Gate:  s.Gate,
		CRS:   inCRS,
	})
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	// Exports stream the full result set unless the caller paged
	// explicitly.
	if format != render.FormatJSON && !explicitPaging(r) {
		plan.Page.Disabled = true
	}

	exec := query.NewExecutor(s.DB, snap, s.logger())
	ser := s.serializer(snap, u, outputCRS(inCRS, format))

	page := render.ListPage{
		SelfURL: ser.ListSelfURL(t),
		Query:   r.URL.Query(),
		Page:    plan.Page,
	}
	if plan.Page.WithCount {
		total, err := exec.Count(r.Context(), plan)
		if err != nil {
			apierror.WriteProblem(w, r, err)
			return
		}
		page.Total = total
		page.HasTotal = true
	}

	cursor, err := exec.Run(r.Context(), plan)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	defer cursor.Close()

	s.setContentCRS(w, t, ser.OutCRS)

	switch format {
	case render.FormatCSV:
		err = render.CSV(w, ser, plan, cursor)
	case render.FormatGeoJSON:
		err = render.GeoJSON(w, ser, plan, cursor, page)
	default:
		err = render.HAL(w, ser, plan, cursor, page)
	}
	if err != nil {
		// The body may be partially written; the problem document is a
		// best effort at this point.
		apierror.WriteProblem(w, r, err)
	}
}

// HandleDetail serves one resource by its logical identifier.
func (s *Server) HandleDetail(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Current()
	ds, t, err := resolveTable(snap, r)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	u := auth.FromContext(r.Context())
	if err := s.Gate.CheckTable(r.Context(), u, t, r.Method, r.URL.Path); err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if ds.Remote != nil {
		s.remoteDetail(w, r, ds, t, id)
		return
	}

	inCRS, err := acceptCRS(r)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	planner := &query.Planner{Snapshot: snap}
	plan, err := planner.BuildDetail(t, id, query.Params{
		Query: r.URL.Query(),
		User:  u,
		Gate:  s.Gate,
		CRS:   inCRS,
	})
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	exec := query.NewExecutor(s.DB, snap, s.logger())
	cursor, err := exec.Run(r.Context(), plan)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	defer cursor.Close()

	row, err := cursor.Next()
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	if row == nil {
		apierror.WriteProblem(w, r, apierror.NotFound("%s/%s with id %s not found", ds.ID, t.ID, id))
		return
	}

	ser := s.serializer(snap, u, outputCRS(inCRS, render.FormatJSON))
	s.setContentCRS(w, t, ser.OutCRS)
	if err := render.Detail(w, ser, plan, row); err != nil {
		apierror.WriteProblem(w, r, err)
	}
}

// serializer builds the per-request serializer.
func (s *Server) serializer(snap *schema.Snapshot, u auth.UserScopes, out crs.CRS) *serialize.Serializer {
	return &serialize.Serializer{
		Snapshot: snap,
		BaseURL:  s.BaseURL,
		User:     u,
		Gate:     s.Gate,
		OutCRS:   out,
	}
}

// outputCRS resolves the response coordinate system: the Accept-Crs
// header wins; without it GeoJSON defaults to WGS84 and everything else
// to the storage system.
func outputCRS(accepted crs.CRS, format render.Format) crs.CRS {
	if accepted.IsDefined() {
		return accepted
	}
	if format == render.FormatGeoJSON {
		return crs.WGS84
	}
	return crs.RD
}

// setContentCRS announces the coordinate system of the response body,
// only meaningful for tables that carry geometry.
func (s *Server) setContentCRS(w http.ResponseWriter, t *schema.Table, out crs.CRS) {
	if t.MainGeometry() != nil {
		w.Header().Set(contentCRSHeader, out.String())
	}
}

// explicitPaging reports whether the caller asked for a page window.
func explicitPaging(r *http.Request) bool {
	q := r.URL.Query()
	return q.Has("page") || q.Has("_pageSize") || q.Has("page_size")
}
