package api

import (
	"net/http"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/render"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// remoteDetail proxies a detail request to the dataset's upstream and
// renders the validated response as a regular HAL resource.
func (s *Server) remoteDetail(w http.ResponseWriter, r *http.Request, ds *schema.Dataset, t *schema.Table, id string) {
	if s.Remote == nil {
		apierror.WriteProblem(w, r, apierror.UpstreamUnavailable("remote datasets are not configured"))
		return
	}
	doc, err := s.Remote.Fetch(r.Context(), r, ds, t, id)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	snap := s.Registry.Current()
	u := auth.FromContext(r.Context())
	ser := s.serializer(snap, u, crs.RD)

	resource, err := ser.Resource(t, query.Row(doc), nil)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}
	w.Header().Set("Content-Type", render.ContentTypeHAL)
	writeHALJSON(w, resource)
}

// remoteList proxies a listing request and wraps the validated items in
// the gateway's own HAL envelope.
func (s *Server) remoteList(w http.ResponseWriter, r *http.Request, ds *schema.Dataset, t *schema.Table) {
	if s.Remote == nil {
		apierror.WriteProblem(w, r, apierror.UpstreamUnavailable("remote datasets are not configured"))
		return
	}
	items, err := s.Remote.FetchList(r.Context(), r, ds, t)
	if err != nil {
		apierror.WriteProblem(w, r, err)
		return
	}

	snap := s.Registry.Current()
	u := auth.FromContext(r.Context())
	ser := s.serializer(snap, u, crs.RD)

	resources := make([]map[string]any, 0, len(items))
	for _, item := range items {
		resource, err := ser.Resource(t, query.Row(item), nil)
		if err != nil {
			apierror.WriteProblem(w, r, err)
			return
		}
		resources = append(resources, resource)
	}

	w.Header().Set("Content-Type", render.ContentTypeHAL)
	writeHALJSON(w, map[string]any{
		"_embedded": map[string]any{t.ID: resources},
		"_links": map[string]any{
			"self": map[string]any{"href": ser.ListSelfURL(t)},
		},
	})
}
