package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// HandleIndex lists every dataset in the catalog with links to its
// tables. The index is public metadata; row access is decided per
// table when the links are followed.
func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Current()

	datasets := make([]map[string]any, 0)
	for _, ds := range snap.Datasets() {
		datasets = append(datasets, s.datasetSummary(ds))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"_links": map[string]any{
			"self": map[string]any{"href": s.BaseURL + "/"},
		},
		"datasets": datasets,
	})
}

// HandleDatasetIndex describes one dataset and its tables.
func (s *Server) HandleDatasetIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Current()
	dsPath := chi.URLParam(r, "dataset")
	ds := snap.DatasetByPath(dsPath)
	if ds == nil {
		apierror.WriteProblem(w, r, apierror.NotFound("dataset %s not found", dsPath))
		return
	}
	writeJSON(w, http.StatusOK, s.datasetSummary(ds))
}

func (s *Server) datasetSummary(ds *schema.Dataset) map[string]any {
	tables := make([]map[string]any, 0, len(ds.Tables))
	for _, t := range ds.Tables {
		entry := map[string]any{
			"id":   t.ID,
			"href": s.BaseURL + "/" + ds.Path + "/" + t.ID + "/",
		}
		if t.MainGeometry() != nil {
			entry["tiles"] = s.BaseURL + "/" + ds.Path + "/" + t.ID + "/tiles"
		}
		tables = append(tables, entry)
	}

	out := map[string]any{
		"id":      ds.ID,
		"title":   ds.Title,
		"version": ds.Version,
		"status":  ds.Status,
		"path":    ds.Path,
		"tables":  tables,
	}
	if names := ds.Auth.Names(); len(names) > 0 {
		out["auth"] = names
	}
	if ds.Remote != nil {
		out["remote"] = true
	}
	return out
}
