package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datastelsel/dsogateway/internal/apierror"
	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// acceptCRSHeader names the requested output coordinate system; the
// same value is echoed back as Content-Crs on geometry-carrying
// responses.
const (
	acceptCRSHeader  = "Accept-Crs"
	contentCRSHeader = "Content-Crs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeHALJSON writes a pre-built document; the caller has already set
// the Content-Type.
func writeHALJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// resolveTable looks up the dataset and table addressed by the URL in
// the given snapshot. Unknown segments return a 404 apierror.
func resolveTable(snap *schema.Snapshot, r *http.Request) (*schema.Dataset, *schema.Table, error) {
	dsPath := chi.URLParam(r, "dataset")
	ds := snap.DatasetByPath(dsPath)
	if ds == nil {
		return nil, nil, apierror.NotFound("dataset %s not found", dsPath)
	}
	t := ds.Table(chi.URLParam(r, "table"))
	if t == nil {
		return nil, nil, apierror.NotFound("table %s not found in %s", chi.URLParam(r, "table"), ds.ID)
	}
	return ds, t, nil
}

// acceptCRS parses the Accept-Crs header. An unsupported value is a 406;
// an absent header yields Undefined, letting each format pick its
// default.
func acceptCRS(r *http.Request) (crs.CRS, error) {
	c, err := crs.Parse(r.Header.Get(acceptCRSHeader))
	if err != nil {
		return crs.Undefined, apierror.NotAcceptable(err.Error())
	}
	return c, nil
}
