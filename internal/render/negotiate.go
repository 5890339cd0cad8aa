// Package render writes query results in the gateway's output formats:
// paginated HAL-JSON, CSV and GeoJSON streams, and Mapbox vector tiles.
// Renderers stream row by row; no response is buffered whole.
package render

import (
	"net/http"
	"strings"

	"github.com/datastelsel/dsogateway/internal/apierror"
)

// Format is a negotiated output format.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatGeoJSON Format = "geojson"
)

// Media types per format.
const (
	ContentTypeHAL     = "application/hal+json"
	ContentTypeCSV     = "text/csv; charset=utf-8"
	ContentTypeGeoJSON = "application/geo+json"
	ContentTypeMVT     = "application/vnd.mapbox-vector-tile"
)

// Negotiate picks the output format from the _format parameter (legacy
// synonym "format") or, absent that, the Accept header. Unknown formats
// yield a 406.
func Negotiate(r *http.Request) (Format, error) {
	raw := r.URL.Query().Get("_format")
	if raw == "" {
		raw = r.URL.Query().Get("format")
	}
	if raw != "" {
		switch raw {
		case "json":
			return FormatJSON, nil
		case "csv":
			return FormatCSV, nil
		case "geojson":
			return FormatGeoJSON, nil
		default:
			return "", apierror.NotAcceptable("output format " + raw + " is not supported; use json, csv or geojson")
		}
	}

	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/csv"):
		return FormatCSV, nil
	case strings.Contains(accept, "geo+json"):
		return FormatGeoJSON, nil
	default:
		return FormatJSON, nil
	}
}
