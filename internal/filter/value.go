// Package filter parses query-string filters: the key grammar
// (field[.sub]*[lookup]=value), the per-type scalar value parsers, and
// the allowed-lookup matrix. Parsed filters are handed to the query
// planner; nothing in this package touches the database.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/datastelsel/dsogateway/internal/crs"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// Date is a date-only value. Distinct from time.Time so the planner can
// promote exact matches on date-time columns to day-bounded comparisons.
type Date struct {
	time.Time
}

// Reason texts are part of the API contract: they appear verbatim in the
// problem+json invalid-params entries.
var (
	errBool     = errors.New("Enter a valid boolean (true/false)")
	errInteger  = errors.New("Enter a valid integer")
	errNumber   = errors.New("Enter a valid number")
	errDate     = errors.New("Enter a valid ISO date")
	errDateTime = errors.New("Enter a valid ISO date-time, or single date.")
	errTime     = errors.New("Enter a valid time")
	errCoord    = errors.New("Invalid coordinate specified")
	errGeometry = errors.New("Enter a valid WKT geometry")
)

// ErrNeedsCRS flags a coordinate pair outside every auto-detectable
// range; the caller has to state the reference system via Accept-Crs.
var ErrNeedsCRS = errors.New("coordinate reference system cannot be detected; send an Accept-Crs header")

var numberRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseScalar converts one raw query value to the typed value of the
// field. Geometry fields parse as points (the only geometry filter input
// is point-in-geometry); the input CRS comes from the Accept-Crs header
// and may be Undefined, enabling coordinate auto-detection.
func ParseScalar(f *schema.Field, raw string, inputCRS crs.CRS) (any, error) {
	switch f.Type {
	case schema.TypeBoolean:
		return parseBool(raw)
	case schema.TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errInteger
		}
		return n, nil
	case schema.TypeNumber:
		if !numberRe.MatchString(raw) {
			return nil, errNumber
		}
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errNumber
		}
		return n, nil
	case schema.TypeDate:
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, errDate
		}
		return Date{t}, nil
	case schema.TypeDateTime:
		return parseDateTime(raw)
	case schema.TypeTime:
		return parseTime(raw)
	case schema.TypeString, schema.TypeURI:
		return raw, nil
	case schema.TypeGeoPoint, schema.TypeGeoPolygon, schema.TypeGeoMultiPoly, schema.TypeGeometry:
		p, pointCRS, err := ParsePoint(raw, inputCRS)
		if err != nil {
			return nil, err
		}
		return GeoValue{Geometry: p, CRS: pointCRS}, nil
	default:
		// Arrays and objects are handled by the caller (splitting on
		// comma and parsing items); reaching this is a planner bug.
		return nil, fmt.Errorf("cannot parse values of type %s", f.Type)
	}
}

// GeoValue is a parsed geometry filter input with the CRS it arrived in.
type GeoValue struct {
	Geometry orb.Geometry
	CRS      crs.CRS
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, errBool
	}
}

// parseDateTime accepts a full ISO-8601 timestamp or a bare date. Bare
// dates come back as Date so exact filters can match the whole day.
func parseDateTime(raw string) (any, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return Date{t}, nil
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return nil, errDateTime
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range []string{"15:04", "15:04:05", "15:04:05.000"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errTime
}

// ParsePoint parses "x,y" or "POINT(x y)" into a point plus the CRS it
// should be interpreted in.
//
// With an explicit geographic input CRS a bare pair inside the
// Netherlands is read latitude-first (the conventional order for
// EPSG:4326 coordinates) and reordered to x,y. Without a CRS the point is
// auto-detected: inside the NL WGS84 box it is lat,lon; inside the RD
// validity area it is RD meters; anything else is rejected.
func ParsePoint(raw string, inputCRS crs.CRS) (orb.Point, crs.CRS, error) {
	var a, b float64
	wktInput := false

	trimmed := strings.TrimSpace(raw)
	if upper := strings.ToUpper(trimmed); strings.HasPrefix(upper, "POINT") {
		geom, err := wkt.Unmarshal(trimmed)
		if err != nil {
			return orb.Point{}, crs.Undefined, errGeometry
		}
		p, ok := geom.(orb.Point)
		if !ok {
			return orb.Point{}, crs.Undefined, errGeometry
		}
		// WKT is x y order already.
		a, b = p[0], p[1]
		wktInput = true
	} else {
		parts := strings.Split(trimmed, ",")
		if len(parts) != 2 {
			return orb.Point{}, crs.Undefined, errCoord
		}
		var err error
		if a, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
			return orb.Point{}, crs.Undefined, errCoord
		}
		if b, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
			return orb.Point{}, crs.Undefined, errCoord
		}
	}

	if inputCRS.IsDefined() {
		if !wktInput && inputCRS.GeographicOrder() && crs.InNetherlandsWGS84(a, b) {
			// Bare "lat,lon" pair: reorder to x,y.
			return orb.Point{b, a}, inputCRS, nil
		}
		return orb.Point{a, b}, inputCRS, nil
	}

	// No CRS given: detect from the coordinate magnitudes. Bare pairs
	// inside the NL box are lat,lon; WKT is always x y (lon lat).
	switch {
	case !wktInput && crs.InNetherlandsWGS84(a, b):
		return orb.Point{b, a}, crs.WGS84, nil
	case crs.InNetherlandsWGS84(b, a):
		return orb.Point{a, b}, crs.WGS84, nil
	case crs.InNetherlandsRD(a, b):
		return orb.Point{a, b}, crs.RD, nil
	default:
		return orb.Point{}, crs.Undefined, ErrNeedsCRS
	}
}
