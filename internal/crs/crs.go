// Package crs handles the coordinate reference systems the gateway
// accepts: WGS84 (EPSG:4326), Dutch RD (EPSG:28992), Web Mercator
// (EPSG:3857) and ETRS89 (EPSG:4258). It parses Accept-Crs headers,
// transforms geometries between systems, and provides the Netherlands
// bounding boxes used to auto-detect the CRS of bare coordinate pairs.
package crs

import (
	"fmt"
	"strconv"
	"strings"
)

// CRS identifies a coordinate reference system by EPSG code.
type CRS struct {
	Code int
}

// The supported reference systems.
var (
	WGS84       = CRS{Code: 4326}
	RD          = CRS{Code: 28992}
	WebMercator = CRS{Code: 3857}
	ETRS89      = CRS{Code: 4258}
)

// Undefined is the zero CRS, meaning "not specified".
var Undefined = CRS{}

// IsDefined reports whether the CRS was specified.
func (c CRS) IsDefined() bool { return c.Code != 0 }

// String renders the header form, e.g. "EPSG:4326".
func (c CRS) String() string {
	if !c.IsDefined() {
		return ""
	}
	return fmt.Sprintf("EPSG:%d", c.Code)
}

// GeographicOrder reports whether the axis order of header-supplied
// coordinates is latitude-first. Only geographic systems are.
func (c CRS) GeographicOrder() bool {
	return c == WGS84 || c == ETRS89
}

// Parse reads a CRS from an Accept-Crs / Content-Crs header value.
// Accepted spellings: "EPSG:4326", "epsg:4326",
// "urn:ogc:def:crs:EPSG::4326" and the bare code "4326".
// An empty value yields Undefined without error.
func Parse(value string) (CRS, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return Undefined, nil
	}

	lower := strings.ToLower(v)
	switch {
	case strings.HasPrefix(lower, "urn:ogc:def:crs:epsg:"):
		v = v[strings.LastIndex(v, ":")+1:]
	case strings.HasPrefix(lower, "epsg:"):
		v = v[len("epsg:"):]
	}

	code, err := strconv.Atoi(v)
	if err != nil {
		return Undefined, fmt.Errorf("unknown CRS %q", value)
	}

	c := CRS{Code: code}
	switch c {
	case WGS84, RD, WebMercator, ETRS89:
		return c, nil
	default:
		return Undefined, fmt.Errorf("unsupported CRS EPSG:%d", code)
	}
}

// URN renders the OGC urn form used in GeoJSON crs members.
func (c CRS) URN() string {
	return fmt.Sprintf("urn:ogc:def:crs:EPSG::%d", c.Code)
}

// Bounding boxes for CRS auto-detection of bare "x,y" filter input.
// A pair inside the WGS84 box is read as lat,lon; a pair inside the RD
// box is read as RD meters.
const (
	nlWGS84MinLat = 50.6
	nlWGS84MaxLat = 53.6
	nlWGS84MinLon = 3.2
	nlWGS84MaxLon = 7.3

	nlRDMinX = 0.0
	nlRDMaxX = 290000.0
	nlRDMinY = 290000.0
	nlRDMaxY = 630000.0
)

// InNetherlandsWGS84 reports whether (lat, lon) falls inside the
// Netherlands WGS84 bounding box.
func InNetherlandsWGS84(lat, lon float64) bool {
	return lat >= nlWGS84MinLat && lat <= nlWGS84MaxLat &&
		lon >= nlWGS84MinLon && lon <= nlWGS84MaxLon
}

// InNetherlandsRD reports whether (x, y) falls inside the RD validity area.
func InNetherlandsRD(x, y float64) bool {
	return x >= nlRDMinX && x <= nlRDMaxX &&
		y >= nlRDMinY && y <= nlRDMaxY
}
