package crs

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Transform converts a geometry between two supported reference systems.
// ETRS89 is treated as coincident with WGS84; the difference (sub-meter,
// drifting by continental plate movement) is far below the accuracy of
// the RD approximation used here.
func Transform(g orb.Geometry, from, to CRS) (orb.Geometry, error) {
	if g == nil || from == to {
		return g, nil
	}
	fn, err := pointTransform(from, to)
	if err != nil {
		return nil, err
	}
	return project.Geometry(orb.Clone(g), orb.Projection(fn)), nil
}

// TransformPoint converts a single point between reference systems.
func TransformPoint(p orb.Point, from, to CRS) (orb.Point, error) {
	if from == to {
		return p, nil
	}
	fn, err := pointTransform(from, to)
	if err != nil {
		return orb.Point{}, err
	}
	return fn(p), nil
}

func pointTransform(from, to CRS) (func(orb.Point) orb.Point, error) {
	toWGS, err := toWGS84(from)
	if err != nil {
		return nil, err
	}
	fromWGS, err := fromWGS84(to)
	if err != nil {
		return nil, err
	}
	return func(p orb.Point) orb.Point { return fromWGS(toWGS(p)) }, nil
}

func toWGS84(from CRS) (func(orb.Point) orb.Point, error) {
	switch from {
	case WGS84, ETRS89:
		return identity, nil
	case RD:
		return rdToWGS84, nil
	case WebMercator:
		return project.Mercator.ToWGS84, nil
	default:
		return nil, fmt.Errorf("cannot transform from %s", from)
	}
}

func fromWGS84(to CRS) (func(orb.Point) orb.Point, error) {
	switch to {
	case WGS84, ETRS89:
		return identity, nil
	case RD:
		return wgs84ToRD, nil
	case WebMercator:
		return project.WGS84.ToMercator, nil
	default:
		return nil, fmt.Errorf("cannot transform to %s", to)
	}
}

func identity(p orb.Point) orb.Point { return p }

// RD <-> WGS84 below uses the Schreutelkamp/Strang van Hees polynomial
// approximation. Accuracy within the RD validity area is about 25 cm,
// sufficient for API filtering and tile rendering; exact geodetic work
// would need the full RDNAPTRANS grid correction.

const (
	rdX0   = 155000.0 // Amersfoort
	rdY0   = 463000.0
	rdLat0 = 52.15517440
	rdLon0 = 5.38720621
)

// rdToWGS84 converts an RD point (x, y) in meters to WGS84 (lon, lat).
func rdToWGS84(p orb.Point) orb.Point {
	dx := (p[0] - rdX0) * 1e-5
	dy := (p[1] - rdY0) * 1e-5

	sumN := 3235.65389*dy +
		-32.58297*dx*dx +
		-0.24750*dy*dy +
		-0.84978*dx*dx*dy +
		-0.06550*dy*dy*dy +
		-0.01709*dx*dx*dy*dy +
		-0.00738*dx +
		0.00530*dx*dx*dx*dx +
		-0.00039*dx*dx*dy*dy*dy +
		0.00033*dx*dx*dx*dx*dy +
		-0.00012*dx*dy

	sumE := 5260.52916*dx +
		105.94684*dx*dy +
		2.45656*dx*dy*dy +
		-0.81885*dx*dx*dx +
		0.05594*dx*dy*dy*dy +
		-0.05607*dx*dx*dx*dy +
		0.01199*dy +
		-0.00256*dx*dx*dx*dy*dy +
		0.00128*dx*dy*dy*dy*dy +
		0.00022*dy*dy +
		-0.00022*dx*dx +
		0.00026*dx*dx*dx*dx*dx

	lat := rdLat0 + sumN/3600
	lon := rdLon0 + sumE/3600
	return orb.Point{lon, lat}
}

// wgs84ToRD converts a WGS84 point (lon, lat) to RD meters (x, y).
func wgs84ToRD(p orb.Point) orb.Point {
	dlat := 0.36 * (p[1] - rdLat0)
	dlon := 0.36 * (p[0] - rdLon0)

	x := rdX0 +
		190094.945*dlon +
		-11832.228*dlat*dlon +
		-114.221*dlat*dlat*dlon +
		-32.391*dlon*dlon*dlon +
		-0.705*dlat +
		-2.340*dlat*dlat*dlat*dlon +
		-0.608*dlat*dlon*dlon*dlon +
		-0.008*dlon +
		0.148*dlat*dlat*dlon*dlon*dlon

	y := rdY0 +
		309056.544*dlat +
		3638.893*dlon*dlon +
		73.077*dlat*dlat +
		-157.984*dlat*dlon*dlon +
		59.788*dlat*dlat*dlat +
		0.433*dlon +
		-6.439*dlat*dlat*dlon*dlon +
		-0.032*dlat*dlon +
		0.092*dlon*dlon*dlon*dlon +
		-0.054*dlat*dlon*dlon*dlon*dlon

	return orb.Point{x, y}
}
