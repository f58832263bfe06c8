// Package geometry normalizes the remote server's per-kind geometry
// encodings into orb geometries in geographic coordinates.
package geometry

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/openregio/regiomap/internal/arcgis"
)

// ErrEmptyGeometry is returned when a wire geometry carries none of the
// known shapes.
var ErrEmptyGeometry = errors.New("geometry has no point, paths, or rings")

const earthRadius = 6378137.0

// FromWire converts a wire geometry into an orb geometry. Points become
// orb.Point, polylines orb.MultiLineString, polygons orb.Polygon. Vertices
// whose magnitude falls outside geographic ranges are assumed to be in the
// projected Web-Mercator system and are converted with InverseMercator.
func FromWire(g *arcgis.Geometry) (orb.Geometry, error) {
	if g == nil {
		return nil, ErrEmptyGeometry
	}

	switch {
	case g.X != nil && g.Y != nil:
		return normalizePoint(orb.Point{*g.X, *g.Y}), nil

	case len(g.Paths) > 0:
		ml := make(orb.MultiLineString, 0, len(g.Paths))
		for _, path := range g.Paths {
			ls := make(orb.LineString, 0, len(path))
			for _, v := range path {
				if len(v) < 2 {
					continue
				}
				ls = append(ls, normalizePoint(orb.Point{v[0], v[1]}))
			}
			if len(ls) > 0 {
				ml = append(ml, ls)
			}
		}
		if len(ml) == 0 {
			return nil, ErrEmptyGeometry
		}
		return ml, nil

	case len(g.Rings) > 0:
		poly := make(orb.Polygon, 0, len(g.Rings))
		for _, ring := range g.Rings {
			r := make(orb.Ring, 0, len(ring))
			for _, v := range ring {
				if len(v) < 2 {
					continue
				}
				r = append(r, normalizePoint(orb.Point{v[0], v[1]}))
			}
			if len(r) == 0 {
				continue
			}
			// Rings must be closed for orb's area and containment math.
			if r[0] != r[len(r)-1] {
				r = append(r, r[0])
			}
			poly = append(poly, r)
		}
		if len(poly) == 0 {
			return nil, ErrEmptyGeometry
		}
		return poly, nil
	}

	return nil, ErrEmptyGeometry
}

// normalizePoint passes geographic coordinates through unchanged and runs
// projected-magnitude coordinates through the Mercator inverse.
func normalizePoint(p orb.Point) orb.Point {
	if inGeographicRange(p) {
		return p
	}
	return InverseMercator(p)
}

// inGeographicRange reports whether p plausibly is a lon/lat pair already.
func inGeographicRange(p orb.Point) bool {
	return math.Abs(p[0]) <= 180 && math.Abs(p[1]) <= 90
}

// InverseMercator converts a spherical Web-Mercator coordinate to lon/lat.
// This is deliberately the spherical approximation, not a full geodetic
// transform; for the magnitudes involved the error is well under the
// precision the client displays, and exact values would shift if this were
// replaced with an ellipsoidal inverse.
func InverseMercator(p orb.Point) orb.Point {
	lon := p[0] / earthRadius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(p[1]/earthRadius)) - math.Pi/2) * 180 / math.Pi
	return orb.Point{lon, lat}
}

// ClickDistance returns the planar distance from a click point to a
// geometry. Only point geometries report a true distance; for lines and
// polygons ok is false and callers order them after point results.
func ClickDistance(g orb.Geometry, click orb.Point) (dist float64, ok bool) {
	pt, isPoint := g.(orb.Point)
	if !isPoint {
		return 0, false
	}
	return planar.Distance(pt, click), true
}

// Bound returns the bounding box of a geometry.
func Bound(g orb.Geometry) orb.Bound {
	return g.Bound()
}
