// Package coord converts between the regional projected coordinate system
// (UTM zone 32N on WGS84) and geographic coordinates, and parses free-text
// coordinate input.
package coord

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// WGS84 ellipsoid and UTM zone 32N parameters.
const (
	semiMajor     = 6378137.0
	flattening    = 1 / 298.257223563
	scaleFactor   = 0.9996
	falseEasting  = 500000.0
	centralLonZ32 = 9.0
)

// Valid input ranges for the projected system. Northing is restricted to the
// band the regional services actually cover, so a northing from a different
// hemisphere or zone is rejected before conversion.
const (
	EastingMin  = 100000.0
	EastingMax  = 900000.0
	NorthingMin = 5000000.0
	NorthingMax = 5500000.0
)

// Geographic bounds of the service region. Conversion output outside these
// bounds indicates a zone or datum mismatch in the input.
const (
	RegionLonMin = 9.0
	RegionLonMax = 10.5
	RegionLatMin = 46.7
	RegionLatMax = 47.7
)

// Projected is an easting/northing pair in the regional projected system.
type Projected struct {
	Easting  float64
	Northing float64
}

// Parse extracts an easting/northing pair from free text. It accepts
// "E N", "E, N" and "E,N" with arbitrary surrounding whitespace. Any input
// that does not reduce to exactly two numeric tokens is rejected; there is
// no partial success.
func Parse(text string) (Projected, bool) {
	normalized := strings.ReplaceAll(text, ",", " ")
	tokens := strings.Fields(normalized)
	if len(tokens) != 2 {
		return Projected{}, false
	}
	e, err := strconv.ParseFloat(tokens[0], 64)
	if err != nil {
		return Projected{}, false
	}
	n, err := strconv.ParseFloat(tokens[1], 64)
	if err != nil {
		return Projected{}, false
	}
	return Projected{Easting: e, Northing: n}, true
}

// Validate range-checks a projected coordinate pair. The returned error names
// the bound that failed so it can be shown to the user verbatim.
func Validate(easting, northing float64) error {
	if easting < EastingMin {
		return fmt.Errorf("easting %.0f is below the minimum of %.0f", easting, EastingMin)
	}
	if easting > EastingMax {
		return fmt.Errorf("easting %.0f is above the maximum of %.0f", easting, EastingMax)
	}
	if northing < NorthingMin {
		return fmt.Errorf("northing %.0f is below the minimum of %.0f", northing, NorthingMin)
	}
	if northing > NorthingMax {
		return fmt.Errorf("northing %.0f is above the maximum of %.0f", northing, NorthingMax)
	}
	return nil
}

// ToGeographic converts a projected coordinate pair to a geographic lon/lat
// point. The result is sanity-checked against the service region's bounds;
// an out-of-region result means the input was valid-looking but belonged to
// a different zone or datum, and is reported as an error rather than
// returned as a plausible wrong answer.
func ToGeographic(easting, northing float64) (orb.Point, error) {
	if err := Validate(easting, northing); err != nil {
		return orb.Point{}, err
	}

	lon, lat := utmInverse(easting, northing)

	if lon < RegionLonMin || lon > RegionLonMax || lat < RegionLatMin || lat > RegionLatMax {
		return orb.Point{}, fmt.Errorf(
			"converted coordinate (%.5f, %.5f) is outside the service region; check that the input is zone 32N easting/northing",
			lon, lat)
	}
	return orb.Point{lon, lat}, nil
}

// utmInverse applies the standard series expansion for the inverse transverse
// Mercator projection (USGS Professional Paper 1395 formulation).
func utmInverse(easting, northing float64) (lon, lat float64) {
	e2 := flattening * (2 - flattening)
	ep2 := e2 / (1 - e2)
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	x := easting - falseEasting
	m := northing / scaleFactor

	mu := m / (semiMajor * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))

	phi1 := mu +
		(3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*e1*e1*e1*e1/512)*math.Sin(8*mu)

	sinPhi1 := math.Sin(phi1)
	cosPhi1 := math.Cos(phi1)
	tanPhi1 := math.Tan(phi1)

	c1 := ep2 * cosPhi1 * cosPhi1
	t1 := tanPhi1 * tanPhi1
	n1 := semiMajor / math.Sqrt(1-e2*sinPhi1*sinPhi1)
	r1 := semiMajor * (1 - e2) / math.Pow(1-e2*sinPhi1*sinPhi1, 1.5)
	d := x / (n1 * scaleFactor)

	latRad := phi1 - (n1*tanPhi1/r1)*
		(d*d/2-
			(5+3*t1+10*c1-4*c1*c1-9*ep2)*d*d*d*d/24+
			(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*d*d*d*d*d*d/720)

	lonRad := (d -
		(1+2*t1+c1)*d*d*d/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*d*d*d*d*d/120) / cosPhi1

	lat = latRad * 180 / math.Pi
	lon = centralLonZ32 + lonRad*180/math.Pi
	return lon, lat
}
