package geometry

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openregio/regiomap/internal/arcgis"
)

func ptr(f float64) *float64 { return &f }

func TestFromWirePointGeographicPassthrough(t *testing.T) {
	g, err := FromWire(&arcgis.Geometry{X: ptr(9.74), Y: ptr(47.41)})
	require.NoError(t, err)
	pt, ok := g.(orb.Point)
	require.True(t, ok)
	assert.Equal(t, orb.Point{9.74, 47.41}, pt)
}

func TestFromWirePointProjectedIsInverted(t *testing.T) {
	// Web-Mercator coordinates for roughly (9.74, 47.41).
	g, err := FromWire(&arcgis.Geometry{X: ptr(1084000.0), Y: ptr(6008000.0)})
	require.NoError(t, err)
	pt, ok := g.(orb.Point)
	require.True(t, ok)
	assert.InDelta(t, 9.74, pt[0], 0.01)
	assert.InDelta(t, 47.41, pt[1], 0.01)
}

func TestFromWirePolyline(t *testing.T) {
	g, err := FromWire(&arcgis.Geometry{
		Paths: [][][]float64{
			{{9.7, 47.4}, {9.71, 47.41}},
			{{9.8, 47.5}, {9.81, 47.51}, {9.82, 47.52}},
		},
	})
	require.NoError(t, err)
	ml, ok := g.(orb.MultiLineString)
	require.True(t, ok)
	require.Len(t, ml, 2)
	assert.Len(t, ml[1], 3)
	assert.Equal(t, orb.Point{9.7, 47.4}, ml[0][0])
}

func TestFromWirePolygonClosesRings(t *testing.T) {
	g, err := FromWire(&arcgis.Geometry{
		Rings: [][][]float64{
			{{9.7, 47.4}, {9.8, 47.4}, {9.8, 47.5}}, // not closed
		},
	})
	require.NoError(t, err)
	poly, ok := g.(orb.Polygon)
	require.True(t, ok)
	require.Len(t, poly, 1)
	require.Len(t, poly[0], 4)
	assert.Equal(t, poly[0][0], poly[0][3])
}

func TestFromWireEmpty(t *testing.T) {
	_, err := FromWire(nil)
	assert.ErrorIs(t, err, ErrEmptyGeometry)

	_, err = FromWire(&arcgis.Geometry{})
	assert.ErrorIs(t, err, ErrEmptyGeometry)
}

func TestClickDistance(t *testing.T) {
	d, ok := ClickDistance(orb.Point{9.7, 47.4}, orb.Point{9.7, 47.5})
	require.True(t, ok)
	assert.InDelta(t, 0.1, d, 1e-9)

	_, ok = ClickDistance(orb.MultiLineString{{{9.7, 47.4}, {9.8, 47.4}}}, orb.Point{9.7, 47.4})
	assert.False(t, ok)
}

func TestInverseMercatorRoundsTrip(t *testing.T) {
	// The equator/prime-meridian origin maps to (0, 0).
	pt := InverseMercator(orb.Point{0, 0})
	assert.InDelta(t, 0.0, pt[0], 1e-9)
	assert.InDelta(t, 0.0, pt[1], 1e-9)
}
