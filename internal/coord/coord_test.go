package coord

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   Projected
		wantOK bool
	}{
		{"space separated", "523456 5248123", Projected{523456, 5248123}, true},
		{"comma separated", "523456, 5248123", Projected{523456, 5248123}, true},
		{"comma no space", "523456,5248123", Projected{523456, 5248123}, true},
		{"extra whitespace", "  523456 \t 5248123  ", Projected{523456, 5248123}, true},
		{"decimals", "523456.5, 5248123.25", Projected{523456.5, 5248123.25}, true},
		{"non numeric", "abc", Projected{}, false},
		{"one token", "523456", Projected{}, false},
		{"three tokens", "1 2 3", Projected{}, false},
		{"one numeric one not", "523456 north", Projected{}, false},
		{"empty", "", Projected{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(523456, 5248123))

	err := Validate(100, 5200000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "easting")
	assert.Contains(t, err.Error(), "below the minimum")

	err = Validate(523456, 9999999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "northing")
}

func TestToGeographic(t *testing.T) {
	pt, err := ToGeographic(523456, 5248123)
	require.NoError(t, err)

	lon, lat := pt[0], pt[1]
	assert.Greater(t, lon, RegionLonMin)
	assert.Less(t, lon, RegionLonMax)
	assert.Greater(t, lat, RegionLatMin)
	assert.Less(t, lat, RegionLatMax)

	// Easting at the central meridian must come back at longitude 9.
	pt, err = ToGeographic(500000, 5248123)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, pt[0], 1e-6)
}

func TestToGeographicOutOfRegion(t *testing.T) {
	// A northing near the far end of the valid band converts to a latitude
	// outside the service region; the mismatch must be reported, not
	// silently returned.
	_, err := ToGeographic(500000, 5499000)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "outside the service region"))
}

func TestToGeographicRejectsInvalidInput(t *testing.T) {
	_, err := ToGeographic(100, 5200000)
	require.Error(t, err)
}
