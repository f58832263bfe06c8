package query

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openregio/regiomap/internal/arcgis"
	"github.com/openregio/regiomap/internal/catalog"
	"github.com/openregio/regiomap/internal/config"
)

// engineFixture wires a query engine against an httptest mapping server
// whose per-layer behavior is programmable.
type engineFixture struct {
	srv    *httptest.Server
	engine *Engine
	// failing maps a service path prefix to a forced HTTP 500.
	failing map[string]bool
	// features maps a service path prefix to the JSON feature array served
	// by its query endpoint.
	features map[string]string

	mu        sync.Mutex
	lastQuery map[string]string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		failing:  map[string]bool{},
		features: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		for prefix := range f.failing {
			if f.failing[prefix] && strings.HasPrefix(r.URL.Path, prefix) {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
		}
		for prefix, features := range f.features {
			if !strings.HasPrefix(r.URL.Path, prefix) {
				continue
			}
			if strings.HasSuffix(r.URL.Path, "/query") {
				f.mu.Lock()
				f.lastQuery = map[string]string{}
				for k := range r.URL.Query() {
					f.lastQuery[k] = r.URL.Query().Get(k)
				}
				f.mu.Unlock()
				fmt.Fprintf(w, `{"features":%s}`, features)
			} else {
				// Layer metadata: one string name field.
				w.Write([]byte(`{"fields":[
					{"name":"OBJECTID","type":"esriFieldTypeOID","alias":"OBJECTID"},
					{"name":"NAME","type":"esriFieldTypeString","alias":"Name"}]}`))
			}
			return
		}
		http.NotFound(w, r)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	cfg := config.Default()
	cfg.ServiceRoot = f.srv.URL
	client := arcgis.NewClient(5 * time.Second)
	cat := catalog.New(client, cfg, slog.Default())
	f.engine = NewEngine(client, cat, cfg, slog.Default())
	return f
}

func (f *engineFixture) layer(key string, kind catalog.GeomKind) catalog.Layer {
	return catalog.Layer{
		ID:          "regio-" + key + "-0",
		ServiceName: "regio/" + key,
		ServiceURL:  f.srv.URL + "/" + key + "/MapServer",
		LayerIndex:  0,
		Name:        key,
		GeomKind:    kind,
	}
}

func pointFeature(id int, name string, x, y float64) string {
	return fmt.Sprintf(`{"attributes":{"OBJECTID":%d,"NAME":%q},"geometry":{"x":%g,"y":%g}}`, id, name, x, y)
}

func TestSettleAllIsolation(t *testing.T) {
	// With one always-failing layer among N, every choice of the failing
	// layer yields N-1 successful layers and exactly one error entry.
	keys := []string{"A", "B", "C"}
	for _, failKey := range keys {
		t.Run("failing="+failKey, func(t *testing.T) {
			f := newEngineFixture(t)
			var layers []catalog.Layer
			for _, key := range keys {
				f.features["/"+key+"/"] = "[" + pointFeature(1, "Feature "+key, 9.7, 47.4) + "]"
				layers = append(layers, f.layer(key, catalog.GeomPoint))
			}
			f.failing["/"+failKey+"/"] = true

			resp, err := f.engine.SearchFeatures(context.Background(), layers, SearchOptions{Text: "feature"})
			require.NoError(t, err)

			assert.Len(t, resp.Results, len(keys)-1)
			require.Len(t, resp.Errors, 1)
			assert.Equal(t, "regio-"+failKey+"-0", resp.Errors[0].LayerID)
			assert.NotEmpty(t, resp.Errors[0].Err.Error())
			for _, r := range resp.Results {
				assert.NotEqual(t, "regio-"+failKey+"-0", r.LayerID)
			}
		})
	}
}

func TestSearchRanking(t *testing.T) {
	f := newEngineFixture(t)
	f.features["/A/"] = "[" +
		pointFeature(1, "Hobart Creek", 9.7, 47.4) + "," +
		pointFeature(2, "Hobart", 9.7, 47.4) + "," +
		pointFeature(3, "Ahobart", 9.7, 47.4) + "]"

	resp, err := f.engine.SearchFeatures(context.Background(), []catalog.Layer{f.layer("A", catalog.GeomPoint)}, SearchOptions{Text: "hobart"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, "Hobart", resp.Results[0].DisplayName)
	assert.Equal(t, "Hobart Creek", resp.Results[1].DisplayName)
	assert.Equal(t, "Ahobart", resp.Results[2].DisplayName)
}

func TestQueryAtLocationEndToEnd(t *testing.T) {
	f := newEngineFixture(t)
	// Layer A: three point features at increasing distance from the click.
	f.features["/A/"] = "[" +
		pointFeature(1, "Near", 9.7001, 47.4) + "," +
		pointFeature(2, "Far", 9.71, 47.41) + "," +
		pointFeature(3, "Mid", 9.703, 47.402) + "]"
	f.failing["/B/"] = true

	layers := []catalog.Layer{
		f.layer("A", catalog.GeomPoint),
		f.layer("B", catalog.GeomPoint),
	}

	resp, err := f.engine.QueryAtLocation(context.Background(), layers, LocationOptions{
		Point:        orb.Point{9.7, 47.4},
		WantGeometry: true,
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 3)
	assert.Equal(t, 2, resp.LayerCount)
	for _, r := range resp.Results {
		assert.Equal(t, "regio-A-0", r.LayerID)
	}
	assert.Equal(t, []string{"Near", "Mid", "Far"}, []string{
		resp.Results[0].DisplayName, resp.Results[1].DisplayName, resp.Results[2].DisplayName,
	})
	assert.True(t, resp.Results[0].Distance < resp.Results[1].Distance)
	assert.True(t, resp.Results[1].Distance < resp.Results[2].Distance)

	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "regio-B-0", resp.Errors[0].LayerID)
	assert.NotEmpty(t, resp.Errors[0].Err.Error())
}

func TestLocationRankingNonPointsAfterPoints(t *testing.T) {
	f := newEngineFixture(t)
	f.features["/A/"] = "[" + pointFeature(1, "Well", 9.7005, 47.4) + "]"
	f.features["/P/"] = `[{"attributes":{"OBJECTID":9,"NAME":"Parcel"},"geometry":{"rings":[[[9.69,47.39],[9.71,47.39],[9.71,47.41],[9.69,47.41]]]}}]`

	layers := []catalog.Layer{
		f.layer("P", catalog.GeomPolygon),
		f.layer("A", catalog.GeomPoint),
	}

	resp, err := f.engine.QueryAtLocation(context.Background(), layers, LocationOptions{
		Point:        orb.Point{9.7, 47.4},
		WantGeometry: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// Point result first despite the polygon layer being listed first.
	assert.Equal(t, "Well", resp.Results[0].DisplayName)
	assert.True(t, resp.Results[0].HasDistance)
	assert.Equal(t, "Parcel", resp.Results[1].DisplayName)
	assert.False(t, resp.Results[1].HasDistance)
}

func TestSearchFallsBackWithoutFieldMetadata(t *testing.T) {
	// A server that 404s layer metadata but answers queries with the
	// generic text parameter.
	var gotText, gotWhere string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/query") {
			gotText = r.URL.Query().Get("text")
			gotWhere = r.URL.Query().Get("where")
			w.Write([]byte(`{"features":[{"attributes":{"OBJECTID":1,"NAME":"Hit"}}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := config.Default()
	client := arcgis.NewClient(5 * time.Second)
	cat := catalog.New(client, cfg, slog.Default())
	engine := NewEngine(client, cat, cfg, slog.Default())

	layer := catalog.Layer{
		ID: "x-0", ServiceURL: srv.URL + "/X/MapServer", GeomKind: catalog.GeomPoint, Name: "X",
	}
	resp, err := engine.SearchFeatures(context.Background(), []catalog.Layer{layer}, SearchOptions{Text: "hit"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "hit", gotText)
	assert.Empty(t, gotWhere)
	assert.Empty(t, resp.Errors)
}

func TestSearchableFieldSubsetScopesWhere(t *testing.T) {
	f := newEngineFixture(t)
	f.features["/A/"] = "[]"

	layer := f.layer("A", catalog.GeomPoint)
	_, err := f.engine.SearchFeatures(context.Background(), []catalog.Layer{layer}, SearchOptions{
		Text:             "mill",
		SearchableFields: map[string][]string{layer.ID: {"NAME"}},
	})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "UPPER(NAME) LIKE '%MILL%'", f.lastQuery["where"])
}

func TestInputValidation(t *testing.T) {
	f := newEngineFixture(t)
	layers := []catalog.Layer{f.layer("A", catalog.GeomPoint)}

	_, err := f.engine.SearchFeatures(context.Background(), layers, SearchOptions{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = f.engine.SearchFeatures(context.Background(), nil, SearchOptions{Text: "x"})
	assert.ErrorIs(t, err, ErrNoActiveLayers)

	// Raster-only layers are not queryable.
	raster := []catalog.Layer{f.layer("R", catalog.GeomNone)}
	_, err = f.engine.QueryAtLocation(context.Background(), raster, LocationOptions{Point: orb.Point{9.7, 47.4}})
	assert.ErrorIs(t, err, ErrNoActiveLayers)
}

func TestResultTruncationScalesWithLayerCount(t *testing.T) {
	f := newEngineFixture(t)
	var featsA, featsB string
	for i := 0; i < 4; i++ {
		if i > 0 {
			featsA += ","
			featsB += ","
		}
		featsA += pointFeature(i, fmt.Sprintf("A%d", i), 9.7, 47.4)
		featsB += pointFeature(i, fmt.Sprintf("B%d", i), 9.7, 47.4)
	}
	f.features["/A/"] = "[" + featsA + "]"
	f.features["/B/"] = "[" + featsB + "]"

	layers := []catalog.Layer{f.layer("A", catalog.GeomPoint), f.layer("B", catalog.GeomPoint)}
	resp, err := f.engine.SearchFeatures(context.Background(), layers, SearchOptions{Text: "a", MaxPerLayer: 2})
	require.NoError(t, err)

	// Cap is maxPerLayer x layerCount, not a flat global cap.
	assert.LessOrEqual(t, len(resp.Results), 4)
}
