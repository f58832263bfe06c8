package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openregio/regiomap/internal/arcgis"
	"github.com/openregio/regiomap/internal/config"
)

// fakeServer simulates the remote directory with one standard and one
// basemap namespace.
type fakeServer struct {
	*httptest.Server
	describeCalls  atomic.Int64
	fieldCalls     atomic.Int64
	failStandard   bool
	failBasemaps   bool
	failFieldsOnce atomic.Bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/arcgis/rest/services/regio", func(w http.ResponseWriter, r *http.Request) {
		if fs.failStandard {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"services":[
			{"name":"regio/Water","type":"MapServer"},
			{"name":"regio/Cadastre","type":"MapServer"},
			{"name":"regio/Geocode","type":"GeocodeServer"}]}`))
	})
	mux.HandleFunc("/arcgis/rest/services/regio_raster", func(w http.ResponseWriter, r *http.Request) {
		if fs.failBasemaps {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"services":[{"name":"regio_raster/Ortho","type":"MapServer"}]}`))
	})

	mux.HandleFunc("/arcgis/rest/services/regio/Water/MapServer", func(w http.ResponseWriter, r *http.Request) {
		fs.describeCalls.Add(1)
		w.Write([]byte(`{"mapName":"Water","layers":[
			{"id":0,"name":"Rivers","type":"Feature Layer","geometryType":"esriGeometryPolyline","defaultVisibility":true},
			{"id":1,"name":"Wells","type":"Feature Layer","geometryType":"esriGeometryPoint"},
			{"id":2,"name":"Hydrology","type":"Group Layer"}]}`))
	})
	mux.HandleFunc("/arcgis/rest/services/regio/Cadastre/MapServer", func(w http.ResponseWriter, r *http.Request) {
		fs.describeCalls.Add(1)
		w.Write([]byte(`{"mapName":"Cadastre","layers":[
			{"id":0,"name":"Parcels","type":"Feature Layer","geometryType":"esriGeometryPolygon"}]}`))
	})
	mux.HandleFunc("/arcgis/rest/services/regio_raster/Ortho/MapServer", func(w http.ResponseWriter, r *http.Request) {
		fs.describeCalls.Add(1)
		w.Write([]byte(`{"mapName":"Orthophoto","description":"Aerial imagery","layers":[]}`))
	})

	mux.HandleFunc("/arcgis/rest/services/regio/Water/MapServer/1", func(w http.ResponseWriter, r *http.Request) {
		fs.fieldCalls.Add(1)
		if fs.failFieldsOnce.CompareAndSwap(true, false) {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id":1,"name":"Wells","fields":[
			{"name":"OBJECTID","type":"esriFieldTypeOID","alias":"OBJECTID"},
			{"name":"NAME","type":"esriFieldTypeString","alias":"Name"},
			{"name":"DEPTH_M","type":"esriFieldTypeDouble","alias":"Depth"}]}`))
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func testConfig(root string) config.Config {
	cfg := config.Default()
	cfg.ServiceRoot = root + "/arcgis/rest/services"
	cfg.Namespaces = []config.Namespace{
		{Name: "standard", Path: "regio"},
		{Name: "basemaps", Path: "regio_raster", Basemap: true},
	}
	cfg.DescribeBatchDelay = 0
	return cfg
}

func newTestCatalog(t *testing.T, fs *fakeServer) *Catalog {
	t.Helper()
	client := arcgis.NewClient(5 * time.Second)
	return New(client, testConfig(fs.URL), slog.Default())
}

func TestLoadAllLayers(t *testing.T) {
	fs := newFakeServer(t)
	cat := newTestCatalog(t, fs)

	layers, err := cat.LoadAllLayers(context.Background())
	require.NoError(t, err)

	// Water contributes 2 (group layer skipped), Cadastre 1, and the empty
	// basemap service is synthesized into a single virtual layer.
	require.Len(t, layers, 4)

	byID := map[string]Layer{}
	for _, l := range layers {
		byID[l.ID] = l
	}

	rivers := byID["regio-water-0"]
	assert.Equal(t, "Rivers", rivers.Name)
	assert.Equal(t, GeomLine, rivers.GeomKind)
	assert.True(t, rivers.DefaultVisible)

	wells := byID["regio-water-1"]
	assert.Equal(t, GeomPoint, wells.GeomKind)

	ortho := byID["regio_raster-ortho-0"]
	assert.Equal(t, "Orthophoto", ortho.Name)
	assert.Equal(t, GeomNone, ortho.GeomKind)
	assert.True(t, ortho.Basemap)
}

func TestLoadAllLayersMemoized(t *testing.T) {
	fs := newFakeServer(t)
	cat := newTestCatalog(t, fs)

	_, err := cat.LoadAllLayers(context.Background())
	require.NoError(t, err)
	first := fs.describeCalls.Load()

	_, err = cat.LoadAllLayers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, fs.describeCalls.Load())
}

func TestDescribeServiceMemoized(t *testing.T) {
	fs := newFakeServer(t)
	cat := newTestCatalog(t, fs)

	ref := ServiceRef{
		Name: "regio/Water",
		URL:  fs.URL + "/arcgis/rest/services/regio/Water/MapServer",
	}

	_, err := cat.DescribeService(context.Background(), ref)
	require.NoError(t, err)
	_, err = cat.DescribeService(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fs.describeCalls.Load())

	cat.ClearCache()
	_, err = cat.DescribeService(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fs.describeCalls.Load())
}

func TestDiscoverSurvivesOneNamespaceFailure(t *testing.T) {
	fs := newFakeServer(t)
	fs.failBasemaps = true
	cat := newTestCatalog(t, fs)

	refs, err := cat.DiscoverServices(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.False(t, ref.Basemap)
	}
}

func TestDiscoverAllNamespacesFailing(t *testing.T) {
	fs := newFakeServer(t)
	fs.failStandard = true
	fs.failBasemaps = true
	cat := newTestCatalog(t, fs)

	_, err := cat.DiscoverServices(context.Background())
	require.Error(t, err)
}

func TestFieldsMemoizedAndRetriedAfterFailure(t *testing.T) {
	fs := newFakeServer(t)
	cat := newTestCatalog(t, fs)

	_, err := cat.LoadAllLayers(context.Background())
	require.NoError(t, err)
	wells, ok := cat.Get("regio-water-1")
	require.True(t, ok)

	// First attempt fails; the failure must not be cached.
	fs.failFieldsOnce.Store(true)
	_, err = cat.Fields(context.Background(), wells)
	require.Error(t, err)

	fields, err := cat.Fields(context.Background(), wells)
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "esriFieldTypeString", fields[1].Type)

	// Now memoized: no further fetch.
	calls := fs.fieldCalls.Load()
	_, err = cat.Fields(context.Background(), wells)
	require.NoError(t, err)
	assert.Equal(t, calls, fs.fieldCalls.Load())
}

func TestSearchLayers(t *testing.T) {
	layers := []Layer{
		{Name: "Rivers", ServiceName: "regio/Water", Description: "flowing water"},
		{Name: "Parcels", ServiceName: "regio/Cadastre"},
		{Name: "Wells", ServiceName: "regio/Water"},
	}

	assert.Len(t, SearchLayers(layers, ""), 3)
	assert.Len(t, SearchLayers(layers, "water"), 2)

	got := SearchLayers(layers, "PARCEL")
	require.Len(t, got, 1)
	assert.Equal(t, "Parcels", got[0].Name)

	got = SearchLayers(layers, "flowing")
	require.Len(t, got, 1)
	assert.Equal(t, "Rivers", got[0].Name)
}

func TestGroupByService(t *testing.T) {
	layers := []Layer{
		{Name: "Rivers", ServiceName: "regio/Water"},
		{Name: "Parcels", ServiceName: "regio/Cadastre"},
		{Name: "Wells", ServiceName: "regio/Water"},
	}

	groups := GroupByService(layers)
	require.Len(t, groups, 2)
	// First-seen order is preserved.
	assert.Equal(t, "regio/Water", groups[0].Service)
	assert.Equal(t, []string{"Rivers", "Wells"}, []string{groups[0].Layers[0].Name, groups[0].Layers[1].Name})
	assert.Equal(t, "regio/Cadastre", groups[1].Service)
}
