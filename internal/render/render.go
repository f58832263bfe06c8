// Package render is the imperative boundary to the map rendering surface.
// The session store owns canonical state; this package projects that state
// onto the surface. Calls are guarded by existence checks so reconciliation
// stays idempotent with respect to already-present ids.
package render

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/openregio/regiomap/internal/catalog"
	"github.com/openregio/regiomap/internal/query"
)

// SourceSpec describes a data source for the rendering surface.
type SourceSpec struct {
	Type  string // "geojson" or "raster"
	Data  *geojson.FeatureCollection
	Tiles []string
}

// LayerSpec describes one rendering-surface layer.
type LayerSpec struct {
	ID       string
	SourceID string
	Type     string // "circle", "line", "fill", "raster", ...
	Paint    map[string]any
	Layout   map[string]any
}

// Map is the rendering-surface contract. Implementations wrap the actual
// surface; FakeMap records calls for tests.
type Map interface {
	HasSource(id string) bool
	AddSource(id string, src SourceSpec)
	RemoveSource(id string)

	HasLayer(id string) bool
	// AddLayer inserts the layer before beforeID, or on top when beforeID
	// is empty.
	AddLayer(spec LayerSpec, beforeID string)
	RemoveLayer(id string)
	// LayerIDs returns the surface's current layer stack, bottom to top.
	LayerIDs() []string
	LayerType(id string) string

	SetPaintProperty(layerID, key string, value any)
	SetLayoutProperty(layerID, key string, value any)

	FlyTo(center orb.Point, zoom float64)
	FitBounds(b orb.Bound)
	EaseTo(bearing, pitch float64)
}

// Managed-id prefixes. Everything the reconciler adds to the surface is
// namespaced so it can be told apart from base-style layers.
const (
	sourcePrefix = "regiomap-src-"
	layerPrefix  = "regiomap-lyr-"

	resultPointsID   = "regiomap-results-points"
	resultLinesID    = "regiomap-results-lines"
	resultPolygonsID = "regiomap-results-polygons"
)

// anchorCategories are the label-layer id fragments searched for the
// insertion anchor, in priority order: place labels, then point-of-interest
// labels, then road-name labels. Data layers are inserted below the first
// match so base-style labels stay readable on top.
var anchorCategories = [][]string{
	{"place-label", "place_label", "settlement-label"},
	{"poi-label", "poi_label"},
	{"road-label", "road_label", "road-name"},
}

// LayerState is the per-layer view the reconciler projects onto the surface.
type LayerState struct {
	Layer   catalog.Layer
	Opacity float64
	Visible bool
}

// Reconciler keeps the rendering surface in lock-step with session state.
type Reconciler struct {
	m   Map
	log *slog.Logger
}

// NewReconciler wraps a rendering surface.
func NewReconciler(m Map, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{m: m, log: log}
}

// Sync projects the active layer list, given bottom-to-top in render order,
// onto the surface. The surface's layer stack has no atomic move primitive,
// so ordering changes remove and re-add every managed layer relative to a
// freshly computed insertion anchor.
func (r *Reconciler) Sync(active []LayerState) {
	// Drop every managed data layer; result overlays are handled by
	// PaintResults and stay put. Sources are kept: a deactivated layer's
	// source is reused when the layer is toggled back on.
	for _, id := range r.m.LayerIDs() {
		if !strings.HasPrefix(id, layerPrefix) {
			continue
		}
		r.m.RemoveLayer(id)
	}

	// The anchor search must re-run on every reconciliation: the style's
	// layer list is not stable across basemap switches.
	anchor := r.anchorLayerID()

	for _, ls := range active {
		r.ensureSource(ls.Layer)
		spec := layerSpec(ls)
		if r.m.HasLayer(spec.ID) {
			continue
		}
		r.m.AddLayer(spec, anchor)
	}
}

// anchorLayerID finds the base-style layer below which data layers are
// inserted. Returns empty when data layers should go on top.
func (r *Reconciler) anchorLayerID() string {
	ids := r.m.LayerIDs()

	for _, category := range anchorCategories {
		for _, id := range ids {
			if strings.HasPrefix(id, layerPrefix) || isResultOverlay(id) {
				continue
			}
			for _, fragment := range category {
				if strings.Contains(id, fragment) {
					return id
				}
			}
		}
	}

	for _, id := range ids {
		if strings.HasPrefix(id, layerPrefix) || isResultOverlay(id) {
			continue
		}
		if r.m.LayerType(id) == "background" {
			continue
		}
		return id
	}
	return ""
}

func isResultOverlay(id string) bool {
	return id == resultPointsID || id == resultLinesID || id == resultPolygonsID
}

// ApplyOpacity updates a live layer's opacity paint property directly,
// without a full reconciliation, for responsiveness while dragging a
// slider.
func (r *Reconciler) ApplyOpacity(ls LayerState) {
	id := layerID(ls.Layer.ID)
	if !r.m.HasLayer(id) {
		return
	}
	r.m.SetPaintProperty(id, opacityKey(ls.Layer.GeomKind), ls.Opacity)
}

// ApplyVisibility updates a live layer's visibility layout property.
func (r *Reconciler) ApplyVisibility(ls LayerState) {
	id := layerID(ls.Layer.ID)
	if !r.m.HasLayer(id) {
		return
	}
	r.m.SetLayoutProperty(id, "visibility", visibilityValue(ls.Visible))
}

// PaintResults draws marker overlays for query results, one overlay per
// geometry kind, replacing whatever was painted before. Overlays sit at the
// very top of the stack.
func (r *Reconciler) PaintResults(results []query.Result) {
	r.ClearResults()

	points := geojson.NewFeatureCollection()
	lines := geojson.NewFeatureCollection()
	polygons := geojson.NewFeatureCollection()
	for _, res := range results {
		if res.Geometry == nil {
			continue
		}
		f := geojson.NewFeature(res.Geometry)
		f.Properties["id"] = res.ID
		f.Properties["name"] = res.DisplayName
		f.Properties["layer"] = res.LayerName
		switch res.Geometry.(type) {
		case orb.Point:
			points.Append(f)
		case orb.LineString, orb.MultiLineString:
			lines.Append(f)
		case orb.Polygon, orb.MultiPolygon:
			polygons.Append(f)
		}
	}

	r.paintOverlay(resultPointsID, points, LayerSpec{
		ID: resultPointsID, SourceID: resultPointsID, Type: "circle",
		Paint: map[string]any{
			"circle-color":        "#e8590c",
			"circle-radius":       7,
			"circle-stroke-color": "#ffffff",
			"circle-stroke-width": 2,
		},
	})
	r.paintOverlay(resultLinesID, lines, LayerSpec{
		ID: resultLinesID, SourceID: resultLinesID, Type: "line",
		Paint: map[string]any{"line-color": "#e8590c", "line-width": 3},
	})
	r.paintOverlay(resultPolygonsID, polygons, LayerSpec{
		ID: resultPolygonsID, SourceID: resultPolygonsID, Type: "fill",
		Paint: map[string]any{"fill-color": "#e8590c", "fill-opacity": 0.35},
	})
}

func (r *Reconciler) paintOverlay(id string, fc *geojson.FeatureCollection, spec LayerSpec) {
	if len(fc.Features) == 0 {
		return
	}
	r.m.AddSource(id, SourceSpec{Type: "geojson", Data: fc})
	r.m.AddLayer(spec, "")
}

// ClearResults removes all result overlays.
func (r *Reconciler) ClearResults() {
	for _, id := range []string{resultPointsID, resultLinesID, resultPolygonsID} {
		if r.m.HasLayer(id) {
			r.m.RemoveLayer(id)
		}
		if r.m.HasSource(id) {
			r.m.RemoveSource(id)
		}
	}
}

// FlyTo moves the camera to a point.
func (r *Reconciler) FlyTo(center orb.Point, zoom float64) {
	r.m.FlyTo(center, zoom)
}

// FitBounds frames a bounding box.
func (r *Reconciler) FitBounds(b orb.Bound) {
	r.m.FitBounds(b)
}

// EaseTo rotates and tilts the camera in place.
func (r *Reconciler) EaseTo(bearing, pitch float64) {
	r.m.EaseTo(bearing, pitch)
}

// ensureSource adds the layer's source if it is not present yet.
func (r *Reconciler) ensureSource(layer catalog.Layer) {
	id := sourceID(layer.ID)
	if r.m.HasSource(id) {
		return
	}
	if layer.GeomKind == catalog.GeomNone {
		r.m.AddSource(id, SourceSpec{
			Type:  "raster",
			Tiles: []string{layer.ServiceURL + "/tile/{z}/{y}/{x}"},
		})
		return
	}
	r.m.AddSource(id, SourceSpec{
		Type: "geojson",
		Data: geojson.NewFeatureCollection(),
	})
}

// layerSpec builds the rendering layer for one active layer.
func layerSpec(ls LayerState) LayerSpec {
	spec := LayerSpec{
		ID:       layerID(ls.Layer.ID),
		SourceID: sourceID(ls.Layer.ID),
		Layout:   map[string]any{"visibility": visibilityValue(ls.Visible)},
	}
	switch ls.Layer.GeomKind {
	case catalog.GeomPoint:
		spec.Type = "circle"
		spec.Paint = map[string]any{
			"circle-color":   "#1d6fb8",
			"circle-radius":  5,
			"circle-opacity": ls.Opacity,
		}
	case catalog.GeomLine:
		spec.Type = "line"
		spec.Paint = map[string]any{
			"line-color":   "#1d6fb8",
			"line-width":   2,
			"line-opacity": ls.Opacity,
		}
	case catalog.GeomPolygon:
		spec.Type = "fill"
		spec.Paint = map[string]any{
			"fill-color":         "#1d6fb8",
			"fill-outline-color": "#14507f",
			"fill-opacity":       ls.Opacity,
		}
	default:
		spec.Type = "raster"
		spec.Paint = map[string]any{"raster-opacity": ls.Opacity}
	}
	return spec
}

func opacityKey(kind catalog.GeomKind) string {
	switch kind {
	case catalog.GeomPoint:
		return "circle-opacity"
	case catalog.GeomLine:
		return "line-opacity"
	case catalog.GeomPolygon:
		return "fill-opacity"
	default:
		return "raster-opacity"
	}
}

func visibilityValue(visible bool) string {
	if visible {
		return "visible"
	}
	return "none"
}

func sourceID(layerID string) string { return sourcePrefix + layerID }

func layerID(catalogID string) string { return fmt.Sprintf("%s%s", layerPrefix, catalogID) }
