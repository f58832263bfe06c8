// Package query fans feature queries out across active layers. Every
// per-layer request runs concurrently and fails independently: the join
// waits for all outcomes and partitions them into results and per-layer
// errors, so one slow or broken service never blocks or voids its siblings.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb"

	"github.com/openregio/regiomap/internal/arcgis"
	"github.com/openregio/regiomap/internal/catalog"
	"github.com/openregio/regiomap/internal/config"
	"github.com/openregio/regiomap/internal/geometry"
)

// Input validation errors, reported synchronously before any remote call.
var (
	ErrNoActiveLayers = errors.New("no active layers to query")
	ErrEmptyQuery     = errors.New("search text is empty")
)

// Result is one feature returned by a layer query.
type Result struct {
	// ID combines the layer id with the remote object id, or with the
	// feature's position when the layer has no object id field.
	ID          string
	LayerID     string
	LayerName   string
	ServiceName string
	Attributes  map[string]any
	// Geometry is nil when the query did not request geometry.
	Geometry    orb.Geometry
	DisplayName string
	Detail      string
	// Distance is the planar distance to the click point; only set for
	// point features of location queries.
	Distance    float64
	HasDistance bool
}

// Bound returns the result geometry's bounding box.
func (r Result) Bound() (orb.Bound, bool) {
	if r.Geometry == nil {
		return orb.Bound{}, false
	}
	return r.Geometry.Bound(), true
}

// LayerError records one layer's failure during a fan-out.
type LayerError struct {
	LayerID string
	Err     error
}

func (e LayerError) Error() string {
	return fmt.Sprintf("layer %s: %v", e.LayerID, e.Err)
}

func (e LayerError) Unwrap() error { return e.Err }

// Engine runs text and location queries against a set of layers.
type Engine struct {
	client         *arcgis.Client
	catalog        *catalog.Catalog
	log            *slog.Logger
	clickHalfWidth float64
	maxPerLayer    int
}

// NewEngine creates a query engine.
func NewEngine(client *arcgis.Client, cat *catalog.Catalog, cfg config.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	halfWidth := cfg.ClickHalfWidthDeg
	if halfWidth <= 0 {
		halfWidth = 1e-4
	}
	maxPerLayer := cfg.MaxResultsPerLayer
	if maxPerLayer <= 0 {
		maxPerLayer = 50
	}
	return &Engine{
		client:         client,
		catalog:        cat,
		log:            log,
		clickHalfWidth: halfWidth,
		maxPerLayer:    maxPerLayer,
	}
}

// SearchOptions shapes a text search.
type SearchOptions struct {
	Text         string
	MaxPerLayer  int
	WantGeometry bool
	// SearchableFields maps layer id to the user's chosen field subset.
	// An absent or empty entry means all supported field types.
	SearchableFields map[string][]string
}

// SearchResponse aggregates a text search across layers.
type SearchResponse struct {
	Results []Result
	Errors  []LayerError
	Total   int
}

// SearchFeatures searches for text across the queryable layers. Results are
// ranked exact match, then prefix match, then alphabetical, all case-folded,
// and the merged list is capped at maxPerLayer times the queried layer count.
func (e *Engine) SearchFeatures(ctx context.Context, layers []catalog.Layer, opts SearchOptions) (SearchResponse, error) {
	text := strings.TrimSpace(opts.Text)
	if text == "" {
		return SearchResponse{}, ErrEmptyQuery
	}
	queryable := queryableLayers(layers)
	if len(queryable) == 0 {
		return SearchResponse{}, ErrNoActiveLayers
	}
	maxPerLayer := opts.MaxPerLayer
	if maxPerLayer <= 0 {
		maxPerLayer = e.maxPerLayer
	}

	outcomes := e.settleAll(ctx, queryable, func(ctx context.Context, layer catalog.Layer) ([]arcgis.Feature, error) {
		params := arcgis.QueryParams{
			ReturnGeometry: opts.WantGeometry,
			MaxRecords:     maxPerLayer,
		}
		fields, err := e.catalog.Fields(ctx, layer)
		if err != nil {
			// Field metadata is unavailable; degrade to the generic text
			// parameter instead of failing the layer outright.
			e.log.Debug("field fetch failed, using generic text query", "layer", layer.ID, "error", err)
			params.Text = text
		} else {
			where := buildWhere(fields, opts.SearchableFields[layer.ID], text)
			if where == "" {
				params.Text = text
			} else {
				params.Where = where
			}
		}
		resp, err := e.client.Query(ctx, layer.ServiceURL, layer.LayerIndex, params)
		if err != nil {
			return nil, err
		}
		return resp.Features, nil
	})

	results, layerErrs := e.partition(outcomes, nil)
	rankSearch(results, text)
	results = truncate(results, maxPerLayer*len(queryable))

	return SearchResponse{Results: results, Errors: layerErrs, Total: len(results)}, nil
}

// LocationOptions shapes a click query.
type LocationOptions struct {
	Point        orb.Point
	MaxPerLayer  int
	WantGeometry bool
}

// LocationResponse aggregates a click query across layers.
type LocationResponse struct {
	Results []Result
	Errors  []LayerError
	// LayerCount is the number of layers actually queried.
	LayerCount int
}

// QueryAtLocation finds features intersecting a small envelope around a
// geographic point. The remote query dialect does not reliably support
// tolerance-based point queries, so a symmetric bounding envelope stands in
// for a point-radius search. Point results sort ascending by distance to
// the click; line and polygon results follow, ordered by layer then name.
func (e *Engine) QueryAtLocation(ctx context.Context, layers []catalog.Layer, opts LocationOptions) (LocationResponse, error) {
	queryable := queryableLayers(layers)
	if len(queryable) == 0 {
		return LocationResponse{}, ErrNoActiveLayers
	}
	maxPerLayer := opts.MaxPerLayer
	if maxPerLayer <= 0 {
		maxPerLayer = e.maxPerLayer
	}

	envelope := &arcgis.Envelope{
		XMin:             opts.Point[0] - e.clickHalfWidth,
		YMin:             opts.Point[1] - e.clickHalfWidth,
		XMax:             opts.Point[0] + e.clickHalfWidth,
		YMax:             opts.Point[1] + e.clickHalfWidth,
		SpatialReference: arcgis.SpatialReference{WKID: 4326},
	}

	outcomes := e.settleAll(ctx, queryable, func(ctx context.Context, layer catalog.Layer) ([]arcgis.Feature, error) {
		resp, err := e.client.Query(ctx, layer.ServiceURL, layer.LayerIndex, arcgis.QueryParams{
			Envelope:       envelope,
			ReturnGeometry: opts.WantGeometry,
			MaxRecords:     maxPerLayer,
		})
		if err != nil {
			return nil, err
		}
		return resp.Features, nil
	})

	clickPt := opts.Point
	results, layerErrs := e.partition(outcomes, &clickPt)
	rankLocation(results)
	results = truncate(results, maxPerLayer*len(queryable))

	return LocationResponse{Results: results, Errors: layerErrs, LayerCount: len(queryable)}, nil
}

// outcome is one layer's settled fan-out result.
type outcome struct {
	layer    catalog.Layer
	features []arcgis.Feature
	err      error
}

// settleAll runs fn once per layer concurrently and waits for every outcome.
// It never short-circuits: a failing layer lands in its outcome slot and the
// siblings keep running.
func (e *Engine) settleAll(ctx context.Context, layers []catalog.Layer, fn func(context.Context, catalog.Layer) ([]arcgis.Feature, error)) []outcome {
	outcomes := make([]outcome, len(layers))
	var wg sync.WaitGroup
	for i, layer := range layers {
		i, layer := i, layer
		wg.Add(1)
		go func() {
			defer wg.Done()
			features, err := fn(ctx, layer)
			outcomes[i] = outcome{layer: layer, features: features, err: err}
		}()
	}
	wg.Wait()
	return outcomes
}

// partition routes settled outcomes into results and per-layer errors.
// click, when non-nil, is the click point used to compute distances.
func (e *Engine) partition(outcomes []outcome, click *orb.Point) ([]Result, []LayerError) {
	var results []Result
	var layerErrs []LayerError
	for _, o := range outcomes {
		if o.err != nil {
			e.log.Debug("layer query failed", "layer", o.layer.ID, "error", o.err)
			layerErrs = append(layerErrs, LayerError{LayerID: o.layer.ID, Err: o.err})
			continue
		}
		for i, f := range o.features {
			results = append(results, e.toResult(o.layer, f, i, click))
		}
	}
	return results, layerErrs
}

// toResult converts one wire feature into a Result.
func (e *Engine) toResult(layer catalog.Layer, f arcgis.Feature, position int, click *orb.Point) Result {
	r := Result{
		ID:          featureID(layer.ID, f.Attributes, position),
		LayerID:     layer.ID,
		LayerName:   layer.Name,
		ServiceName: layer.ServiceName,
		Attributes:  f.Attributes,
	}
	r.DisplayName, r.Detail = displayValues(f.Attributes, layer.Name)

	if f.Geometry != nil {
		g, err := geometry.FromWire(f.Geometry)
		if err == nil {
			r.Geometry = g
			if click != nil {
				if d, ok := geometry.ClickDistance(g, *click); ok {
					r.Distance = d
					r.HasDistance = true
				}
			}
		}
	}
	return r
}

// queryableLayers drops layers that carry no vector features.
func queryableLayers(layers []catalog.Layer) []catalog.Layer {
	var out []catalog.Layer
	for _, l := range layers {
		if l.GeomKind == catalog.GeomNone {
			continue
		}
		out = append(out, l)
	}
	return out
}

// truncate caps results at n.
func truncate(results []Result, n int) []Result {
	if len(results) <= n {
		return results
	}
	return results[:n]
}

// rankSearch orders results exact match first, then prefix match, then
// alphabetically, all case-folded.
func rankSearch(results []Result, text string) {
	needle := strings.ToLower(strings.TrimSpace(text))
	category := func(r Result) int {
		name := strings.ToLower(r.DisplayName)
		switch {
		case name == needle:
			return 0
		case strings.HasPrefix(name, needle):
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		ci, cj := category(results[i]), category(results[j])
		if ci != cj {
			return ci < cj
		}
		return strings.ToLower(results[i].DisplayName) < strings.ToLower(results[j].DisplayName)
	})
}

// rankLocation orders point results ascending by distance to the click;
// results without a distance follow, by layer name then display name.
func rankLocation(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.HasDistance != b.HasDistance {
			return a.HasDistance
		}
		if a.HasDistance {
			return a.Distance < b.Distance
		}
		if a.LayerName != b.LayerName {
			return a.LayerName < b.LayerName
		}
		return strings.ToLower(a.DisplayName) < strings.ToLower(b.DisplayName)
	})
}
