// Package catalog discovers the remote server's map services and flattens
// them into uniquely identified searchable layers. The catalog is an
// explicit object with its own caches, not ambient package state, so tests
// can run isolated instances.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openregio/regiomap/internal/arcgis"
	"github.com/openregio/regiomap/internal/config"
)

// GeomKind classifies a layer's geometry.
type GeomKind string

// Geometry kinds. None marks image-only services that carry no vector
// features.
const (
	GeomPoint   GeomKind = "point"
	GeomLine    GeomKind = "line"
	GeomPolygon GeomKind = "polygon"
	GeomNone    GeomKind = "none"
)

// Layer identifies one searchable layer of one remote service. Layers are
// created in bulk when loading completes and never mutated afterwards.
type Layer struct {
	// ID is unique across the whole catalog and stable across reloads: it
	// is derived from the service name and the remote layer index.
	ID          string
	ServiceName string
	ServiceURL  string
	LayerIndex  int
	Name        string
	Description string
	GeomKind    GeomKind
	TypeLabel   string
	// DefaultVisible is the remote service's visibility hint.
	DefaultVisible bool
	// Basemap marks layers synthesized from basemap-style services.
	Basemap  bool
	MinScale float64
	MaxScale float64
}

// Field is one attribute field of a layer.
type Field struct {
	Name  string
	Type  string
	Alias string
}

// ServiceRef names one discovered service.
type ServiceRef struct {
	Name      string
	URL       string
	Namespace string
	Basemap   bool
}

// Catalog loads and caches the layer inventory of one remote server.
type Catalog struct {
	client *arcgis.Client
	cfg    config.Config
	log    *slog.Logger

	mu       sync.Mutex
	services map[string]arcgis.ServiceInfo
	layers   []Layer
	loaded   bool
	byID     map[string]Layer
	fields   map[string][]Field
}

// New creates a catalog around the given protocol client.
func New(client *arcgis.Client, cfg config.Config, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		client:   client,
		cfg:      cfg,
		log:      log,
		services: make(map[string]arcgis.ServiceInfo),
		byID:     make(map[string]Layer),
		fields:   make(map[string][]Field),
	}
}

// ClearCache drops every cached listing, service description, layer, and
// field list. The next call re-fetches from the remote server.
func (c *Catalog) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string]arcgis.ServiceInfo)
	c.layers = nil
	c.loaded = false
	c.byID = make(map[string]Layer)
	c.fields = make(map[string][]Field)
}

// DiscoverServices lists the services of every configured namespace. A
// namespace whose listing fails contributes nothing and is logged; the
// error propagates only when every namespace fails.
func (c *Catalog) DiscoverServices(ctx context.Context) ([]ServiceRef, error) {
	var refs []ServiceRef
	var firstErr error
	failed := 0

	for _, ns := range c.cfg.Namespaces {
		folderURL := c.cfg.ServiceRoot
		if ns.Path != "" {
			folderURL += "/" + ns.Path
		}
		listing, err := c.client.ListServices(ctx, folderURL)
		if err != nil {
			c.log.Warn("namespace listing failed", "namespace", ns.Name, "error", err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, svc := range listing.Services {
			if svc.Type != "MapServer" {
				continue
			}
			refs = append(refs, ServiceRef{
				Name:      svc.Name,
				URL:       fmt.Sprintf("%s/%s/MapServer", c.cfg.ServiceRoot, svc.Name),
				Namespace: ns.Name,
				Basemap:   ns.Basemap,
			})
		}
	}

	if failed == len(c.cfg.Namespaces) && firstErr != nil {
		return nil, fmt.Errorf("all namespace listings failed: %w", firstErr)
	}
	return refs, nil
}

// DescribeService fetches a service's metadata, memoized for the process
// lifetime. Only a ClearCache causes a re-fetch.
func (c *Catalog) DescribeService(ctx context.Context, ref ServiceRef) (arcgis.ServiceInfo, error) {
	c.mu.Lock()
	if info, ok := c.services[ref.URL]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	info, err := c.client.DescribeService(ctx, ref.URL)
	if err != nil {
		return arcgis.ServiceInfo{}, err
	}

	c.mu.Lock()
	c.services[ref.URL] = info
	c.mu.Unlock()
	return info, nil
}

// LoadAllLayers discovers all services and flattens them into the layer
// inventory. Describe calls fan out in batches with a small pause between
// batches, a self-imposed rate limit toward the remote host. A service
// whose describe fails contributes zero layers. The result is memoized
// after the first success.
func (c *Catalog) LoadAllLayers(ctx context.Context) ([]Layer, error) {
	c.mu.Lock()
	if c.loaded {
		layers := c.layers
		c.mu.Unlock()
		return layers, nil
	}
	c.mu.Unlock()

	refs, err := c.DiscoverServices(ctx)
	if err != nil {
		return nil, err
	}

	perService := make([][]Layer, len(refs))
	batch := c.cfg.DescribeBatchSize
	if batch < 1 {
		batch = 1
	}

	for start := 0; start < len(refs); start += batch {
		end := start + batch
		if end > len(refs) {
			end = len(refs)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				info, err := c.DescribeService(gctx, refs[i])
				if err != nil {
					c.log.Warn("describe failed, skipping service", "service", refs[i].Name, "error", err)
					return nil
				}
				perService[i] = flattenService(refs[i], info)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if end < len(refs) && c.cfg.DescribeBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.DescribeBatchDelay):
			}
		}
	}

	var layers []Layer
	for _, ls := range perService {
		layers = append(layers, ls...)
	}

	c.mu.Lock()
	c.layers = layers
	c.loaded = true
	c.byID = make(map[string]Layer, len(layers))
	for _, l := range layers {
		c.byID[l.ID] = l
	}
	c.mu.Unlock()

	return layers, nil
}

// Get returns a layer by id. It only finds layers after LoadAllLayers has
// succeeded once.
func (c *Catalog) Get(id string) (Layer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.byID[id]
	return l, ok
}

// Fields returns a layer's attribute fields, fetched at most once per
// session. Failures are surfaced to the caller and not cached, so a later
// call retries.
func (c *Catalog) Fields(ctx context.Context, layer Layer) ([]Field, error) {
	c.mu.Lock()
	if fs, ok := c.fields[layer.ID]; ok {
		c.mu.Unlock()
		return fs, nil
	}
	c.mu.Unlock()

	raw, err := c.client.LayerFields(ctx, layer.ServiceURL, layer.LayerIndex)
	if err != nil {
		return nil, fmt.Errorf("fetching fields for layer %s: %w", layer.ID, err)
	}

	fs := make([]Field, 0, len(raw))
	for _, f := range raw {
		fs = append(fs, Field{Name: f.Name, Type: f.Type, Alias: f.Alias})
	}

	c.mu.Lock()
	c.fields[layer.ID] = fs
	c.mu.Unlock()
	return fs, nil
}

// flattenService turns one service's metadata into layer descriptors. A
// basemap-style service with no declared layers becomes a single virtual
// layer covering the whole service.
func flattenService(ref ServiceRef, info arcgis.ServiceInfo) []Layer {
	displayName := info.MapName
	if displayName == "" {
		displayName = ref.Name
	}

	if len(info.Layers) == 0 {
		if !ref.Basemap {
			return nil
		}
		return []Layer{{
			ID:             layerID(ref.Name, 0),
			ServiceName:    ref.Name,
			ServiceURL:     ref.URL,
			LayerIndex:     0,
			Name:           displayName,
			Description:    info.Description,
			GeomKind:       GeomNone,
			TypeLabel:      "Raster",
			DefaultVisible: false,
			Basemap:        true,
		}}
	}

	layers := make([]Layer, 0, len(info.Layers))
	for _, li := range info.Layers {
		// Group layers only structure the table of contents.
		if li.Type == "Group Layer" {
			continue
		}
		layers = append(layers, Layer{
			ID:             layerID(ref.Name, li.ID),
			ServiceName:    ref.Name,
			ServiceURL:     ref.URL,
			LayerIndex:     li.ID,
			Name:           li.Name,
			Description:    li.Description,
			GeomKind:       geomKind(li.GeometryType),
			TypeLabel:      li.Type,
			DefaultVisible: li.DefaultVisibility,
			Basemap:        ref.Basemap,
			MinScale:       li.MinScale,
			MaxScale:       li.MaxScale,
		})
	}
	return layers
}

// layerID derives the catalog-wide stable id of a layer.
func layerID(serviceName string, index int) string {
	slug := strings.ToLower(serviceName)
	slug = strings.ReplaceAll(slug, "/", "-")
	slug = strings.ReplaceAll(slug, " ", "_")
	return fmt.Sprintf("%s-%d", slug, index)
}

// geomKind maps the wire geometry type to a kind.
func geomKind(esriType string) GeomKind {
	switch esriType {
	case "esriGeometryPoint", "esriGeometryMultipoint":
		return GeomPoint
	case "esriGeometryPolyline":
		return GeomLine
	case "esriGeometryPolygon":
		return GeomPolygon
	default:
		return GeomNone
	}
}

// SearchLayers filters layers by a case-insensitive substring match over
// name, description, and service name. Empty text returns all layers.
func SearchLayers(layers []Layer, text string) []Layer {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return layers
	}
	var out []Layer
	for _, l := range layers {
		if strings.Contains(strings.ToLower(l.Name), needle) ||
			strings.Contains(strings.ToLower(l.Description), needle) ||
			strings.Contains(strings.ToLower(l.ServiceName), needle) {
			out = append(out, l)
		}
	}
	return out
}

// ServiceGroup is one service's layers in catalog order.
type ServiceGroup struct {
	Service string
	Layers  []Layer
}

// GroupByService groups layers by service name. Group order is first-seen
// order, layer order within a group is input order.
func GroupByService(layers []Layer) []ServiceGroup {
	index := make(map[string]int)
	var groups []ServiceGroup
	for _, l := range layers {
		i, ok := index[l.ServiceName]
		if !ok {
			i = len(groups)
			index[l.ServiceName] = i
			groups = append(groups, ServiceGroup{Service: l.ServiceName})
		}
		groups[i].Layers = append(groups[i].Layers, l)
	}
	return groups
}
