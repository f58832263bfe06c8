// Package config holds the client configuration: where the remote mapping
// server lives, which namespaces to discover, and the tunables for batching
// and querying.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Namespace is one logical group of services on the remote server. Basemap
// namespaces get special treatment during discovery: a service there with no
// declared layers is synthesized into a single whole-service layer.
type Namespace struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Basemap bool   `yaml:"basemap"`
}

// Config is the full client configuration.
type Config struct {
	// ServiceRoot is the base address of the remote services directory.
	ServiceRoot string      `yaml:"serviceRoot"`
	Namespaces  []Namespace `yaml:"namespaces"`

	// RequestTimeout bounds every individual remote call.
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// DescribeBatchSize and DescribeBatchDelay rate-limit the describe
	// fan-out during catalog loading so the remote host is not hammered.
	DescribeBatchSize  int           `yaml:"describeBatchSize"`
	DescribeBatchDelay time.Duration `yaml:"describeBatchDelay"`

	// ClickHalfWidthDeg is the half-width in degrees of the envelope built
	// around a click point for location queries.
	ClickHalfWidthDeg float64 `yaml:"clickHalfWidthDeg"`

	// MaxResultsPerLayer caps each per-layer query.
	MaxResultsPerLayer int `yaml:"maxResultsPerLayer"`

	// ViewportDebounce coalesces camera-move bursts before they are folded
	// back into session state.
	ViewportDebounce time.Duration `yaml:"viewportDebounce"`
}

// Default returns the configuration for the regional server this client is
// built for.
func Default() Config {
	return Config{
		ServiceRoot: "https://maps.openregio.example/arcgis/rest/services",
		Namespaces: []Namespace{
			{Name: "standard", Path: "regio"},
			{Name: "basemaps", Path: "regio_raster", Basemap: true},
		},
		RequestTimeout:     15 * time.Second,
		DescribeBatchSize:  5,
		DescribeBatchDelay: 100 * time.Millisecond,
		ClickHalfWidthDeg:  1e-4,
		MaxResultsPerLayer: 50,
		ViewportDebounce:   100 * time.Millisecond,
	}
}

// Load reads a YAML configuration file and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.ServiceRoot == "" {
		return Config{}, fmt.Errorf("config %s: serviceRoot must not be empty", path)
	}
	if cfg.DescribeBatchSize < 1 {
		cfg.DescribeBatchSize = 1
	}
	return cfg, nil
}
