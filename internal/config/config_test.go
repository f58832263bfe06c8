package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.ServiceRoot)
	assert.Len(t, cfg.Namespaces, 2)
	assert.Equal(t, 5, cfg.DescribeBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.DescribeBatchDelay)
	assert.Equal(t, 1e-4, cfg.ClickHalfWidthDeg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serviceRoot: https://other.example/arcgis/rest/services
describeBatchSize: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/arcgis/rest/services", cfg.ServiceRoot)
	assert.Equal(t, 3, cfg.DescribeBatchSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.ViewportDebounce)
	assert.Len(t, cfg.Namespaces, 2)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
