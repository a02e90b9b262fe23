package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.InDelta(t, 3.4, cfg.Filter.MinAspectRatio, 1e-9)
	assert.InDelta(t, 20.49, cfg.Filter.MaxAspectRatio, 1e-9)
	assert.InDelta(t, 0, cfg.Filter.MinRoadDistance, 1e-9)
	assert.InDelta(t, 525.69, cfg.Filter.MinArea, 1e-9)
	assert.InDelta(t, 8106.53, cfg.Filter.MaxArea, 1e-9)
	assert.Equal(t, "auto", cfg.Pipeline.MetricCRS)
	assert.Equal(t, 8, cfg.Pipeline.BufferQuadrantSegments)
	assert.Equal(t, "geojson", cfg.Pipeline.Format)
	assert.False(t, cfg.Pipeline.DropExcluded)
	assert.False(t, cfg.LandCover.Enabled)
	assert.Equal(t, 15, cfg.LandCover.TimeoutSecs)
	assert.Equal(t, 4, cfg.LandCover.Concurrency)
	assert.Equal(t, 3, cfg.LandCover.MaxAttempts)
	assert.Equal(t, 0, cfg.LandCover.WaterLabel)

	require.Len(t, cfg.Layers, 7)
	assert.Equal(t, "coastline", cfg.Layers[0].Name)
	assert.InDelta(t, 150, cfg.Layers[0].Buffer, 1e-9)
	assert.Equal(t, "downtown", cfg.Layers[6].Name)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
filter:
  min_road_distance: 5
pipeline:
  metric_crs: EPSG:32617
  format: shp
layers:
  - name: coastline
    source: /data/coast.shp
    buffer: 200
  - name: airports
    source: postgres://gis@localhost/ref
    table: public.airports
    geom_column: geom
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.InDelta(t, 5, cfg.Filter.MinRoadDistance, 1e-9)
	assert.Equal(t, "EPSG:32617", cfg.Pipeline.MetricCRS)
	assert.Equal(t, "shp", cfg.Pipeline.Format)
	require.Len(t, cfg.Layers, 2)
	assert.Equal(t, LayerConfig{Name: "coastline", Source: "/data/coast.shp", Buffer: 200}, cfg.Layers[0])
	assert.Equal(t, "public.airports", cfg.Layers[1].Table)
	assert.Equal(t, "geom", cfg.Layers[1].GeomColumn)
	// Defaults still apply for unset values
	assert.InDelta(t, 525.69, cfg.Filter.MinArea, 1e-9)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
pipeline:
  output_dir: from-file
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("CAFO_LOG_LEVEL", "warn")
	t.Setenv("CAFO_PIPELINE_OUTPUT_DIR", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.Pipeline.OutputDir)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("CAFO_LANDCOVER_CONCURRENCY", "8")
	t.Setenv("CAFO_FILTER_MIN_ROAD_DISTANCE", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.LandCover.Concurrency)
	assert.InDelta(t, 5, cfg.Filter.MinRoadDistance, 1e-9)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unterminated"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	return &Config{
		Filter: FilterConfig{
			MinAspectRatio: 3.4,
			MaxAspectRatio: 20.49,
			MinArea:        525.69,
			MaxArea:        8106.53,
		},
		Pipeline: PipelineConfig{
			MetricCRS:              "auto",
			BufferQuadrantSegments: 8,
			Format:                 "geojson",
		},
		Layers: DefaultLayers(),
		LandCover: LandCoverConfig{
			BaseURL:     "https://landcover.example.org",
			Concurrency: 4,
			MaxAttempts: 3,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"inverted aspect", func(c *Config) { c.Filter.MinAspectRatio = 30 }, "min_aspect_ratio"},
		{"inverted area", func(c *Config) { c.Filter.MaxArea = 1 }, "min_area"},
		{"bad format", func(c *Config) { c.Pipeline.Format = "kml" }, "pipeline.format"},
		{"utm metric crs", func(c *Config) { c.Pipeline.MetricCRS = "EPSG:32618" }, ""},
		{"geographic metric crs", func(c *Config) { c.Pipeline.MetricCRS = "EPSG:4326" }, "not a projected CRS"},
		{"web mercator metric crs", func(c *Config) { c.Pipeline.MetricCRS = "EPSG:3857" }, "1/cos(latitude)"},
		{"unparseable metric crs", func(c *Config) { c.Pipeline.MetricCRS = "mercator" }, "pipeline.metric_crs"},
		{"quadrant segments", func(c *Config) { c.Pipeline.BufferQuadrantSegments = 0 }, "buffer_quadrant_segments"},
		{"no layers", func(c *Config) { c.Layers = nil }, "layers must not be empty"},
		{"duplicate layer", func(c *Config) { c.Layers[1].Name = "coastline" }, "duplicated"},
		{"unnamed layer", func(c *Config) { c.Layers[2].Name = "" }, "layers[2].name is required"},
		{"missing source", func(c *Config) { c.Layers[3].Source = "" }, "layers[3].source is required"},
		{"negative buffer", func(c *Config) { c.Layers[0].Buffer = -1 }, "layers[0].buffer"},
		{"landcover disabled ignores url", func(c *Config) { c.LandCover.BaseURL = "" }, ""},
		{"landcover enabled needs url", func(c *Config) {
			c.LandCover.Enabled = true
			c.LandCover.BaseURL = ""
		}, "landcover.base_url"},
		{"landcover concurrency", func(c *Config) {
			c.LandCover.Enabled = true
			c.LandCover.Concurrency = 0
		}, "landcover.concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
