package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
)

// Config holds the full application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Filter    FilterConfig    `yaml:"filter" mapstructure:"filter"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Layers    []LayerConfig   `yaml:"layers" mapstructure:"layers"`
	LandCover LandCoverConfig `yaml:"landcover" mapstructure:"landcover"`
}

// FilterConfig holds the attribute prefilter bounds. Interval bounds are
// inclusive; MinRoadDistance is a strict lower bound.
type FilterConfig struct {
	MinAspectRatio  float64 `yaml:"min_aspect_ratio" mapstructure:"min_aspect_ratio"`
	MaxAspectRatio  float64 `yaml:"max_aspect_ratio" mapstructure:"max_aspect_ratio"`
	MinRoadDistance float64 `yaml:"min_road_distance" mapstructure:"min_road_distance"`
	MinArea         float64 `yaml:"min_area" mapstructure:"min_area"`
	MaxArea         float64 `yaml:"max_area" mapstructure:"max_area"`
}

// PipelineConfig configures a filter run.
type PipelineConfig struct {
	// MetricCRS is the projected CRS buffers are computed in: "auto" (UTM
	// zone of the detections) or an EPSG code.
	MetricCRS              string `yaml:"metric_crs" mapstructure:"metric_crs"`
	BufferQuadrantSegments int    `yaml:"buffer_quadrant_segments" mapstructure:"buffer_quadrant_segments"`
	OutputDir              string `yaml:"output_dir" mapstructure:"output_dir"`
	Format                 string `yaml:"format" mapstructure:"format"`
	DropExcluded           bool   `yaml:"drop_excluded" mapstructure:"drop_excluded"`
	ParallelLayers         bool   `yaml:"parallel_layers" mapstructure:"parallel_layers"`
	TempDir                string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// LayerConfig names one reference layer. Buffer is in meters; CRS
// overrides whatever the source declares. Table and GeomColumn apply to
// PostGIS sources only.
type LayerConfig struct {
	Name       string  `yaml:"name" mapstructure:"name"`
	Source     string  `yaml:"source" mapstructure:"source"`
	Buffer     float64 `yaml:"buffer" mapstructure:"buffer"`
	CRS        string  `yaml:"crs" mapstructure:"crs"`
	Table      string  `yaml:"table" mapstructure:"table"`
	GeomColumn string  `yaml:"geom_column" mapstructure:"geom_column"`
}

// LandCoverConfig configures the optional land-cover water exclusion.
type LandCoverConfig struct {
	Enabled          bool    `yaml:"enabled" mapstructure:"enabled"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Token            string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Concurrency      int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	WaterLabel       int     `yaml:"water_label" mapstructure:"water_label"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultLayers is the reference layer set used when none is configured.
func DefaultLayers() []LayerConfig {
	return []LayerConfig{
		{Name: "coastline", Source: "data/coastline/coastline.shp", Buffer: 150},
		{Name: "water_bodies", Source: "data/water_bodies/water_bodies.shp", Buffer: 50},
		{Name: "airports", Source: "data/airports/airports.shp"},
		{Name: "parks", Source: "data/parks/parks.shp"},
		{Name: "mountain_ranges", Source: "data/mountain_ranges/mountain_ranges.shp"},
		{Name: "roads", Source: "data/roads/roads.shp"},
		{Name: "downtown", Source: "data/downtown/downtown.shp"},
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CAFO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("filter.min_aspect_ratio", 3.4)
	v.SetDefault("filter.max_aspect_ratio", 20.49)
	v.SetDefault("filter.min_road_distance", 0.0)
	v.SetDefault("filter.min_area", 525.69)
	v.SetDefault("filter.max_area", 8106.53)
	v.SetDefault("pipeline.metric_crs", "auto")
	v.SetDefault("pipeline.buffer_quadrant_segments", 8)
	v.SetDefault("pipeline.output_dir", "output")
	v.SetDefault("pipeline.format", "geojson")
	v.SetDefault("pipeline.drop_excluded", false)
	v.SetDefault("pipeline.parallel_layers", false)
	v.SetDefault("landcover.enabled", false)
	v.SetDefault("landcover.timeout_secs", 15)
	v.SetDefault("landcover.concurrency", 4)
	v.SetDefault("landcover.rate_per_sec", 10.0)
	v.SetDefault("landcover.max_attempts", 3)
	v.SetDefault("landcover.initial_backoff_ms", 500)
	v.SetDefault("landcover.water_label", 0)
	v.SetDefault("landcover.failure_threshold", 10)
	v.SetDefault("landcover.reset_timeout_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Layers) == 0 {
		cfg.Layers = DefaultLayers()
	}

	return &cfg, nil
}

// Validate checks the settings a run depends on. Land-cover settings are
// only checked when the stage is enabled.
func (c *Config) Validate() error {
	var errs []string

	f := c.Filter
	if f.MinAspectRatio > f.MaxAspectRatio {
		errs = append(errs, "filter.min_aspect_ratio must not exceed filter.max_aspect_ratio")
	}
	if f.MinArea > f.MaxArea {
		errs = append(errs, "filter.min_area must not exceed filter.max_area")
	}

	switch c.Pipeline.Format {
	case "geojson", "shp":
	default:
		errs = append(errs, fmt.Sprintf("pipeline.format must be geojson or shp, got %q", c.Pipeline.Format))
	}
	if !strings.EqualFold(c.Pipeline.MetricCRS, "auto") {
		m, err := crs.Parse(c.Pipeline.MetricCRS)
		if err == nil {
			err = crs.CheckBuffering(m)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("pipeline.metric_crs: %v", err))
		}
	}
	if c.Pipeline.BufferQuadrantSegments < 1 || c.Pipeline.BufferQuadrantSegments > 64 {
		errs = append(errs, "pipeline.buffer_quadrant_segments must be between 1 and 64")
	}

	if len(c.Layers) == 0 {
		errs = append(errs, "layers must not be empty")
	}
	seen := make(map[string]bool, len(c.Layers))
	for i, l := range c.Layers {
		switch {
		case l.Name == "":
			errs = append(errs, fmt.Sprintf("layers[%d].name is required", i))
		case seen[l.Name]:
			errs = append(errs, fmt.Sprintf("layers[%d].name %q is duplicated", i, l.Name))
		}
		seen[l.Name] = true
		if l.Source == "" {
			errs = append(errs, fmt.Sprintf("layers[%d].source is required", i))
		}
		if l.Buffer < 0 {
			errs = append(errs, fmt.Sprintf("layers[%d].buffer must be >= 0", i))
		}
	}

	if lc := c.LandCover; lc.Enabled {
		if lc.BaseURL == "" {
			errs = append(errs, "landcover.base_url is required when the land-cover stage is enabled")
		}
		if lc.Concurrency < 1 || lc.Concurrency > 64 {
			errs = append(errs, "landcover.concurrency must be between 1 and 64")
		}
		if lc.MaxAttempts < 1 {
			errs = append(errs, "landcover.max_attempts must be >= 1")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
