// Package pipeline runs one input file through the attribute filter, the
// reference-layer exclusions and the optional land-cover stage, then writes
// the flagged result.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/exclusion"
	"github.com/uchicago-dsi/poultry-cafos/internal/filter"
	"github.com/uchicago-dsi/poultry-cafos/internal/landcover"
	"github.com/uchicago-dsi/poultry-cafos/internal/layer"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
	"github.com/uchicago-dsi/poultry-cafos/internal/vector"
)

// Options describes one run.
type Options struct {
	Input  string
	Layers []config.LayerConfig

	// BufferOverride, when set, replaces every layer's buffer distance.
	BufferOverride *float64

	UseLandCover   bool
	OutputDir      string
	Format         vector.Format
	DropExcluded   bool
	ParallelLayers bool

	// MetricCRS is "auto" or an EPSG identifier.
	MetricCRS        string
	QuadrantSegments int
	TempDir          string
}

// OptionsFromConfig fills Options for input from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, input string) (Options, error) {
	format, err := vector.ParseFormat(cfg.Pipeline.Format)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Input:            input,
		Layers:           cfg.Layers,
		UseLandCover:     cfg.LandCover.Enabled,
		OutputDir:        cfg.Pipeline.OutputDir,
		Format:           format,
		DropExcluded:     cfg.Pipeline.DropExcluded,
		ParallelLayers:   cfg.Pipeline.ParallelLayers,
		MetricCRS:        cfg.Pipeline.MetricCRS,
		QuadrantSegments: cfg.Pipeline.BufferQuadrantSegments,
		TempDir:          cfg.Pipeline.TempDir,
	}, nil
}

// Stage records how long one step took and how many rows it left.
type Stage struct {
	Name     string
	Duration time.Duration
	Rows     int
}

// Result summarises a completed run.
type Result struct {
	RunID      string
	Region     string
	OutputPath string
	MetricCRS  crs.CRS

	InputRows    int
	FilteredRows int
	Retained     int
	Excluded     int
	ByReason     map[string]int

	Layers        []exclusion.Report
	SkippedLayers []string
	LandCover     *landcover.Stats
	Stages        []Stage
}

// Loader loads reference layers for one run.
type Loader interface {
	Load(ctx context.Context, cfg config.LayerConfig, target crs.CRS) (*layer.Layer, error)
	Close() error
}

// LandCover classifies and flags water detections.
type LandCover interface {
	ClassifyAndExclude(ctx context.Context, set *model.DetectionSet) (landcover.Stats, error)
}

// Pipeline holds the collaborators shared by every run.
type Pipeline struct {
	rules     filter.Rules
	landCover LandCover
	newLoader func(layer.Options) Loader
	log       *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLandCover sets the classifier used when a run enables the land-cover
// stage.
func WithLandCover(lc LandCover) Option {
	return func(p *Pipeline) {
		p.landCover = lc
	}
}

// WithLoaderFactory replaces the reference layer store, typically with
// synthetic in-memory layers.
func WithLoaderFactory(fn func(layer.Options) Loader) Option {
	return func(p *Pipeline) {
		p.newLoader = fn
	}
}

// New creates a Pipeline applying rules.
func New(rules filter.Rules, opts ...Option) *Pipeline {
	p := &Pipeline{
		rules: rules,
		newLoader: func(o layer.Options) Loader {
			return layer.NewStore(o)
		},
		log: zap.L().With(zap.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes every stage for opts.Input and writes the output file. No
// output is written when any stage fails.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{RunID: uuid.New().String()}
	log := p.log.With(zap.String("run_id", result.RunID), zap.String("input", opts.Input))

	if opts.UseLandCover && p.landCover == nil {
		return nil, eris.New("pipeline: land-cover stage enabled without a classifier")
	}
	if opts.Format == "" {
		opts.Format = vector.GeoJSON
	}

	region, err := RegionCode(opts.Input)
	if err != nil {
		return nil, err
	}
	result.Region = region
	result.OutputPath = OutputPath(opts.OutputDir, region, opts.Format)
	log.Info("pipeline: starting", zap.String("region", region))

	stage := func(name string, rows func() int, fn func() error) error {
		start := time.Now()
		if err := fn(); err != nil {
			log.Error("pipeline: stage failed", zap.String("stage", name), zap.Error(err))
			return err
		}
		s := Stage{Name: name, Duration: time.Since(start), Rows: rows()}
		result.Stages = append(result.Stages, s)
		log.Info("pipeline: stage complete",
			zap.String("stage", name),
			zap.Int("rows", s.Rows),
			zap.Int64("duration_ms", s.Duration.Milliseconds()),
		)
		return nil
	}

	var set *model.DetectionSet
	retained := func() int { return set.RetainedCount() }

	if err := stage("read", retained, func() error {
		set, err = vector.Read(opts.Input)
		return err
	}); err != nil {
		return nil, err
	}
	result.InputRows = set.Len()

	if err := stage("filter", retained, func() error {
		set = filter.Apply(set, p.rules)
		return nil
	}); err != nil {
		return nil, err
	}
	result.FilteredRows = set.Len()

	metric, err := p.metricCRS(opts.MetricCRS, set)
	if err != nil {
		return nil, err
	}
	result.MetricCRS = metric

	var layers []*layer.Layer
	if err := stage("layers", retained, func() error {
		layers, result.SkippedLayers, err = p.loadLayers(ctx, opts, metric, set.CRS)
		return err
	}); err != nil {
		return nil, err
	}

	if err := stage("exclusion", retained, func() error {
		result.Layers, err = exclusion.ExcludeAll(ctx, set, layers, opts.ParallelLayers)
		return err
	}); err != nil {
		return nil, err
	}

	if opts.UseLandCover {
		if err := stage("landcover", retained, func() error {
			stats, err := p.landCover.ClassifyAndExclude(ctx, set)
			result.LandCover = &stats
			return err
		}); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: cancelled before write")
	}
	if err := stage("write", retained, func() error {
		return vector.Write(result.OutputPath, set, vector.WriteOptions{DropExcluded: opts.DropExcluded})
	}); err != nil {
		return nil, err
	}

	result.Retained = set.RetainedCount()
	result.Excluded = set.ExcludedCount()
	result.ByReason = set.CountByReason()

	log.Info("pipeline: complete",
		zap.String("output", result.OutputPath),
		zap.Int("input_rows", result.InputRows),
		zap.Int("filtered_rows", result.FilteredRows),
		zap.Int("retained", result.Retained),
		zap.Int("excluded", result.Excluded),
		zap.Any("by_reason", result.ByReason),
	)
	return result, nil
}

// metricCRS resolves the buffering CRS for the run. "auto" picks the UTM
// zone at the centre of the detections; an empty set falls back to Web
// Mercator since nothing will be tested against the buffers.
func (p *Pipeline) metricCRS(setting string, set *model.DetectionSet) (crs.CRS, error) {
	if setting == "" {
		setting = "auto"
	}
	center, src := orb.Point{}, crs.WGS84
	if b, ok := set.Bound(); ok {
		center, src = b.Center(), set.CRS
	} else if strings.EqualFold(strings.TrimSpace(setting), "auto") {
		return crs.WebMercator, nil
	}
	c, err := crs.MetricFor(setting, center, src)
	if err != nil {
		return crs.Unknown, eris.Wrap(err, "pipeline: metric crs")
	}
	return c, nil
}

// loadLayers loads every configured layer in order. A layer whose CRS
// cannot be reprojected is skipped with a warning; any other failure ends
// the run.
func (p *Pipeline) loadLayers(ctx context.Context, opts Options, metric, target crs.CRS) ([]*layer.Layer, []string, error) {
	loader := p.newLoader(layer.Options{
		MetricCRS:        metric,
		QuadrantSegments: opts.QuadrantSegments,
		TempDir:          opts.TempDir,
	})
	defer func() {
		if err := loader.Close(); err != nil {
			p.log.Warn("pipeline: layer cleanup failed", zap.Error(err))
		}
	}()

	var (
		layers  []*layer.Layer
		skipped []string
	)
	for _, lc := range opts.Layers {
		if opts.BufferOverride != nil {
			lc.Buffer = *opts.BufferOverride
		}
		l, err := loader.Load(ctx, lc, target)
		if errors.Is(err, crs.ErrUnsupported) {
			p.log.Warn("pipeline: skipping layer with unsupported crs",
				zap.String("layer", lc.Name),
				zap.String("source", lc.Source),
				zap.Error(err),
			)
			skipped = append(skipped, lc.Name)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		layers = append(layers, l)
	}
	return layers, skipped, nil
}
