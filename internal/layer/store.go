package layer

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/spatial"
)

// Options configures a Store.
type Options struct {
	// MetricCRS is where buffers are computed. Required for any layer with
	// a positive buffer.
	MetricCRS crs.CRS

	// QuadrantSegments sets arc resolution for buffers.
	QuadrantSegments int

	// TempDir holds downloaded and extracted sources. Defaults to the
	// system temp dir.
	TempDir string

	// HTTPClient fetches http(s) sources.
	HTTPClient *http.Client

	// Connect opens PostGIS sources. Defaults to ConnectPostGIS.
	Connect Connector
}

type cacheKey struct {
	source     string
	table      string
	geomColumn string
	crs        string
	buffer     float64
	target     crs.CRS
}

// Store loads reference layers and caches them for the rest of a run.
type Store struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	cache    map[cacheKey]*Layer
	tempDirs []string
}

// NewStore creates a Store. Call Close to remove temporary files.
func NewStore(opts Options) *Store {
	if opts.QuadrantSegments <= 0 {
		opts.QuadrantSegments = spatial.DefaultQuadrantSegments
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Connect == nil {
		opts.Connect = ConnectPostGIS
	}
	return &Store{
		opts:  opts,
		log:   zap.L().With(zap.String("component", "layer.store")),
		cache: make(map[cacheKey]*Layer),
	}
}

// MetricCRS returns the CRS buffers are computed in.
func (s *Store) MetricCRS() crs.CRS { return s.opts.MetricCRS }

// Load reads the layer described by cfg and returns it in target. With a
// positive buffer the source is projected to the metric CRS, buffered by
// cfg.Buffer meters and projected to target; otherwise it is projected to
// target directly. A source that is missing or holds no geometry is an
// error. Repeated loads of the same source, buffer and target are served
// from cache.
func (s *Store) Load(ctx context.Context, cfg config.LayerConfig, target crs.CRS) (*Layer, error) {
	key := cacheKey{
		source:     cfg.Source,
		table:      cfg.Table,
		geomColumn: cfg.GeomColumn,
		crs:        cfg.CRS,
		buffer:     cfg.Buffer,
		target:     target,
	}
	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		s.log.Debug("layer: cache hit", zap.String("layer", cfg.Name), zap.String("source", cfg.Source))
		return cached.withName(cfg.Name), nil
	}

	if cfg.Buffer < 0 {
		return nil, eris.Errorf("layer: %s: negative buffer %g", cfg.Name, cfg.Buffer)
	}

	geoms, src, err := s.read(ctx, cfg)
	if err != nil {
		return nil, eris.Wrapf(err, "layer: %s", cfg.Name)
	}
	if cfg.CRS != "" {
		src, err = crs.Parse(cfg.CRS)
		if err != nil {
			return nil, eris.Wrapf(err, "layer: %s", cfg.Name)
		}
	}
	if src == crs.Unknown {
		s.log.Warn("layer: source declares no CRS, assuming EPSG:4326",
			zap.String("layer", cfg.Name),
			zap.String("source", cfg.Source),
		)
		src = crs.WGS84
	}
	if len(geoms) == 0 {
		return nil, eris.Wrapf(ErrEmptyLayer, "layer: %s (%s)", cfg.Name, cfg.Source)
	}

	parts, err := s.conform(geoms, src, target, cfg.Buffer)
	if err != nil {
		return nil, eris.Wrapf(err, "layer: %s", cfg.Name)
	}

	l := New(cfg.Name, target, parts)
	l.Source = cfg.Source
	l.BufferMeters = cfg.Buffer
	l.Features = len(geoms)

	if n := l.Unindexed(); n > 0 {
		s.log.Warn("layer: parts the intersects predicate cannot read are ignored",
			zap.String("layer", cfg.Name),
			zap.Int("parts", n),
		)
	}

	s.mu.Lock()
	s.cache[key] = l
	s.mu.Unlock()

	s.log.Info("layer: loaded",
		zap.String("layer", cfg.Name),
		zap.String("source", cfg.Source),
		zap.Stringer("source_crs", src),
		zap.Stringer("target_crs", target),
		zap.Float64("buffer_m", cfg.Buffer),
		zap.Int("features", len(geoms)),
		zap.Int("parts", len(parts)),
	)
	return l, nil
}

// conform projects geoms from src to target, buffering in the metric CRS
// on the way when buffer is positive. geoms are modified in place.
func (s *Store) conform(geoms []orb.Geometry, src, target crs.CRS, buffer float64) ([]orb.Geometry, error) {
	if buffer == 0 {
		toTarget, err := crs.Transformer(src, target)
		if err != nil {
			return nil, err
		}
		out := make([]orb.Geometry, 0, len(geoms))
		for _, g := range geoms {
			out = append(out, project.Geometry(g, toTarget))
		}
		return out, nil
	}

	metric := s.opts.MetricCRS
	if !metric.IsMetric() {
		return nil, eris.Errorf("layer: buffering needs a projected CRS, got %s", metric)
	}
	if metric.ScalesWithLatitude() {
		s.log.Warn("layer: buffering in a CRS whose meters stretch with latitude",
			zap.Stringer("metric_crs", metric),
			zap.Float64("buffer_m", buffer),
		)
	}
	toMetric, err := crs.Transformer(src, metric)
	if err != nil {
		return nil, err
	}
	toTarget, err := crs.Transformer(metric, target)
	if err != nil {
		return nil, err
	}

	var out []orb.Geometry
	for _, g := range geoms {
		m := project.Geometry(g, toMetric)
		for _, part := range spatial.Buffer(m, buffer, s.opts.QuadrantSegments) {
			out = append(out, project.Geometry(part, toTarget))
		}
	}
	return out, nil
}

// Close removes every temporary directory the store created.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, dir := range s.tempDirs {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = eris.Wrapf(err, "layer: remove %s", dir)
		}
	}
	s.tempDirs = nil
	return firstErr
}

func (s *Store) mkTemp(pattern string) (string, error) {
	dir, err := os.MkdirTemp(s.opts.TempDir, pattern)
	if err != nil {
		return "", eris.Wrap(err, "layer: create temp dir")
	}
	s.mu.Lock()
	s.tempDirs = append(s.tempDirs, dir)
	s.mu.Unlock()
	return dir, nil
}
