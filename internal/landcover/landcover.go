// Package landcover excludes detections that sit on water according to an
// external land-cover service. Each candidate's centroid is classified
// once; failed queries leave the detection unexcluded.
package landcover

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
	"github.com/uchicago-dsi/poultry-cafos/internal/resilience"
	"github.com/uchicago-dsi/poultry-cafos/internal/spatial"
	"github.com/uchicago-dsi/poultry-cafos/pkg/dynamicworld"
)

// Stats summarises a classification pass.
type Stats struct {
	// Candidates is the number of detections not yet excluded.
	Candidates int
	Queried    int
	Water      int
	// Failed counts queries that gave up after retries or hit an open
	// circuit. Those detections stay unexcluded.
	Failed int
	// NoGeometry counts candidates that could not be located.
	NoGeometry int
}

// Classifier runs the land-cover stage against a Client.
type Classifier struct {
	client     dynamicworld.Client
	waterLabel int
	workers    int
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	log        *zap.Logger
}

// New creates a Classifier from the landcover config section. The client
// is injected so tests and dry runs can substitute a fixed answer.
func New(client dynamicworld.Client, cfg config.LandCoverConfig) *Classifier {
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}
	log := zap.L().With(zap.String("component", "landcover"))

	retry := resilience.FromSettings(
		cfg.MaxAttempts,
		time.Duration(cfg.InitialBackoffMS)*time.Millisecond,
		time.Duration(cfg.TimeoutSecs)*time.Second,
	)
	retry.OnRetry = resilience.RetryLogger("landcover", "label")

	cb := resilience.FromCircuitConfig(cfg.FailureThreshold, time.Duration(cfg.ResetTimeoutSecs)*time.Second)
	cb.OnStateChange = func(from, to resilience.CircuitState) {
		log.Warn("landcover: circuit breaker state change",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}

	return &Classifier{
		client:     client,
		waterLabel: cfg.WaterLabel,
		workers:    workers,
		retry:      retry,
		breaker:    resilience.NewCircuitBreaker(cb),
		log:        log,
	}
}

// label queries one point through the breaker and retry policy.
func (c *Classifier) label(ctx context.Context, lon, lat float64) (int, error) {
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (int, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (int, error) {
			return c.client.Label(ctx, lon, lat)
		})
	})
}

type outcome struct {
	label int
	ok    bool
}

// ClassifyAndExclude labels the centroid of every detection not already
// excluded and flags those on water with model.ReasonLandCover. Queries run
// on a bounded worker pool; flags are applied afterwards in row order. Only
// cancellation of ctx or a detection CRS that cannot reach EPSG:4326 is an
// error.
func (c *Classifier) ClassifyAndExclude(ctx context.Context, set *model.DetectionSet) (Stats, error) {
	toLonLat, err := crs.Transformer(set.CRS, crs.WGS84)
	if err != nil {
		return Stats{}, eris.Wrap(err, "landcover: detection crs")
	}

	var (
		stats   Stats
		targets []int
	)
	for i, d := range set.Detections {
		if d.Excluded {
			continue
		}
		stats.Candidates++
		if !d.HasGeometry() {
			stats.NoGeometry++
			continue
		}
		targets = append(targets, i)
	}
	if stats.NoGeometry > 0 {
		c.log.Warn("landcover: detections without geometry left unclassified", zap.Int("count", stats.NoGeometry))
	}

	results := make([]outcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for slot, i := range targets {
		d := set.Detections[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := toLonLat(spatial.Centroid(d.Geometry))
			label, err := c.label(gctx, p.Lon(), p.Lat())
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				c.log.Warn("landcover: classification failed, detection kept",
					zap.Int("index", d.Index),
					zap.Float64("lon", p.Lon()),
					zap.Float64("lat", p.Lat()),
					zap.Error(err),
				)
				return nil
			}
			results[slot] = outcome{label: label, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, eris.Wrap(err, "landcover: classify")
	}

	for slot, i := range targets {
		r := results[slot]
		if !r.ok {
			stats.Failed++
			continue
		}
		stats.Queried++
		d := set.Detections[i]
		label := r.label
		d.LandCoverLabel = &label
		if label == c.waterLabel && d.Exclude(model.ReasonLandCover) {
			stats.Water++
		}
	}

	c.log.Info("landcover: stage complete",
		zap.Int("candidates", stats.Candidates),
		zap.Int("queried", stats.Queried),
		zap.Int("water", stats.Water),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}
