// Package exclusion flags detections that intersect reference layers.
// Rows are never removed here; flags are monotonic and the first layer to
// flag a detection supplies its reason.
package exclusion

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uchicago-dsi/poultry-cafos/internal/layer"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
)

// Report summarises one layer's pass.
type Report struct {
	Layer string
	// Hits counts detections intersecting the layer, each once no matter
	// how many of its parts they touch.
	Hits int
	// NewlyExcluded counts detections this layer flagged first.
	NewlyExcluded int
	// NoGeometry counts detections skipped for a missing or empty geometry.
	NoGeometry int
}

// hitSet is the read-only result of testing a set against one layer.
type hitSet struct {
	positions  []int
	noGeometry int
}

// hits returns, in ascending order, the positions in set.Detections of
// the detections that intersect l. A detection touching several parts of l
// is listed once. Detections without geometry never intersect.
func hits(ctx context.Context, set *model.DetectionSet, l *layer.Layer) (hitSet, error) {
	var h hitSet
	for i, d := range set.Detections {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return hitSet{}, eris.Wrapf(err, "exclusion: %s", l.Name)
			}
		}
		if !d.HasGeometry() {
			h.noGeometry++
			continue
		}
		// First match ends the search.
		if _, ok := l.FirstIntersecting(d.Geometry); ok {
			h.positions = append(h.positions, i)
		}
	}
	return h, nil
}

// apply flags the hit positions with the layer name.
func apply(set *model.DetectionSet, name string, h hitSet) Report {
	r := Report{Layer: name, Hits: len(h.positions), NoGeometry: h.noGeometry}
	for _, i := range h.positions {
		if set.Detections[i].Exclude(name) {
			r.NewlyExcluded++
		}
	}
	return r
}

// Exclude flags every detection in set that intersects l with l.Name as
// the reason. Detections already excluded keep their reason. It returns
// the number of detections this call newly excluded.
func Exclude(ctx context.Context, set *model.DetectionSet, l *layer.Layer) (int, error) {
	r, err := excludeOne(ctx, set, l)
	if err != nil {
		return 0, err
	}
	return r.NewlyExcluded, nil
}

func excludeOne(ctx context.Context, set *model.DetectionSet, l *layer.Layer) (Report, error) {
	h, err := hits(ctx, set, l)
	if err != nil {
		return Report{}, err
	}
	r := apply(set, l.Name, h)
	logReport(r, set)
	return r, nil
}

// ExcludeAll runs every layer over set in the given order. With parallel
// set, the per-layer intersection passes run concurrently and their
// results are applied afterwards in layer order, so reasons match the
// sequential run exactly.
func ExcludeAll(ctx context.Context, set *model.DetectionSet, layers []*layer.Layer, parallel bool) ([]Report, error) {
	reports := make([]Report, 0, len(layers))
	if !parallel {
		for _, l := range layers {
			r, err := excludeOne(ctx, set, l)
			if err != nil {
				return nil, err
			}
			reports = append(reports, r)
		}
		return reports, nil
	}

	results := make([]hitSet, len(layers))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range layers {
		g.Go(func() error {
			h, err := hits(gctx, set, l)
			if err != nil {
				return err
			}
			results[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, l := range layers {
		r := apply(set, l.Name, results[i])
		logReport(r, set)
		reports = append(reports, r)
	}
	return reports, nil
}

func logReport(r Report, set *model.DetectionSet) {
	log := zap.L().With(zap.String("component", "exclusion"))
	if r.NoGeometry > 0 {
		log.Warn("exclusion: detections without geometry treated as non-intersecting",
			zap.String("layer", r.Layer),
			zap.Int("count", r.NoGeometry),
		)
	}
	log.Info("exclusion: layer applied",
		zap.String("layer", r.Layer),
		zap.Int("hits", r.Hits),
		zap.Int("newly_excluded", r.NewlyExcluded),
		zap.Int("retained", set.RetainedCount()),
	)
}
