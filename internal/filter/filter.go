// Package filter implements the attribute prefilter that drops candidate
// detections whose shape, size or road proximity rule them out.
package filter

import (
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
)

// Rules are the attribute predicates a detection must satisfy. Aspect ratio
// and area intervals are closed; road distance must strictly exceed
// MinRoadDistance.
type Rules struct {
	MinAspectRatio  float64
	MaxAspectRatio  float64
	MinRoadDistance float64
	MinArea         float64
	MaxArea         float64
}

// DefaultRules returns the rule set tuned for barn footprints.
func DefaultRules() Rules {
	return Rules{
		MinAspectRatio:  3.4,
		MaxAspectRatio:  20.49,
		MinRoadDistance: 0,
		MinArea:         525.69,
		MaxArea:         8106.53,
	}
}

// RulesFromConfig converts filter settings to Rules.
func RulesFromConfig(cfg config.FilterConfig) Rules {
	return Rules(cfg)
}

// Validate rejects inverted intervals and NaN bounds.
func (r Rules) Validate() error {
	for _, v := range []float64{r.MinAspectRatio, r.MaxAspectRatio, r.MinRoadDistance, r.MinArea, r.MaxArea} {
		if math.IsNaN(v) {
			return eris.New("filter: rule bound is NaN")
		}
	}
	if r.MinAspectRatio > r.MaxAspectRatio {
		return eris.Errorf("filter: aspect ratio interval [%g, %g] is empty", r.MinAspectRatio, r.MaxAspectRatio)
	}
	if r.MinArea > r.MaxArea {
		return eris.Errorf("filter: area interval [%g, %g] is empty", r.MinArea, r.MaxArea)
	}
	return nil
}

// Keep reports whether d passes every rule. NaN attributes fail.
func (r Rules) Keep(d *model.Detection) bool {
	return d.AspectRatio >= r.MinAspectRatio && d.AspectRatio <= r.MaxAspectRatio &&
		d.RoadDistance > r.MinRoadDistance &&
		d.Area >= r.MinArea && d.Area <= r.MaxArea
}

// Apply returns a new set holding the detections of set that pass r, in
// their original order. Detections keep their Index; set is not modified.
func Apply(set *model.DetectionSet, r Rules) *model.DetectionSet {
	out := &model.DetectionSet{
		CRS:        set.CRS,
		Detections: make([]*model.Detection, 0, len(set.Detections)),
	}

	var missing int
	for _, d := range set.Detections {
		if math.IsNaN(d.AspectRatio) || math.IsNaN(d.RoadDistance) || math.IsNaN(d.Area) {
			missing++
			continue
		}
		if r.Keep(d) {
			out.Detections = append(out.Detections, d)
		}
	}

	log := zap.L().With(zap.String("component", "filter"))
	if missing > 0 {
		log.Warn("filter: dropped rows with null or non-numeric attributes", zap.Int("rows", missing))
	}
	log.Info("filter: attribute rules applied",
		zap.Int("input", set.Len()),
		zap.Int("surviving", out.Len()),
	)
	return out
}
