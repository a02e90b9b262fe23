package model

import (
	"sort"

	"github.com/paulmach/orb"

	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
)

// Attribute columns every detection file must carry.
const (
	FieldAspectRatio  = "rectangle_aspect_ratio"
	FieldRoadDistance = "distance_to_nearest_road"
	FieldArea         = "area"
)

// Columns added to the output.
const (
	FieldExcluded       = "excluded"
	FieldReason         = "exclusion_reason"
	FieldLandCoverLabel = "land_cover_label"
)

// ReasonLandCover attributes an exclusion to the land-cover stage. Spatial
// exclusions use the reference layer name as the reason.
const ReasonLandCover = "land_cover"

// RequiredFields lists the attribute columns the filter reads.
var RequiredFields = []string{FieldAspectRatio, FieldRoadDistance, FieldArea}

// Detection is one candidate footprint from the upstream model.
type Detection struct {
	// Index is the row position in the input file; stable for the whole run.
	Index    int
	Geometry orb.Geometry

	AspectRatio  float64
	RoadDistance float64
	Area         float64

	Excluded bool
	Reason   string

	// LandCoverLabel is set when the land-cover stage classified this row.
	LandCoverLabel *int

	// Properties holds every other input attribute, written back unchanged.
	Properties map[string]any
}

// Exclude flags the detection with reason. Flags are monotonic: a detection
// already excluded keeps its first reason. Reports whether the call changed
// the flag.
func (d *Detection) Exclude(reason string) bool {
	if d.Excluded {
		return false
	}
	d.Excluded = true
	d.Reason = reason
	return true
}

// HasGeometry reports whether the detection carries a non-empty geometry.
func (d *Detection) HasGeometry() bool {
	return d.Geometry != nil && !d.Geometry.Bound().IsEmpty()
}

// DetectionSet is the ordered collection of detections from one input file.
type DetectionSet struct {
	CRS        crs.CRS
	Detections []*Detection
}

// Len returns the number of rows.
func (s *DetectionSet) Len() int { return len(s.Detections) }

// ExcludedCount returns the number of flagged rows.
func (s *DetectionSet) ExcludedCount() int {
	n := 0
	for _, d := range s.Detections {
		if d.Excluded {
			n++
		}
	}
	return n
}

// RetainedCount returns the number of rows not flagged.
func (s *DetectionSet) RetainedCount() int { return s.Len() - s.ExcludedCount() }

// Retained returns the rows that are not flagged, in order.
func (s *DetectionSet) Retained() []*Detection {
	out := make([]*Detection, 0, len(s.Detections))
	for _, d := range s.Detections {
		if !d.Excluded {
			out = append(out, d)
		}
	}
	return out
}

// CountByReason tallies exclusions per reason.
func (s *DetectionSet) CountByReason() map[string]int {
	out := make(map[string]int)
	for _, d := range s.Detections {
		if d.Excluded {
			out[d.Reason]++
		}
	}
	return out
}

// Bound returns the bounding box of every detection geometry. ok is false
// when no detection has a geometry.
func (s *DetectionSet) Bound() (b orb.Bound, ok bool) {
	for _, d := range s.Detections {
		if !d.HasGeometry() {
			continue
		}
		if !ok {
			b, ok = d.Geometry.Bound(), true
			continue
		}
		b = b.Union(d.Geometry.Bound())
	}
	return b, ok
}

// PropertyKeys returns the sorted union of pass-through property names.
func (s *DetectionSet) PropertyKeys() []string {
	seen := make(map[string]struct{})
	for _, d := range s.Detections {
		for k := range d.Properties {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
