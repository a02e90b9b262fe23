// Package spatial holds the planar geometry operations the exclusion engine
// needs on top of orb: an intersects predicate backed by simplefeatures,
// outward buffering, and a bounding-box index over layer parts.
package spatial

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
	"github.com/peterstace/simplefeatures/geom"
	"github.com/rotisserie/eris"
)

// Shape is an orb geometry converted once to its simplefeatures form, so
// a layer part can be tested against many detections without re-encoding.
type Shape struct {
	Bound orb.Bound
	geom  geom.Geometry
}

// Prepare converts g through WKB. Polygon validity is not checked: model
// output is sometimes self-touching, and the predicate still answers for it.
func Prepare(g orb.Geometry) (Shape, error) {
	if g == nil {
		return Shape{}, nil
	}
	data, err := wkb.Marshal(g)
	if err != nil {
		return Shape{}, eris.Wrapf(err, "spatial: encode %s", g.GeoJSONType())
	}
	sg, err := geom.UnmarshalWKB(data, geom.NoValidate{})
	if err != nil {
		return Shape{}, eris.Wrapf(err, "spatial: decode %s", g.GeoJSONType())
	}
	return Shape{Bound: g.Bound(), geom: sg}, nil
}

// IsEmpty reports whether the shape has no points.
func (s Shape) IsEmpty() bool {
	return s.geom.IsEmpty()
}

// Intersects reports whether s and o share at least one point, boundaries
// included.
func (s Shape) Intersects(o Shape) bool {
	if s.IsEmpty() || o.IsEmpty() || !s.Bound.Intersects(o.Bound) {
		return false
	}
	return geom.Intersects(s.geom, o.geom)
}

// Intersects reports whether a and b share at least one point, boundaries
// included. Nil, empty and unencodable geometries intersect nothing.
func Intersects(a, b orb.Geometry) bool {
	sa, err := Prepare(a)
	if err != nil {
		return false
	}
	sb, err := Prepare(b)
	if err != nil {
		return false
	}
	return sa.Intersects(sb)
}

// Centroid returns the area-weighted centroid for polygons and the
// length/point-weighted centroid for lower dimensions.
func Centroid(g orb.Geometry) orb.Point {
	c, _ := planar.CentroidArea(g)
	return c
}
