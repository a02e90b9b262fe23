package spatial

import (
	"math"

	"github.com/paulmach/orb"
)

// DefaultQuadrantSegments is the number of segments used to approximate a
// quarter circle.
const DefaultQuadrantSegments = 8

// Buffer returns the region within dist of g, in g's units, as a union of
// polygon parts: a disc per point, a capsule per line or ring segment, and
// each source polygon itself. Parts overlap and are not dissolved; a geometry
// intersects the buffer iff it intersects some part. Buffer returns nil when
// dist is not positive.
func Buffer(g orb.Geometry, dist float64, quadSegs int) orb.MultiPolygon {
	if dist <= 0 || g == nil {
		return nil
	}
	if quadSegs <= 0 {
		quadSegs = DefaultQuadrantSegments
	}
	var out orb.MultiPolygon
	bufferInto(&out, g, dist, quadSegs)
	return out
}

func bufferInto(out *orb.MultiPolygon, g orb.Geometry, dist float64, q int) {
	switch g := g.(type) {
	case orb.Point:
		*out = append(*out, orb.Polygon{circle(g, dist, q)})
	case orb.MultiPoint:
		for _, p := range g {
			*out = append(*out, orb.Polygon{circle(p, dist, q)})
		}
	case orb.LineString:
		bufferPath(out, g, dist, q)
	case orb.MultiLineString:
		for _, ls := range g {
			bufferPath(out, ls, dist, q)
		}
	case orb.Ring:
		bufferInto(out, orb.Polygon{g}, dist, q)
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) == 0 {
			return
		}
		*out = append(*out, orb.Clone(g).(orb.Polygon))
		for _, r := range g {
			ls := orb.LineString(r)
			if len(r) > 1 && r[0] != r[len(r)-1] {
				ls = append(ls[:len(ls):len(ls)], r[0])
			}
			bufferPath(out, ls, dist, q)
		}
	case orb.MultiPolygon:
		for _, p := range g {
			bufferInto(out, p, dist, q)
		}
	case orb.Collection:
		for _, c := range g {
			bufferInto(out, c, dist, q)
		}
	case orb.Bound:
		bufferInto(out, g.ToPolygon(), dist, q)
	}
}

func bufferPath(out *orb.MultiPolygon, ls orb.LineString, dist float64, q int) {
	switch len(ls) {
	case 0:
		return
	case 1:
		*out = append(*out, orb.Polygon{circle(ls[0], dist, q)})
		return
	}
	for i := 1; i < len(ls); i++ {
		*out = append(*out, orb.Polygon{capsule(ls[i-1], ls[i], dist, q)})
	}
}

// circle approximates a disc with 4*q vertices, counter-clockwise.
func circle(c orb.Point, r float64, q int) orb.Ring {
	n := 4 * q
	ring := make(orb.Ring, 0, n+1)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		ring = append(ring, orb.Point{c[0] + r*math.Cos(a), c[1] + r*math.Sin(a)})
	}
	return append(ring, ring[0])
}

// capsule is the stadium around segment a-b: two half discs joined by the
// segment's parallel offsets, counter-clockwise.
func capsule(a, b orb.Point, r float64, q int) orb.Ring {
	if a == b {
		return circle(a, r, q)
	}
	theta := math.Atan2(b[1]-a[1], b[0]-a[0])
	n := 2 * q
	ring := make(orb.Ring, 0, 2*(n+1)+1)
	for i := 0; i <= n; i++ {
		t := theta - math.Pi/2 + math.Pi*float64(i)/float64(n)
		ring = append(ring, orb.Point{b[0] + r*math.Cos(t), b[1] + r*math.Sin(t)})
	}
	for i := 0; i <= n; i++ {
		t := theta + math.Pi/2 + math.Pi*float64(i)/float64(n)
		ring = append(ring, orb.Point{a[0] + r*math.Cos(t), a[1] + r*math.Sin(t)})
	}
	return append(ring, ring[0])
}
