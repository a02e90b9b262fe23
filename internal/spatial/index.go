package spatial

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"
)

// Index is an R-tree over the bounding boxes of a fixed list of geometries.
// Positions in the list are the identifiers it returns. Each geometry is
// prepared once, when the index is built.
type Index struct {
	tree    rtree.RTreeG[int]
	shapes  []Shape
	invalid int
}

// NewIndex builds an index. Nil and empty geometries are not indexed, and
// neither are geometries that cannot be prepared; Invalid counts those.
func NewIndex(geoms []orb.Geometry) *Index {
	ix := &Index{shapes: make([]Shape, len(geoms))}
	for i, g := range geoms {
		if g == nil || g.Bound().IsEmpty() {
			continue
		}
		s, err := Prepare(g)
		if err != nil {
			ix.invalid++
			continue
		}
		if s.IsEmpty() {
			continue
		}
		ix.shapes[i] = s
		ix.tree.Insert(s.Bound.Min, s.Bound.Max, i)
	}
	return ix
}

// Len returns the number of indexed geometries.
func (ix *Index) Len() int { return ix.tree.Len() }

// Invalid returns the number of geometries left out because they could not
// be prepared.
func (ix *Index) Invalid() int { return ix.invalid }

// Candidates returns, in ascending order, the positions of geometries whose
// bounding box meets b.
func (ix *Index) Candidates(b orb.Bound) []int {
	var out []int
	ix.tree.Search(b.Min, b.Max, func(_, _ [2]float64, i int) bool {
		out = append(out, i)
		return true
	})
	sort.Ints(out)
	return out
}

// FirstIntersecting returns the lowest position whose geometry intersects g.
// A g that cannot be prepared intersects nothing.
func (ix *Index) FirstIntersecting(g orb.Geometry) (int, bool) {
	if g == nil || g.Bound().IsEmpty() {
		return 0, false
	}
	s, err := Prepare(g)
	if err != nil || s.IsEmpty() {
		return 0, false
	}
	for _, i := range ix.Candidates(s.Bound) {
		if s.Intersects(ix.shapes[i]) {
			return i, true
		}
	}
	return 0, false
}
