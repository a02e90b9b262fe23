// Package layer loads the reference layers detections are excluded
// against. Every layer is conformed to the detection set's CRS, and
// buffered layers are buffered in a metric CRS first.
package layer

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/spatial"
)

// Sentinel errors for sources a run cannot proceed without.
var (
	ErrSourceNotFound = eris.New("layer: source not found")
	ErrEmptyLayer     = eris.New("layer: source contains no geometries")
)

// Layer is a named, read-only set of exclusion geometries expressed in a
// single CRS. Buffered layers hold the buffer parts rather than the source
// features; a geometry intersects the buffered layer iff it intersects
// some part.
type Layer struct {
	Name         string
	Source       string
	BufferMeters float64
	CRS          crs.CRS
	Geometries   []orb.Geometry

	// Features is the number of source features before buffering.
	Features int

	indexOnce sync.Once
	index     *spatial.Index
}

// New builds an in-memory layer over geoms, which must already be in c.
func New(name string, c crs.CRS, geoms []orb.Geometry) *Layer {
	return &Layer{
		Name:       name,
		CRS:        c,
		Geometries: geoms,
		Features:   len(geoms),
		index:      spatial.NewIndex(geoms),
	}
}

// Len returns the number of geometry parts.
func (l *Layer) Len() int { return len(l.Geometries) }

// spatialIndex returns the part index, building it on first use for
// layers assembled as struct literals. Safe for concurrent use.
func (l *Layer) spatialIndex() *spatial.Index {
	l.indexOnce.Do(func() {
		if l.index == nil {
			l.index = spatial.NewIndex(l.Geometries)
		}
	})
	return l.index
}

// FirstIntersecting returns the position of the first part that intersects
// g. Parts are tried in order, so the result is deterministic.
func (l *Layer) FirstIntersecting(g orb.Geometry) (int, bool) {
	return l.spatialIndex().FirstIntersecting(g)
}

// Unindexed returns the number of parts the intersects predicate could not
// read. They never match.
func (l *Layer) Unindexed() int { return l.spatialIndex().Invalid() }

// Intersects reports whether g touches any part of the layer.
func (l *Layer) Intersects(g orb.Geometry) bool {
	_, ok := l.FirstIntersecting(g)
	return ok
}

// Bound returns the extent of every part.
func (l *Layer) Bound() orb.Bound {
	var b orb.Bound
	first := true
	for _, g := range l.Geometries {
		if g == nil {
			continue
		}
		if first {
			b, first = g.Bound(), false
			continue
		}
		b = b.Union(g.Bound())
	}
	return b
}

// withName returns a copy under another name sharing geometries and index.
func (l *Layer) withName(name string) *Layer {
	return &Layer{
		Name:         name,
		Source:       l.Source,
		BufferMeters: l.BufferMeters,
		CRS:          l.CRS,
		Geometries:   l.Geometries,
		Features:     l.Features,
		index:        l.spatialIndex(),
	}
}
