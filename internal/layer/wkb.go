package layer

import (
	"encoding/binary"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// decodeWKB parses OGC WKB. Empty geometries decode to nil.
func decodeWKB(data []byte) (orb.Geometry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "decode wkb")
	}
	return fromGeom(g), nil
}

// fromGeom converts a go-geom geometry to orb, dropping Z and M.
func fromGeom(g geom.T) orb.Geometry {
	if g == nil || g.Empty() {
		return nil
	}
	switch g := g.(type) {
	case *geom.Point:
		return toPoint(g.Coords())
	case *geom.MultiPoint:
		return orb.MultiPoint(toPoints(g.Coords()))
	case *geom.LineString:
		return orb.LineString(toPoints(g.Coords()))
	case *geom.MultiLineString:
		out := make(orb.MultiLineString, 0, g.NumLineStrings())
		for _, ls := range g.Coords() {
			out = append(out, orb.LineString(toPoints(ls)))
		}
		return out
	case *geom.Polygon:
		return toPolygon(g.Coords())
	case *geom.MultiPolygon:
		out := make(orb.MultiPolygon, 0, g.NumPolygons())
		for _, p := range g.Coords() {
			out = append(out, toPolygon(p))
		}
		return out
	case *geom.GeometryCollection:
		out := make(orb.Collection, 0, g.NumGeoms())
		for _, child := range g.Geoms() {
			if c := fromGeom(child); c != nil {
				out = append(out, c)
			}
		}
		return out
	}
	return nil
}

func toPoint(c geom.Coord) orb.Point { return orb.Point{c.X(), c.Y()} }

func toPoints(cs []geom.Coord) []orb.Point {
	out := make([]orb.Point, len(cs))
	for i, c := range cs {
		out[i] = toPoint(c)
	}
	return out
}

func toPolygon(rings [][]geom.Coord) orb.Polygon {
	out := make(orb.Polygon, 0, len(rings))
	for _, r := range rings {
		out = append(out, orb.Ring(toPoints(r)))
	}
	return out
}

// GeoPackage binary header flag bits.
const (
	gpFlagLittleEndian = 0x01
	gpFlagEnvelope     = 0x0e
	gpFlagEmpty        = 0x10
)

var gpEnvelopeSize = map[byte]int{0: 0, 1: 32, 2: 48, 3: 48, 4: 64}

// decodeGeoPackageBlob strips the GeoPackage header from a geometry blob
// and decodes the WKB that follows. It returns the SRS id the header
// carries.
func decodeGeoPackageBlob(blob []byte) (orb.Geometry, int32, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, 0, eris.New("not a geopackage geometry blob")
	}
	flags := blob[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&gpFlagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	srsID := int32(order.Uint32(blob[4:8]))

	env, ok := gpEnvelopeSize[(flags&gpFlagEnvelope)>>1]
	if !ok {
		return nil, 0, eris.Errorf("invalid envelope indicator in flags 0x%02x", flags)
	}
	if flags&gpFlagEmpty != 0 {
		return nil, srsID, nil
	}
	start := 8 + env
	if len(blob) < start {
		return nil, 0, eris.New("truncated geopackage geometry blob")
	}
	g, err := decodeWKB(blob[start:])
	if err != nil {
		return nil, 0, err
	}
	return g, srsID, nil
}
