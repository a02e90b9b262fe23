package vector

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
)

// dbfNameLen is the longest field name a DBF header holds.
const dbfNameLen = 10

// Short DBF names for the columns this package writes.
const (
	shpExcluded = "excluded"
	shpReason   = "excl_rsn"
)

// ReadShapefile loads detections from a shapefile. Field names longer than
// a DBF allows are matched by their truncated form. The CRS is read from
// the sibling .prj; without one the data is assumed to be EPSG:4326.
func ReadShapefile(path string) (*model.DetectionSet, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vector: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	c, err := crs.ReadPRJ(path)
	if err != nil {
		return nil, err
	}
	if c == crs.Unknown {
		c = crs.WGS84
	}
	dec := charsetDecoder(path)

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	lookup := make(map[string]string, len(model.RequiredFields))
	for _, want := range model.RequiredFields {
		for _, name := range names {
			if matchesField(name, want) {
				lookup[want] = name
				break
			}
		}
	}

	var recs []record
	for reader.Next() {
		_, shape := reader.Shape()
		values := make(map[string]any, len(fields))
		for i, f := range fields {
			raw := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if dec != nil {
				if s, err := dec.String(raw); err == nil {
					raw = s
				}
			}
			values[names[i]] = dbfValue(f.Fieldtype, raw)
		}
		recs = append(recs, record{geometry: ShapeToGeometry(shape), values: values})
	}

	set, err := buildSet(c, recs, lookup)
	if err != nil {
		return nil, eris.Wrapf(err, "vector: %s", path)
	}
	return set, nil
}

// ReadShapefileGeometries returns every non-null shape in a shapefile with
// the CRS declared by its .prj (crs.Unknown when there is none).
func ReadShapefileGeometries(path string) ([]orb.Geometry, crs.CRS, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "vector: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	c, err := crs.ReadPRJ(path)
	if err != nil {
		return nil, crs.Unknown, err
	}

	var out []orb.Geometry
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		g := ShapeToGeometry(shape)
		if g == nil {
			skipped++
			continue
		}
		out = append(out, g)
	}
	if skipped > 0 {
		zap.L().Debug("vector: skipped shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return out, c, nil
}

// matchesField compares a DBF field name to a full attribute name,
// allowing for the DBF length limit.
func matchesField(dbf, want string) bool {
	if strings.EqualFold(dbf, want) {
		return true
	}
	return len(want) > dbfNameLen && strings.EqualFold(dbf, want[:dbfNameLen])
}

// charsetDecoder returns the decoder named by the sibling .cpg file, or nil
// for UTF-8 and unknown code pages.
func charsetDecoder(shpPath string) *encoding.Decoder {
	data, err := os.ReadFile(strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ".cpg")
	if err != nil {
		return nil
	}
	name := strings.TrimSpace(string(data))
	if _, err := strconv.Atoi(name); err == nil {
		name = "windows-" + name
	}
	if strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		zap.L().Debug("vector: unknown code page, reading attributes as UTF-8",
			zap.String("cpg", name),
		)
		return nil
	}
	return enc.NewDecoder()
}

// dbfValue types a raw DBF cell by its field type. Empty cells are null.
func dbfValue(fieldType byte, raw string) any {
	if raw == "" {
		return nil
	}
	switch fieldType {
	case 'N', 'F':
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil
		}
		return f
	case 'L':
		switch raw {
		case "T", "t", "Y", "y":
			return true
		case "F", "f", "N", "n":
			return false
		}
		return nil
	}
	return raw
}

// ShapeToGeometry converts a go-shp shape to an orb geometry. Polygon rings
// are grouped into polygons by winding: clockwise rings are shells and
// counter-clockwise rings are holes of the shell that contains them. Null
// and unsupported shapes return nil.
func ShapeToGeometry(shape shp.Shape) orb.Geometry {
	switch s := shape.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.PointZ:
		return orb.Point{s.X, s.Y}
	case *shp.PointM:
		return orb.Point{s.X, s.Y}
	case *shp.MultiPoint:
		return multiPoint(s.Points)
	case *shp.MultiPointZ:
		return multiPoint(s.Points)
	case *shp.MultiPointM:
		return multiPoint(s.Points)
	case *shp.PolyLine:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineZ:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineM:
		return lines(s.Parts, s.Points)
	case *shp.Polygon:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonZ:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonM:
		return polygons(s.Parts, s.Points)
	}
	return nil
}

func multiPoint(pts []shp.Point) orb.Geometry {
	if len(pts) == 0 {
		return nil
	}
	mp := make(orb.MultiPoint, len(pts))
	for i, p := range pts {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// parts splits a flat point list at the given part offsets.
func parts(offsets []int32, pts []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(offsets))
	for i, start := range offsets {
		end := int32(len(pts))
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if start < 0 || start >= end || end > int32(len(pts)) {
			continue
		}
		part := make([]orb.Point, 0, end-start)
		for _, p := range pts[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}

func lines(offsets []int32, pts []shp.Point) orb.Geometry {
	var mls orb.MultiLineString
	for _, p := range parts(offsets, pts) {
		if len(p) >= 2 {
			mls = append(mls, orb.LineString(p))
		}
	}
	switch len(mls) {
	case 0:
		return nil
	case 1:
		return mls[0]
	}
	return mls
}

func polygons(offsets []int32, pts []shp.Point) orb.Geometry {
	var shells orb.MultiPolygon
	var holes []orb.Ring
	for _, p := range parts(offsets, pts) {
		if len(p) < 4 {
			continue
		}
		r := orb.Ring(p)
		if r.Orientation() == orb.CCW {
			holes = append(holes, r)
			continue
		}
		shells = append(shells, orb.Polygon{r})
	}

	for _, h := range holes {
		placed := false
		for i := range shells {
			if planar.RingContains(shells[i][0], h[0]) {
				shells[i] = append(shells[i], h)
				placed = true
				break
			}
		}
		// A lone counter-clockwise ring is a shell written with the wrong winding.
		if !placed {
			rev := h.Clone()
			rev.Reverse()
			shells = append(shells, orb.Polygon{rev})
		}
	}

	switch len(shells) {
	case 0:
		return nil
	case 1:
		return shells[0]
	}
	return shells
}

// geometryToShape converts a polygonal geometry to a shapefile polygon with
// clockwise shells and counter-clockwise holes. Other geometries, and nil,
// become the null shape.
func geometryToShape(g orb.Geometry) shp.Shape {
	var polys []orb.Polygon
	switch g := g.(type) {
	case orb.Polygon:
		polys = []orb.Polygon{g}
	case orb.MultiPolygon:
		polys = g
	default:
		return &shp.Null{}
	}

	var ringParts [][]shp.Point
	for _, p := range polys {
		for i, r := range p {
			if len(r) == 0 {
				continue
			}
			want := orb.CW
			if i > 0 {
				want = orb.CCW
			}
			if r.Orientation() != want {
				r = r.Clone()
				r.Reverse()
			}
			pts := make([]shp.Point, len(r))
			for j, pt := range r {
				pts[j] = shp.Point{X: pt[0], Y: pt[1]}
			}
			ringParts = append(ringParts, pts)
		}
	}
	if len(ringParts) == 0 {
		return &shp.Null{}
	}
	poly := shp.Polygon(*shp.NewPolyLine(ringParts))
	return &poly
}

// column is one DBF field of the output table.
type column struct {
	key   string // property key, or "" for generated columns
	field shp.Field
	value func(d *model.Detection) any
}

// WriteShapefile writes set as a polygon shapefile with its .prj, plus the
// excluded (logical) and excl_rsn columns. Property names are truncated to
// fit the DBF header. All sibling files are renamed into place together.
func WriteShapefile(path string, set *model.DetectionSet, opts WriteOptions) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "vector: create directory %s", dir)
	}
	tmpDir, err := os.MkdirTemp(dir, ".shp-*")
	if err != nil {
		return eris.Wrap(err, "vector: create temp directory")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tmpPath := filepath.Join(tmpDir, base+".shp")

	if err := writeShapefile(tmpPath, set, rows(set, opts)); err != nil {
		return err
	}

	if set.CRS != crs.Unknown {
		wkt, err := crs.WKT(set.CRS)
		switch {
		case errors.Is(err, crs.ErrUnsupported):
			zap.L().Warn("vector: no WKT template for crs, writing shapefile without .prj",
				zap.Stringer("crs", set.CRS),
			)
		case err != nil:
			return err
		default:
			if err := os.WriteFile(filepath.Join(tmpDir, base+".prj"), []byte(wkt), 0o644); err != nil {
				return eris.Wrap(err, "vector: write prj")
			}
		}
	}
	if err := os.WriteFile(filepath.Join(tmpDir, base+".cpg"), []byte("UTF-8"), 0o644); err != nil {
		return eris.Wrap(err, "vector: write cpg")
	}

	for _, ext := range []string{".shp", ".shx", ".dbf", ".prj", ".cpg"} {
		src := filepath.Join(tmpDir, base+ext)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(dir, base+ext)); err != nil {
			return eris.Wrapf(err, "vector: move %s into place", base+ext)
		}
	}
	return nil
}

func writeShapefile(path string, set *model.DetectionSet, ds []*model.Detection) error {
	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return eris.Wrapf(err, "vector: create shapefile %s", path)
	}
	defer w.Close()

	cols := shapefileColumns(set, ds)
	fields := make([]shp.Field, len(cols))
	for i, c := range cols {
		fields[i] = c.field
	}
	if err := w.SetFields(fields); err != nil {
		return eris.Wrap(err, "vector: set dbf fields")
	}

	for _, d := range ds {
		row := int(w.Write(geometryToShape(d.Geometry)))
		for i, c := range cols {
			v := c.value(d)
			if v == nil {
				continue
			}
			if err := w.WriteAttribute(row, i, v); err != nil {
				return eris.Wrapf(err, "vector: write attribute %s", c.field.String())
			}
		}
	}
	return nil
}

func shapefileColumns(set *model.DetectionSet, ds []*model.Detection) []column {
	used := make(map[string]bool)
	name := func(full string) string {
		n := dbfName(full, used)
		used[strings.ToLower(n)] = true
		return n
	}

	numeric := func(get func(*model.Detection) float64) func(*model.Detection) any {
		return func(d *model.Detection) any {
			v := get(d)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil
			}
			return v
		}
	}

	cols := []column{
		{field: shp.FloatField(name(model.FieldAspectRatio), 24, 8), value: numeric(func(d *model.Detection) float64 { return d.AspectRatio })},
		{field: shp.FloatField(name(model.FieldRoadDistance), 24, 8), value: numeric(func(d *model.Detection) float64 { return d.RoadDistance })},
		{field: shp.FloatField(name(model.FieldArea), 24, 8), value: numeric(func(d *model.Detection) float64 { return d.Area })},
	}

	for _, key := range set.PropertyKeys() {
		key := key
		field := propertyField(name(key), key, ds)
		cols = append(cols, column{key: key, field: field, value: func(d *model.Detection) any {
			return dbfCell(field.Fieldtype, d.Properties[key])
		}})
	}

	cols = append(cols,
		column{field: logicalField(name(shpExcluded)), value: func(d *model.Detection) any {
			if d.Excluded {
				return "T"
			}
			return "F"
		}},
		column{field: shp.StringField(name(shpReason), 32), value: func(d *model.Detection) any {
			if !d.Excluded {
				return nil
			}
			return d.Reason
		}},
	)
	return cols
}

// dbfName truncates name to the DBF limit and disambiguates collisions
// with a numeric suffix.
func dbfName(name string, used map[string]bool) string {
	n := name
	if len(n) > dbfNameLen {
		n = n[:dbfNameLen]
	}
	if !used[strings.ToLower(n)] {
		return n
	}
	for i := 1; ; i++ {
		suffix := strconv.Itoa(i)
		cut := min(len(n), dbfNameLen-len(suffix))
		cand := n[:cut] + suffix
		if !used[strings.ToLower(cand)] {
			return cand
		}
	}
}

// propertyField picks a DBF field type wide enough for every value of key.
func propertyField(name, key string, ds []*model.Detection) shp.Field {
	allNumbers, allBools, seen := true, true, false
	width := 1
	for _, d := range ds {
		v, ok := d.Properties[key]
		if !ok || v == nil {
			continue
		}
		seen = true
		width = max(width, len(fmt.Sprint(v)))
		switch v.(type) {
		case float64, float32, int, int64:
			allBools = false
		case bool:
			allNumbers = false
		default:
			allNumbers, allBools = false, false
		}
	}
	switch {
	case seen && allBools:
		return logicalField(name)
	case seen && allNumbers:
		return shp.FloatField(name, 24, 8)
	}
	return shp.StringField(name, uint8(min(width, 254)))
}

func logicalField(name string) shp.Field {
	f := shp.Field{Fieldtype: 'L', Size: 1}
	copy(f.Name[:], name)
	return f
}

// dbfCell renders a property value for a field of the given type.
func dbfCell(fieldType byte, v any) any {
	if v == nil {
		return nil
	}
	switch fieldType {
	case 'F', 'N':
		f := toFloat(v)
		if math.IsNaN(f) {
			return nil
		}
		return f
	case 'L':
		if b, ok := v.(bool); ok && b {
			return "T"
		}
		return "F"
	}
	str := fmt.Sprint(v)
	if len(str) > 254 {
		str = str[:254]
	}
	return str
}
