// Package crs identifies coordinate reference systems by EPSG code and
// reprojects orb geometries between them. Transformations come from the
// EPSG repository of github.com/wroge/wgs84, which carries the datum
// shifts between WGS84, NAD83 and the other geodetic datums it knows.
package crs

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/wroge/wgs84"
)

// CRS is an EPSG code. The zero value means the CRS is unknown.
type CRS int

// Well-known systems.
const (
	Unknown     CRS = 0
	WGS84       CRS = 4326
	NAD83       CRS = 4269
	WebMercator CRS = 3857
)

// ErrUnsupported is returned for CRS codes that cannot be reprojected.
var ErrUnsupported = eris.New("crs: unsupported coordinate reference system")

var (
	epsg = wgs84.EPSG()

	known = func() map[CRS]bool {
		m := make(map[CRS]bool)
		for _, code := range epsg.Codes() {
			m[CRS(code)] = true
		}
		return m
	}()

	// geographic lists the lon/lat systems in degrees.
	geographic = map[CRS]bool{
		WGS84: true, NAD83: true,
		4258: true, 4267: true, 4283: true, 4167: true,
		4617: true, 4674: true, 4230: true, 4277: true,
		4314: true, 4612: true, 6318: true,
	}

	// nonLinear lists systems with metre units that still cannot be used
	// to measure distance: geocentric XYZ and the spherical Mercators.
	nonLinear = map[CRS]bool{4978: true, 900913: true, 3785: true}

	// mercator lists the Mercator variants whose scale grows with 1/cos(lat).
	mercator = map[CRS]bool{WebMercator: true, 3395: true, 900913: true, 3785: true}
)

// UTM returns the WGS84 UTM zone CRS (EPSG 326zz north, 327zz south).
func UTM(zone int, north bool) CRS {
	if north {
		return CRS(32600 + zone)
	}
	return CRS(32700 + zone)
}

// UTMFor returns the WGS84 UTM zone containing the given lon/lat.
func UTMFor(lon, lat float64) CRS {
	zone := int((lon+180)/6) + 1
	if zone < 1 {
		zone = 1
	}
	if zone > 60 {
		zone = 60
	}
	return UTM(zone, lat >= 0)
}

// String renders the CRS as "EPSG:<code>".
func (c CRS) String() string {
	if c == Unknown {
		return "unknown"
	}
	return "EPSG:" + strconv.Itoa(int(c))
}

// Supported reports whether the CRS can be reprojected.
func (c CRS) Supported() bool {
	return known[c]
}

// IsGeographic reports whether coordinates are degrees of lon/lat.
func (c CRS) IsGeographic() bool {
	return geographic[c]
}

// IsMetric reports whether the CRS is projected with linear units of
// meters. Web Mercator counts; see ScalesWithLatitude.
func (c CRS) IsMetric() bool {
	return c.Supported() && !c.IsGeographic() && !nonLinear[c]
}

// ScalesWithLatitude reports whether a meter in the CRS stretches by
// 1/cos(lat) on the ground, as it does in the Mercator projections.
// Distances measured in such a CRS are only right at the equator.
func (c CRS) ScalesWithLatitude() bool {
	return mercator[c]
}

// utmZone decodes WGS84 (326zz/327zz) and NAD83 (269zz, north only) UTM codes.
func (c CRS) utmZone() (zone int, north, ok bool) {
	n := int(c)
	switch {
	case n >= 32601 && n <= 32660:
		return n - 32600, true, true
	case n >= 32701 && n <= 32760:
		return n - 32700, false, true
	case n >= 26901 && n <= 26923:
		return n - 26900, true, true
	}
	return 0, false, false
}

// Parse reads a CRS identifier. Accepted forms: "EPSG:32617", "32617",
// "urn:ogc:def:crs:EPSG::32617", "urn:ogc:def:crs:OGC:1.3:CRS84".
func Parse(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown, eris.New("crs: empty identifier")
	}
	upper := strings.ToUpper(s)
	if strings.HasSuffix(upper, "CRS84") {
		return WGS84, nil
	}
	if i := strings.LastIndex(upper, ":"); i >= 0 {
		upper = upper[i+1:]
	}
	code, err := strconv.Atoi(upper)
	if err != nil {
		return Unknown, eris.Errorf("crs: cannot parse %q", s)
	}
	c := CRS(code)
	if !c.Supported() {
		return c, eris.Wrapf(ErrUnsupported, "crs: %s", c)
	}
	return c, nil
}

func identity(p orb.Point) orb.Point { return p }

// Transformer returns a point projection from one CRS to another.
func Transformer(from, to CRS) (orb.Projection, error) {
	for _, c := range []CRS{from, to} {
		if !c.Supported() {
			return nil, eris.Wrapf(ErrUnsupported, "crs: %s", c)
		}
	}
	if from == to {
		return identity, nil
	}
	fn := epsg.Transform(int(from), int(to))
	return func(p orb.Point) orb.Point {
		x, y, _ := fn(p[0], p[1], 0)
		return orb.Point{x, y}
	}, nil
}

// ProjectPoint reprojects a single point.
func ProjectPoint(p orb.Point, from, to CRS) (orb.Point, error) {
	proj, err := Transformer(from, to)
	if err != nil {
		return orb.Point{}, err
	}
	return proj(p), nil
}

// MetricFor resolves a metric CRS setting. "auto" selects the UTM zone that
// contains center (given in the src CRS). An explicit setting must have
// linear units that hold their length across latitudes, which rules out
// geographic systems and the Mercators.
func MetricFor(setting string, center orb.Point, src CRS) (CRS, error) {
	if strings.EqualFold(strings.TrimSpace(setting), "auto") {
		ll, err := ProjectPoint(center, src, WGS84)
		if err != nil {
			return Unknown, err
		}
		return UTMFor(ll.Lon(), ll.Lat()), nil
	}
	c, err := Parse(setting)
	if err != nil {
		return Unknown, err
	}
	if err := CheckBuffering(c); err != nil {
		return Unknown, err
	}
	return c, nil
}

// CheckBuffering returns an error when distances measured in c are not
// ground meters.
func CheckBuffering(c CRS) error {
	switch {
	case c.ScalesWithLatitude():
		return eris.Errorf("crs: %s stretches distances by 1/cos(latitude) and cannot be used for buffering", c)
	case !c.IsMetric():
		return eris.Errorf("crs: %s is not a projected CRS in meters and cannot be used for buffering", c)
	}
	return nil
}
