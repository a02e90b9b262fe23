package vector

import (
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
)

// ReadGeoJSON loads a FeatureCollection of detections. The CRS comes from
// the legacy top-level "crs" member when present and is EPSG:4326
// otherwise.
func ReadGeoJSON(path string) (*model.DetectionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vector: read %s", path)
	}
	fc, c, err := decodeFeatureCollection(data)
	if err != nil {
		return nil, eris.Wrapf(err, "vector: parse %s", path)
	}

	recs := make([]record, 0, len(fc.Features))
	keys := make(map[string]struct{})
	for _, f := range fc.Features {
		recs = append(recs, record{geometry: f.Geometry, values: f.Properties})
		for k := range f.Properties {
			keys[k] = struct{}{}
		}
	}

	lookup := make(map[string]string, len(model.RequiredFields))
	for _, want := range model.RequiredFields {
		for k := range keys {
			if strings.EqualFold(k, want) {
				lookup[want] = k
				break
			}
		}
	}
	return buildSet(c, recs, lookup)
}

// ReadGeoJSONGeometries returns every non-null feature geometry in a
// FeatureCollection with the CRS it declares.
func ReadGeoJSONGeometries(path string) ([]orb.Geometry, crs.CRS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "vector: read %s", path)
	}
	fc, c, err := decodeFeatureCollection(data)
	if err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "vector: parse %s", path)
	}
	out := make([]orb.Geometry, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f.Geometry != nil {
			out = append(out, f.Geometry)
		}
	}
	return out, c, nil
}

func decodeFeatureCollection(data []byte) (*geojson.FeatureCollection, crs.CRS, error) {
	if t := gjson.GetBytes(data, "type").String(); t != "FeatureCollection" {
		return nil, crs.Unknown, eris.Errorf("expected a FeatureCollection, got %q", t)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, crs.Unknown, eris.Wrap(err, "decode feature collection")
	}
	c, err := legacyCRS(data)
	if err != nil {
		return nil, crs.Unknown, err
	}
	return fc, c, nil
}

// legacyCRS reads the pre-RFC 7946 "crs" member, either the named form
// ({"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::3857"}}) or
// the EPSG form ({"type":"EPSG","properties":{"code":3857}}).
func legacyCRS(data []byte) (crs.CRS, error) {
	member := gjson.GetBytes(data, "crs")
	if !member.Exists() || member.Type == gjson.Null {
		return crs.WGS84, nil
	}
	if name := member.Get("properties.name"); name.Exists() {
		return crs.Parse(name.String())
	}
	if code := member.Get("properties.code"); code.Exists() {
		return crs.Parse(code.String())
	}
	return crs.Unknown, eris.Errorf("unrecognised crs member %s", member.Raw)
}

// WriteGeoJSON writes set as a FeatureCollection with the excluded and
// exclusion_reason columns added. A non-WGS84 CRS is recorded in the
// legacy "crs" member.
func WriteGeoJSON(path string, set *model.DetectionSet, opts WriteOptions) error {
	fc := geojson.NewFeatureCollection()
	var nullGeometry []int
	for i, d := range rows(set, opts) {
		g := d.Geometry
		if g == nil {
			// Encoded as a placeholder and patched to null below.
			g = orb.Point{}
			nullGeometry = append(nullGeometry, i)
		}
		f := geojson.NewFeature(g)
		for k, v := range d.Properties {
			f.Properties[k] = v
		}
		f.Properties[model.FieldAspectRatio] = finite(d.AspectRatio)
		f.Properties[model.FieldRoadDistance] = finite(d.RoadDistance)
		f.Properties[model.FieldArea] = finite(d.Area)
		f.Properties[model.FieldExcluded] = d.Excluded
		if d.Excluded {
			f.Properties[model.FieldReason] = d.Reason
		} else {
			f.Properties[model.FieldReason] = nil
		}
		fc.Append(f)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return eris.Wrap(err, "vector: encode feature collection")
	}
	for _, i := range nullGeometry {
		data, err = sjson.SetRawBytes(data, fmt.Sprintf("features.%d.geometry", i), []byte("null"))
		if err != nil {
			return eris.Wrap(err, "vector: encode null geometry")
		}
	}
	if set.CRS != crs.WGS84 && set.CRS != crs.Unknown {
		member := fmt.Sprintf(`{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::%d"}}`, int(set.CRS))
		data, err = sjson.SetRawBytes(data, "crs", []byte(member))
		if err != nil {
			return eris.Wrap(err, "vector: set crs member")
		}
	}
	return writeAtomic(path, data)
}
