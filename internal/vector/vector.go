// Package vector reads and writes detection files. GeoJSON and ESRI
// Shapefile are supported; the format is chosen from the file extension.
package vector

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
)

// ErrMissingAttribute is returned when an input file lacks one of the
// attribute columns the filter reads.
var ErrMissingAttribute = eris.New("vector: required attribute column missing")

// Format identifies a detection file format.
type Format string

// Supported formats.
const (
	GeoJSON   Format = "geojson"
	Shapefile Format = "shp"
)

// Ext returns the file extension, dot included.
func (f Format) Ext() string { return "." + string(f) }

// ParseFormat accepts the names used in config and on the command line.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "geojson", "json":
		return GeoJSON, nil
	case "shp", "shapefile":
		return Shapefile, nil
	}
	return "", eris.Errorf("vector: unknown format %q", s)
}

// FormatFor picks the format from path's extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		return GeoJSON, nil
	case ".shp":
		return Shapefile, nil
	}
	return "", eris.Errorf("vector: unsupported file type %q", filepath.Ext(path))
}

// WriteOptions controls how a detection set is written.
type WriteOptions struct {
	// DropExcluded writes only rows that were not flagged.
	DropExcluded bool
}

// Read loads the detection file at path. Row order defines each
// detection's Index.
func Read(path string) (*model.DetectionSet, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "vector: open %s", path)
	}
	f, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	switch f {
	case Shapefile:
		return ReadShapefile(path)
	default:
		return ReadGeoJSON(path)
	}
}

// Write stores set at path in the format implied by its extension. The file
// only appears once it is complete.
func Write(path string, set *model.DetectionSet, opts WriteOptions) error {
	f, err := FormatFor(path)
	if err != nil {
		return err
	}
	switch f {
	case Shapefile:
		return WriteShapefile(path, set, opts)
	default:
		return WriteGeoJSON(path, set, opts)
	}
}

// rows returns the detections to write.
func rows(set *model.DetectionSet, opts WriteOptions) []*model.Detection {
	if opts.DropExcluded {
		return set.Retained()
	}
	return set.Detections
}

// outputColumns are regenerated on every run and never passed through.
var outputColumns = map[string]bool{
	model.FieldExcluded:       true,
	model.FieldReason:         true,
	model.FieldLandCoverLabel: true,
	shpReason:                 true,
}

// record is one input row before it becomes a Detection.
type record struct {
	geometry orb.Geometry
	values   map[string]any
}

// buildSet turns raw records into a DetectionSet. lookup maps a required
// field to the key it is stored under in the records.
func buildSet(c crs.CRS, recs []record, lookup map[string]string) (*model.DetectionSet, error) {
	if len(recs) > 0 {
		var missing []string
		for _, f := range model.RequiredFields {
			if _, ok := lookup[f]; !ok {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return nil, eris.Wrapf(ErrMissingAttribute, "vector: %s", strings.Join(missing, ", "))
		}
	}

	set := &model.DetectionSet{CRS: c, Detections: make([]*model.Detection, 0, len(recs))}
	used := make(map[string]bool, len(lookup))
	for _, key := range lookup {
		used[key] = true
	}

	for i, r := range recs {
		d := &model.Detection{
			Index:        i,
			Geometry:     r.geometry,
			AspectRatio:  toFloat(r.values[lookup[model.FieldAspectRatio]]),
			RoadDistance: toFloat(r.values[lookup[model.FieldRoadDistance]]),
			Area:         toFloat(r.values[lookup[model.FieldArea]]),
			Properties:   make(map[string]any, len(r.values)),
		}
		for k, v := range r.values {
			if used[k] || outputColumns[strings.ToLower(k)] {
				continue
			}
			d.Properties[k] = v
		}
		set.Detections = append(set.Detections, d)
	}
	return set, nil
}

// toFloat converts an attribute value to float64. Nulls and non-numeric
// values become NaN so every filter predicate rejects them.
func toFloat(v any) float64 {
	switch v := v.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

// finite maps NaN and infinities to nil so they encode as null.
func finite(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// writeAtomic writes data to a temporary file beside path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "vector: create directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return eris.Wrap(err, "vector: create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "vector: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "vector: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "vector: rename to %s", path)
	}
	return nil
}
