package layer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/vector"
)

// Source kinds, chosen from the source string.
const (
	kindShapefile  = "shapefile"
	kindZip        = "zip"
	kindGeoJSON    = "geojson"
	kindGeoPackage = "geopackage"
	kindPostGIS    = "postgis"
	kindHTTP       = "http"
)

// Kind names the reader used for a source string.
func Kind(source string) (string, error) {
	lower := strings.ToLower(source)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return kindPostGIS, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return kindHTTP, nil
	}
	switch filepath.Ext(lower) {
	case ".shp":
		return kindShapefile, nil
	case ".zip":
		return kindZip, nil
	case ".geojson", ".json":
		return kindGeoJSON, nil
	case ".gpkg":
		return kindGeoPackage, nil
	}
	return "", eris.Errorf("layer: unsupported source %q", source)
}

// read returns the raw geometries of cfg's source and the CRS the source
// declares (crs.Unknown when it declares none).
func (s *Store) read(ctx context.Context, cfg config.LayerConfig) ([]orb.Geometry, crs.CRS, error) {
	kind, err := Kind(cfg.Source)
	if err != nil {
		return nil, crs.Unknown, err
	}
	switch kind {
	case kindPostGIS:
		return s.readPostGIS(ctx, cfg)
	case kindHTTP:
		path, err := s.fetch(ctx, cfg.Source)
		if err != nil {
			return nil, crs.Unknown, err
		}
		return s.readFile(ctx, path, cfg.Table)
	}
	return s.readFile(ctx, cfg.Source, cfg.Table)
}

func (s *Store) readFile(ctx context.Context, path, table string) ([]orb.Geometry, crs.CRS, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, crs.Unknown, eris.Wrapf(ErrSourceNotFound, "layer: %s", path)
		}
		return nil, crs.Unknown, eris.Wrapf(err, "layer: stat %s", path)
	}
	kind, err := Kind(path)
	if err != nil {
		return nil, crs.Unknown, err
	}
	switch kind {
	case kindShapefile:
		return vector.ReadShapefileGeometries(path)
	case kindGeoJSON:
		return vector.ReadGeoJSONGeometries(path)
	case kindGeoPackage:
		return readGeoPackage(ctx, path, table)
	case kindZip:
		inner, err := s.unzip(path)
		if err != nil {
			return nil, crs.Unknown, err
		}
		return s.readFile(ctx, inner, table)
	}
	return nil, crs.Unknown, eris.Errorf("layer: unsupported file %q", path)
}
