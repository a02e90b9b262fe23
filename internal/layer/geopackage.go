package layer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
)

const gpkgColumnsSQL = `
SELECT g.table_name, g.column_name, COALESCE(s.organization, ''), COALESCE(s.organization_coordsys_id, 0)
FROM gpkg_geometry_columns g
LEFT JOIN gpkg_spatial_ref_sys s ON s.srs_id = g.srs_id
ORDER BY g.table_name`

type gpkgTable struct {
	table  string
	column string
	crs    crs.CRS
}

// readGeoPackage returns the geometries of one feature table. With table
// empty the first feature table (by name) is read.
func readGeoPackage(ctx context.Context, path, table string) ([]orb.Geometry, crs.CRS, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "layer: open geopackage %s", path)
	}
	defer db.Close() //nolint:errcheck

	t, err := gpkgFeatureTable(ctx, db, table)
	if err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "layer: %s", path)
	}

	q := fmt.Sprintf("SELECT %s FROM %s", quoteIdent(t.column), quoteIdent(t.table))
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "layer: query %s", t.table)
	}
	defer rows.Close() //nolint:errcheck

	var geoms []orb.Geometry
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, crs.Unknown, eris.Wrapf(err, "layer: scan %s", t.table)
		}
		if len(blob) == 0 {
			continue
		}
		g, _, err := decodeGeoPackageBlob(blob)
		if err != nil {
			return nil, crs.Unknown, eris.Wrapf(err, "layer: %s row %d", t.table, len(geoms))
		}
		if g != nil {
			geoms = append(geoms, g)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "layer: iterate %s", t.table)
	}
	return geoms, t.crs, nil
}

func gpkgFeatureTable(ctx context.Context, db *sql.DB, want string) (gpkgTable, error) {
	rows, err := db.QueryContext(ctx, gpkgColumnsSQL)
	if err != nil {
		return gpkgTable{}, eris.Wrap(err, "read gpkg_geometry_columns")
	}
	defer rows.Close() //nolint:errcheck

	var names []string
	for rows.Next() {
		var (
			t    gpkgTable
			org  string
			code int64
		)
		if err := rows.Scan(&t.table, &t.column, &org, &code); err != nil {
			return gpkgTable{}, eris.Wrap(err, "scan gpkg_geometry_columns")
		}
		if strings.EqualFold(org, "EPSG") && code > 0 {
			t.crs = crs.CRS(code)
		}
		if want == "" || strings.EqualFold(want, t.table) {
			return t, nil
		}
		names = append(names, t.table)
	}
	if err := rows.Err(); err != nil {
		return gpkgTable{}, eris.Wrap(err, "iterate gpkg_geometry_columns")
	}
	if want == "" {
		return gpkgTable{}, eris.Wrap(ErrEmptyLayer, "no feature tables")
	}
	return gpkgTable{}, eris.Errorf("no feature table %q (have %s)", want, strings.Join(names, ", "))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
