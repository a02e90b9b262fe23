package layer

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
)

const defaultGeomColumn = "geom"

// Pool is the part of a pgx pool the PostGIS reader needs.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Connector opens a pool for a PostGIS DSN.
type Connector func(ctx context.Context, dsn string) (Pool, error)

// ConnectPostGIS opens and pings a pgx pool.
func ConnectPostGIS(ctx context.Context, dsn string) (Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "layer: create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "layer: ping database")
	}
	return pool, nil
}

// postgisQuery selects every non-null geometry of table as WKB along with
// its SRID. table may be schema-qualified.
func postgisQuery(table, column string) string {
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	col := pgx.Identifier{column}.Sanitize()
	return fmt.Sprintf("SELECT ST_AsBinary(%[1]s), ST_SRID(%[1]s) FROM %[2]s WHERE %[1]s IS NOT NULL", col, ident)
}

func (s *Store) readPostGIS(ctx context.Context, cfg config.LayerConfig) ([]orb.Geometry, crs.CRS, error) {
	if cfg.Table == "" {
		return nil, crs.Unknown, eris.New("layer: postgis source needs a table")
	}
	column := cfg.GeomColumn
	if column == "" {
		column = defaultGeomColumn
	}

	pool, err := s.opts.Connect(ctx, cfg.Source)
	if err != nil {
		return nil, crs.Unknown, err
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, postgisQuery(cfg.Table, column))
	if err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "layer: query %s", cfg.Table)
	}
	defer rows.Close()

	var (
		geoms []orb.Geometry
		src   = crs.Unknown
	)
	for rows.Next() {
		var (
			data []byte
			srid int32
		)
		if err := rows.Scan(&data, &srid); err != nil {
			return nil, crs.Unknown, eris.Wrapf(err, "layer: scan %s row", cfg.Table)
		}
		g, err := decodeWKB(data)
		if err != nil {
			return nil, crs.Unknown, eris.Wrapf(err, "layer: %s row %d", cfg.Table, len(geoms))
		}
		if g == nil {
			continue
		}
		if srid > 0 {
			if src != crs.Unknown && src != crs.CRS(srid) {
				return nil, crs.Unknown, eris.Errorf("layer: %s mixes SRIDs %d and %d", cfg.Table, int(src), srid)
			}
			src = crs.CRS(srid)
		}
		geoms = append(geoms, g)
	}
	if err := rows.Err(); err != nil {
		return nil, crs.Unknown, eris.Wrapf(err, "layer: iterate %s rows", cfg.Table)
	}

	s.log.Debug("layer: read postgis table",
		zap.String("table", cfg.Table),
		zap.String("column", column),
		zap.Int("rows", len(geoms)),
	)
	return geoms, src, nil
}
