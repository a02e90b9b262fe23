package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/uchicago-dsi/poultry-cafos/internal/vector"
)

// ErrEmptyRegion is returned when no region code can be derived from the
// input file name.
var ErrEmptyRegion = eris.New("pipeline: empty region code")

// RegionCode returns the first "_"-separated token of path's base name,
// extension removed: "NC_predictions_v2.geojson" gives "NC".
func RegionCode(path string) (string, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	region, _, _ := strings.Cut(stem, "_")
	region = strings.TrimSpace(region)
	if region == "" || region == "." || region == string(filepath.Separator) {
		return "", eris.Wrapf(ErrEmptyRegion, "pipeline: %q", path)
	}
	return region, nil
}

// OutputPath names the result file for region: <dir>/<region>_filtered.<ext>.
func OutputPath(dir, region string, format vector.Format) string {
	return filepath.Join(dir, region+"_filtered"+format.Ext())
}
