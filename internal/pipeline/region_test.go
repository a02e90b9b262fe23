package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uchicago-dsi/poultry-cafos/internal/vector"
)

func TestRegionCode(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"NC_predictions_v2.geojson", "NC"},
		{"/data/model/IA_2021_run3.shp", "IA"},
		{"output/NC.geojson", "NC"},
		{"delmarva_predictions", "delmarva"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := RegionCode(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegionCode_Empty(t *testing.T) {
	for _, path := range []string{"_predictions.geojson", "data/_NC.shp", ".geojson", ""} {
		t.Run(path, func(t *testing.T) {
			_, err := RegionCode(path)
			assert.ErrorIs(t, err, ErrEmptyRegion)
		})
	}
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("output", "NC_filtered.geojson"), OutputPath("output", "NC", vector.GeoJSON))
	assert.Equal(t, filepath.Join("/tmp/out", "IA_filtered.shp"), OutputPath("/tmp/out", "IA", vector.Shapefile))
}
