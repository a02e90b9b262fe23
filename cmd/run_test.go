package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/layer"
	"github.com/uchicago-dsi/poultry-cafos/internal/model"
	"github.com/uchicago-dsi/poultry-cafos/internal/pipeline"
)

const degPerMeter = 1.0 / 111000

// writeDetections writes three barns near 35N. Row 0 is 100 m north of the
// coastline, row 1 is 500 m north, row 2 is too small to be a barn.
func writeDetections(t *testing.T, dir string) string {
	t.Helper()
	type barn struct {
		lon, lat, area float64
	}
	barns := []barn{
		{-78.00, 35 + 100*degPerMeter, 1200},
		{-77.99, 35 + 500*degPerMeter, 1200},
		{-77.98, 35 + 500*degPerMeter, 100},
	}
	var feats []string
	for _, b := range barns {
		feats = append(feats, fmt.Sprintf(`{"type":"Feature","properties":{"rectangle_aspect_ratio":5,"distance_to_nearest_road":30,"area":%g},"geometry":{"type":"Polygon","coordinates":[[[%[2]f,%[3]f],[%[4]f,%[3]f],[%[4]f,%[5]f],[%[2]f,%[5]f],[%[2]f,%[3]f]]]}}`,
			b.area, b.lon, b.lat, b.lon+0.0002, b.lat+0.0002))
	}
	p := filepath.Join(dir, "NC_2023_detections.geojson")
	require.NoError(t, os.WriteFile(p, []byte(`{"type":"FeatureCollection","features":[`+strings.Join(feats, ",")+`]}`), 0o644))
	return p
}

func writeCoastline(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "coastline.geojson")
	require.NoError(t, os.WriteFile(p, []byte(
		`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"LineString","coordinates":[[-78.05,35],[-77.9,35]]}}]}`), 0o644))
	return p
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	return &config.Config{
		Log: config.LogConfig{Level: "error", Format: "console"},
		Filter: config.FilterConfig{
			MinAspectRatio: 3.4, MaxAspectRatio: 20.49,
			MinArea: 525.69, MaxArea: 8106.53,
		},
		Pipeline: config.PipelineConfig{
			MetricCRS:              "auto",
			BufferQuadrantSegments: 8,
			OutputDir:              filepath.Join(dir, "out"),
			Format:                 "geojson",
		},
		Layers: []config.LayerConfig{
			{Name: "coastline", Source: writeCoastline(t, dir), Buffer: 150},
		},
		LandCover: config.LandCoverConfig{
			Concurrency: 2, MaxAttempts: 1, TimeoutSecs: 5,
			FailureThreshold: 5, ResetTimeoutSecs: 30,
		},
	}
}

func decodeResult(t *testing.T, out *bytes.Buffer) pipeline.Result {
	t.Helper()
	var res pipeline.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	return res
}

func TestRunFilter(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)
	opts, err := pipeline.OptionsFromConfig(c, writeDetections(t, dir))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runFilter(context.Background(), c, opts, &out))

	res := decodeResult(t, &out)
	assert.Equal(t, "NC", res.Region)
	assert.Equal(t, filepath.Join(dir, "out", "NC_filtered.geojson"), res.OutputPath)
	assert.Equal(t, crs.UTM(18, true), res.MetricCRS)
	assert.Equal(t, 3, res.InputRows)
	assert.Equal(t, 2, res.FilteredRows)
	assert.Equal(t, 1, res.Retained)
	assert.Equal(t, 1, res.Excluded)
	assert.Equal(t, map[string]int{"coastline": 1}, res.ByReason)
	assert.Nil(t, res.LandCover)
	assert.FileExists(t, res.OutputPath)
}

func TestRunFilter_LandCover(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/v1/label", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"label":0}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := testConfig(t, dir)
	c.LandCover.Enabled = true
	c.LandCover.BaseURL = srv.URL
	c.LandCover.Token = "secret"
	c.LandCover.Concurrency = 1
	opts, err := pipeline.OptionsFromConfig(c, writeDetections(t, dir))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runFilter(context.Background(), c, opts, &out))

	res := decodeResult(t, &out)
	assert.Equal(t, 1, calls, "only the row the layers kept is classified")
	assert.Equal(t, 0, res.Retained)
	assert.Equal(t, map[string]int{"coastline": 1, model.ReasonLandCover: 1}, res.ByReason)
	require.NotNil(t, res.LandCover)
	assert.Equal(t, 1, res.LandCover.Water)
}

func TestRunFilter_MissingInput(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)
	opts, err := pipeline.OptionsFromConfig(c, filepath.Join(dir, "NC_missing.geojson"))
	require.NoError(t, err)

	var out bytes.Buffer
	assert.Error(t, runFilter(context.Background(), c, opts, &out))
	assert.Empty(t, out.String())
	assert.NoFileExists(t, filepath.Join(dir, "out", "NC_filtered.geojson"))
}

func newRunFlagsCommand() *cobra.Command {
	c := &cobra.Command{Use: "run"}
	addRunFlags(c.Flags())
	return c
}

func TestApplyRunFlags(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)

	manifest := filepath.Join(dir, "layers.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("layers:\n  - name: parks\n    source: parks.shp\n  - name: roads\n    source: postgres://gis/db\n    table: roads\n    buffer: 25\n"), 0o644))

	cmd := newRunFlagsCommand()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--land-cover",
		"--output-dir", "/tmp/filtered",
		"--format", "shp",
		"--drop-excluded",
		"--parallel-layers",
		"--metric-crs", "EPSG:5070",
		"--layers", manifest,
	}))
	require.NoError(t, applyRunFlags(cmd, c))

	assert.True(t, c.LandCover.Enabled)
	assert.Equal(t, "/tmp/filtered", c.Pipeline.OutputDir)
	assert.Equal(t, "shp", c.Pipeline.Format)
	assert.True(t, c.Pipeline.DropExcluded)
	assert.True(t, c.Pipeline.ParallelLayers)
	assert.Equal(t, "EPSG:5070", c.Pipeline.MetricCRS)
	require.Len(t, c.Layers, 2)
	assert.Equal(t, filepath.Join(dir, "parks.shp"), c.Layers[0].Source)
	assert.Equal(t, "postgres://gis/db", c.Layers[1].Source)
	assert.Equal(t, 25.0, c.Layers[1].Buffer)
}

func TestApplyRunFlags_UnsetFlagsKeepConfig(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)
	before := *c

	cmd := newRunFlagsCommand()
	require.NoError(t, cmd.Flags().Parse(nil))
	require.NoError(t, applyRunFlags(cmd, c))

	assert.Equal(t, before.Pipeline, c.Pipeline)
	assert.Equal(t, before.LandCover, c.LandCover)
	assert.Equal(t, before.Layers, c.Layers)
}

func TestApplyRunFlags_BadManifest(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)

	cmd := newRunFlagsCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--layers", filepath.Join(dir, "nope.yaml")}))
	assert.Error(t, applyRunFlags(cmd, c))
}

func TestRunCommand_NegativeBuffer(t *testing.T) {
	dir := t.TempDir()
	input := writeDetections(t, dir)

	// Config comes from defaults; keep output inside the temp dir.
	t.Chdir(dir)
	rootCmd.SetArgs([]string{"run", input, "--buffer=-5", "--output-dir", filepath.Join(dir, "out")})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--buffer must not be negative")
	assert.NoDirExists(t, filepath.Join(dir, "out"))
}

func TestInspectLayers(t *testing.T) {
	dir := t.TempDir()
	layers := []config.LayerConfig{
		{Name: "coastline", Source: writeCoastline(t, dir), Buffer: 150},
		{Name: "airports", Source: filepath.Join(dir, "airports.shp")},
	}

	summaries, metric, err := inspectLayers(context.Background(), layers, "auto", crs.WGS84,
		config.PipelineConfig{BufferQuadrantSegments: 8, TempDir: dir})
	require.NoError(t, err)
	assert.Equal(t, crs.UTM(18, true), metric, "centre of the coastline is at -77.975")
	require.Len(t, summaries, 2)

	coast := summaries[0]
	require.NoError(t, coast.Err)
	assert.Equal(t, 1, coast.Features)
	assert.Equal(t, 1, coast.Parts)
	assert.Less(t, coast.Bound.Min.Y(), 35.0, "buffer extends south of the line")
	assert.Greater(t, coast.Bound.Max.Y(), 35.0)

	assert.ErrorIs(t, summaries[1].Err, layer.ErrSourceNotFound)

	var out bytes.Buffer
	formatLayers(&out, summaries)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[1], "coastline")
	assert.Contains(t, lines[1], "ok")
	assert.Contains(t, lines[2], "airports")
	assert.Contains(t, lines[2], "source not found")
}

func TestInspectLayers_FixedMetric(t *testing.T) {
	dir := t.TempDir()
	layers := []config.LayerConfig{{Name: "coastline", Source: writeCoastline(t, dir), Buffer: 150}}

	_, metric, err := inspectLayers(context.Background(), layers, "EPSG:32618", crs.WGS84,
		config.PipelineConfig{BufferQuadrantSegments: 8})
	require.NoError(t, err)
	assert.Equal(t, crs.UTM(18, true), metric)

	_, _, err = inspectLayers(context.Background(), layers, "EPSG:4326", crs.WGS84,
		config.PipelineConfig{BufferQuadrantSegments: 8})
	assert.Error(t, err, "geographic CRS cannot be used for buffering")

	_, _, err = inspectLayers(context.Background(), layers, "EPSG:3857", crs.WGS84,
		config.PipelineConfig{BufferQuadrantSegments: 8})
	require.Error(t, err, "web mercator distances stretch with latitude")
	assert.Contains(t, err.Error(), "1/cos(latitude)")
}

func TestInspectLayers_NothingLoadsFallsBackToWebMercator(t *testing.T) {
	dir := t.TempDir()
	layers := []config.LayerConfig{{Name: "airports", Source: filepath.Join(dir, "missing.geojson")}}

	summaries, metric, err := inspectLayers(context.Background(), layers, "auto", crs.WGS84,
		config.PipelineConfig{BufferQuadrantSegments: 8})
	require.NoError(t, err)
	assert.Equal(t, crs.WebMercator, metric)
	assert.Error(t, summaries[0].Err)
}
