package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "layers", "region"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "cafo-filter", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.True(t, rootCmd.SilenceUsage)
}

func TestRunCommand_Flags(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{"land-cover", "false"},
		{"buffer", "0"},
		{"output-dir", ""},
		{"format", ""},
		{"drop-excluded", "false"},
		{"parallel-layers", "false"},
		{"metric-crs", ""},
		{"layers", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := runCmd.Flags().Lookup(tt.name)
			require.NotNil(t, f, "run should have --%s", tt.name)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestRunCommand_RequiresOneInput(t *testing.T) {
	assert.Error(t, runCmd.Args(runCmd, nil))
	assert.Error(t, runCmd.Args(runCmd, []string{"a.geojson", "b.geojson"}))
	assert.NoError(t, runCmd.Args(runCmd, []string{"a.geojson"}))
}

func TestLayersCommand_Flags(t *testing.T) {
	f := layersCmd.Flags().Lookup("crs")
	require.NotNil(t, f)
	assert.Equal(t, "EPSG:4326", f.DefValue)
	assert.NotNil(t, layersCmd.Flags().Lookup("metric-crs"))
	assert.NotNil(t, layersCmd.Flags().Lookup("layers"))
}

func TestRegionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"region", "/data/detections/NC_2023_final.geojson"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "NC\n", out.String())
}
