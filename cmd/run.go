package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/filter"
	"github.com/uchicago-dsi/poultry-cafos/internal/landcover"
	"github.com/uchicago-dsi/poultry-cafos/internal/pipeline"
	"github.com/uchicago-dsi/poultry-cafos/pkg/dynamicworld"
)

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Filter one detection file",
	Long: "Reads a GeoJSON or shapefile of detections, drops rows failing the attribute rules, flags rows " +
		"intersecting the reference layers and writes <output-dir>/<REGION>_filtered.<ext>. The region is the " +
		"first \"_\"-separated token of the input file name.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		opts, err := pipeline.OptionsFromConfig(cfg, args[0])
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("buffer") {
			buffer, _ := cmd.Flags().GetFloat64("buffer")
			if buffer < 0 {
				return eris.Errorf("run: --buffer must not be negative, got %g", buffer)
			}
			opts.BufferOverride = &buffer
		}

		return runFilter(ctx, cfg, opts, os.Stdout)
	},
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	if err := applyLayerManifest(cmd, c); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("land-cover") {
		c.LandCover.Enabled, _ = flags.GetBool("land-cover")
	}
	if flags.Changed("output-dir") {
		c.Pipeline.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("format") {
		c.Pipeline.Format, _ = flags.GetString("format")
	}
	if flags.Changed("drop-excluded") {
		c.Pipeline.DropExcluded, _ = flags.GetBool("drop-excluded")
	}
	if flags.Changed("parallel-layers") {
		c.Pipeline.ParallelLayers, _ = flags.GetBool("parallel-layers")
	}
	if flags.Changed("metric-crs") {
		c.Pipeline.MetricCRS, _ = flags.GetString("metric-crs")
	}
	return nil
}

// runFilter builds the pipeline for c, runs it and prints the result as
// JSON to out.
func runFilter(ctx context.Context, c *config.Config, opts pipeline.Options, out io.Writer) error {
	var pipeOpts []pipeline.Option
	if opts.UseLandCover {
		client := dynamicworld.NewClient(c.LandCover.BaseURL,
			dynamicworld.WithToken(c.LandCover.Token),
			dynamicworld.WithRateLimit(c.LandCover.RatePerSec),
		)
		pipeOpts = append(pipeOpts, pipeline.WithLandCover(landcover.New(client, c.LandCover)))
	}

	p := pipeline.New(filter.RulesFromConfig(c.Filter), pipeOpts...)
	result, err := p.Run(ctx, opts)
	if err != nil {
		return eris.Wrap(err, "pipeline run")
	}

	zap.L().Info("filter complete",
		zap.String("region", result.Region),
		zap.String("output", result.OutputPath),
		zap.Int("retained", result.Retained),
		zap.Int("excluded", result.Excluded),
	)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func addRunFlags(f *pflag.FlagSet) {
	f.Bool("land-cover", false, "enable the land-cover water exclusion stage")
	f.Float64("buffer", 0, "buffer distance in meters applied to every layer, overriding configured buffers")
	f.String("output-dir", "", "directory for the filtered output")
	f.String("format", "", "output format: geojson or shp")
	f.Bool("drop-excluded", false, "write only retained detections")
	f.Bool("parallel-layers", false, "test reference layers concurrently")
	f.String("metric-crs", "", `CRS used for buffering: "auto" or an EPSG code`)
	f.String("layers", "", "YAML layer manifest replacing the configured layers")
}

func init() {
	addRunFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}
