package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
	"github.com/uchicago-dsi/poultry-cafos/internal/crs"
	"github.com/uchicago-dsi/poultry-cafos/internal/layer"
)

var layersCmd = &cobra.Command{
	Use:   "layers",
	Short: "Load every configured reference layer and report what it holds",
	Long: "Loads, buffers and reprojects each reference layer exactly as a run would, then prints one line " +
		"per layer. Exits non-zero when any layer fails to load.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := applyLayerManifest(cmd, cfg); err != nil {
			return err
		}
		targetFlag, _ := cmd.Flags().GetString("crs")
		target, err := crs.Parse(targetFlag)
		if err != nil {
			return err
		}
		metricSetting := cfg.Pipeline.MetricCRS
		if cmd.Flags().Changed("metric-crs") {
			metricSetting, _ = cmd.Flags().GetString("metric-crs")
		}

		summaries, metric, err := inspectLayers(ctx, cfg.Layers, metricSetting, target, cfg.Pipeline)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "target %s, buffers computed in %s\n\n", target, metric)
		formatLayers(cmd.OutOrStdout(), summaries)

		failed := 0
		for _, s := range summaries {
			if s.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			return eris.Errorf("layers: %d of %d layers failed to load", failed, len(summaries))
		}
		return nil
	},
}

type layerSummary struct {
	Config   config.LayerConfig
	Features int
	Parts    int
	Bound    orb.Bound
	Err      error
}

// inspectLayers loads every layer into target. An "auto" metric setting is
// resolved from the centre of all unbuffered layers.
func inspectLayers(ctx context.Context, layers []config.LayerConfig, metricSetting string, target crs.CRS, p config.PipelineConfig) ([]layerSummary, crs.CRS, error) {
	metric, err := resolveLayerMetric(ctx, layers, metricSetting, p)
	if err != nil {
		return nil, crs.Unknown, err
	}

	store := layer.NewStore(layer.Options{
		MetricCRS:        metric,
		QuadrantSegments: p.BufferQuadrantSegments,
		TempDir:          p.TempDir,
	})
	defer store.Close() //nolint:errcheck

	out := make([]layerSummary, 0, len(layers))
	for _, lc := range layers {
		s := layerSummary{Config: lc}
		l, err := store.Load(ctx, lc, target)
		if err != nil {
			s.Err = err
		} else {
			s.Features = l.Features
			s.Parts = l.Len()
			s.Bound = l.Bound()
		}
		out = append(out, s)
	}
	return out, metric, nil
}

func resolveLayerMetric(ctx context.Context, layers []config.LayerConfig, setting string, p config.PipelineConfig) (crs.CRS, error) {
	if setting != "" && setting != "auto" {
		return crs.MetricFor(setting, orb.Point{}, crs.WGS84)
	}

	raw := layer.NewStore(layer.Options{TempDir: p.TempDir})
	defer raw.Close() //nolint:errcheck

	var (
		b     orb.Bound
		found bool
	)
	for _, lc := range layers {
		lc.Buffer = 0
		l, err := raw.Load(ctx, lc, crs.WGS84)
		if err != nil {
			continue
		}
		if !found {
			b, found = l.Bound(), true
			continue
		}
		b = b.Union(l.Bound())
	}
	if !found {
		return crs.WebMercator, nil
	}
	return crs.MetricFor("auto", b.Center(), crs.WGS84)
}

func formatLayers(w io.Writer, summaries []layerSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBUFFER_M\tFEATURES\tPARTS\tBOUNDS\tSOURCE\tSTATUS")
	for _, s := range summaries {
		status, bounds := "ok", "-"
		if s.Err != nil {
			status = s.Err.Error()
		} else {
			bounds = fmt.Sprintf("[%.4f %.4f, %.4f %.4f]", s.Bound.Min.X(), s.Bound.Min.Y(), s.Bound.Max.X(), s.Bound.Max.Y())
		}
		fmt.Fprintf(tw, "%s\t%g\t%d\t%d\t%s\t%s\t%s\n",
			s.Config.Name, s.Config.Buffer, s.Features, s.Parts, bounds, s.Config.Source, status)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	layersCmd.Flags().String("crs", "EPSG:4326", "CRS to conform layers to")
	layersCmd.Flags().String("metric-crs", "", `CRS used for buffering: "auto" or an EPSG code (default from config)`)
	layersCmd.Flags().String("layers", "", "YAML layer manifest replacing the configured layers")
	rootCmd.AddCommand(layersCmd)
}
