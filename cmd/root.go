package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uchicago-dsi/poultry-cafos/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "cafo-filter",
	Short: "False-positive filter for poultry CAFO detections",
	Long: "Removes false-positive barn detections using attribute rules, buffered reference layers " +
		"(coastline, water bodies, airports, parks, mountain ranges, roads, downtown areas) and an optional land-cover water check.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// applyLayerManifest replaces the layers in c with those listed in the
// --layers file, when one is given.
func applyLayerManifest(cmd *cobra.Command, c *config.Config) error {
	path, _ := cmd.Flags().GetString("layers")
	if path == "" {
		return nil
	}
	layers, err := config.LoadLayers(path)
	if err != nil {
		return err
	}
	c.Layers = layers
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
