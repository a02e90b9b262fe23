package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uchicago-dsi/poultry-cafos/internal/pipeline"
)

var regionCmd = &cobra.Command{
	Use:   "region <input>",
	Short: "Print the region code derived from an input file name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		region, err := pipeline.RegionCode(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), region)
		return err
	},
}

func init() {
	rootCmd.AddCommand(regionCmd)
}
