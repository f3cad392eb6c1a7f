package cli

import (
	"github.com/spf13/cobra"

	"updown/internal/app"
)

var (
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Simulate rounds and export outcomes as CSV and/or the price path as PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Simulate:  simulateOptions(),
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	addSimulateFlags(exportCmd)
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV outcomes")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum price points to plot (defaults to config)")
}
