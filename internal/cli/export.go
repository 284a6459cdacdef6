package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ar-forecast/internal/app"
)

var (
	exportInstrument string
	exportAt         string
	exportPNGPath    string
	exportCSVPath    string
	exportMaxPoints  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a forecast calculation trace as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Instrument: exportInstrument,
			PNGPath:    exportPNGPath,
			CSVPath:    exportCSVPath,
			MaxPoints:  exportMaxPoints,
		}

		if exportAt != "" {
			at, err := time.Parse(time.RFC3339, exportAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
			opts.At = &at
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportInstrument, "instrument", "", "Instrument identifier")
	exportCmd.Flags().StringVar(&exportAt, "at", "", "End of the history window (RFC3339, defaults to now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
