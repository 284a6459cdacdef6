package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ar-forecast/internal/app"
)

var (
	forecastInstrument string
	forecastAt         string
	forecastJSON       bool
	forecastPersist    bool
)

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Forecast the next-period return of one instrument",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ForecastOptions{
			Instrument: forecastInstrument,
			JSON:       forecastJSON,
			Persist:    forecastPersist,
		}
		if forecastAt != "" {
			at, err := time.Parse(time.RFC3339, forecastAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
			opts.At = at
		}
		return getApp().Forecast(cmd.Context(), opts)
	},
}

func init() {
	forecastCmd.Flags().StringVar(&forecastInstrument, "instrument", "", "Instrument identifier")
	forecastCmd.Flags().StringVar(&forecastAt, "at", "", "End of the history window (RFC3339, defaults to now)")
	forecastCmd.Flags().BoolVar(&forecastJSON, "json", false, "Print the full result as JSON")
	forecastCmd.Flags().BoolVar(&forecastPersist, "persist", false, "Store the forecast in the database")
	_ = forecastCmd.MarkFlagRequired("instrument")
}
