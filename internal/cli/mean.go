package cli

import (
	"github.com/spf13/cobra"

	"ar-forecast/internal/app"
)

var meanInstrument string

var meanCmd = &cobra.Command{
	Use:   "mean",
	Short: "Compute and store the mean open-close change of an instrument",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Mean(cmd.Context(), app.MeanOptions{Instrument: meanInstrument})
	},
}

func init() {
	meanCmd.Flags().StringVar(&meanInstrument, "instrument", "", "Instrument identifier")
	_ = meanCmd.MarkFlagRequired("instrument")
}
