package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ar-forecast/internal/app"
)

var (
	simulateInstrument string
	simulateReturn     string
	simulateConfidence float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send an alert for a synthetic forecast",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateConfidence < 0 || simulateConfidence > 1 {
			return errors.New("--confidence must be within [0, 1]")
		}
		ret, err := decimal.NewFromString(simulateReturn)
		if err != nil {
			return errors.New("--return must be a decimal, e.g. 0.025")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Instrument:     simulateInstrument,
			ExpectedReturn: ret,
			Confidence:     simulateConfidence,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateInstrument, "instrument", "SIM", "Instrument identifier")
	simulateCmd.Flags().StringVar(&simulateReturn, "return", "0", "Expected return as a fraction")
	simulateCmd.Flags().Float64Var(&simulateConfidence, "confidence", 0.8, "Confidence level")
}
