package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ar-forecast/internal/app"
)

var (
	backfillInstruments []string
	backfillFrom        string
	backfillTo          string
	backfillDryRun      bool
	backfillWorkers     int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill daily price bars from the candle provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := parseDay(backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := parseDay(backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.BackfillOptions{
			Instruments: backfillInstruments,
			From:        from,
			To:          to,
			DryRun:      backfillDryRun,
			Workers:     backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

// parseDay accepts RFC3339 timestamps or plain dates.
func parseDay(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillInstruments, "instrument", nil, "Instruments to backfill (defaults to forecast.instruments)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start date (YYYY-MM-DD or RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End date (YYYY-MM-DD or RFC3339)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 2, "Number of concurrent workers")
}
