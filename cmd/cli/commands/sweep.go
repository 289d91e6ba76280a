package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// SweepCmd creates the sweep command
func SweepCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass marking missed visits and flagging unverified ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := app.Core.SweepOnce(app.Ctx, time.Now().UTC())
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Sweep completed\n\n")
			fmt.Printf("Missed:  %d\n", result.Missed)
			fmt.Printf("Flagged: %d\n", result.Flagged)
			if result.Failed > 0 {
				fmt.Printf("⚠️  Failed: %d (see logs, retried on the next pass)\n", result.Failed)
			}
			fmt.Println()
			return nil
		},
	}
}
