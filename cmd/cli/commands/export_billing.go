package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/internal/config"
	"github.com/jakechorley/carevisit/pkg/clients/sheetsclient"
	"github.com/jakechorley/carevisit/pkg/core/model"
)

// ExportBillingCmd creates the exportBilling command
func ExportBillingCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exportBilling <from> <to>",
		Short: "Append billable visits for a period (YYYY-MM-DD, inclusive) to the billing spreadsheet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := model.ParseDate(args[0])
			if err != nil {
				return err
			}
			to, err := model.ParseDate(args[1])
			if err != nil {
				return err
			}

			spreadsheetID, _ := cmd.Flags().GetString("spreadsheet")
			if spreadsheetID == "" {
				spreadsheetID = app.Cfg.Sheets.BillingSpreadsheetID
			}
			if spreadsheetID == "" {
				return fmt.Errorf("no billing spreadsheet: set sheets.billingSpreadsheetID or pass --spreadsheet")
			}

			oauthCfg, err := config.LoadBillingOAuthClient(app.Env)
			if err != nil {
				return fmt.Errorf("failed to load OAuth client config: %w", err)
			}
			sheets, err := sheetsclient.NewClient(app.Ctx, oauthCfg, app.Env, app.Logger)
			if err != nil {
				return fmt.Errorf("failed to create sheets client: %w", err)
			}

			app.Logger.Debug("exportBilling command",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
				zap.String("spreadsheet_id", spreadsheetID))

			result, err := app.Core.ExportBilling(app.Ctx, sheets, spreadsheetID, from, to, app.Cfg.Location())
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Billing export completed!\n\n")
			fmt.Printf("Tab:      %s\n", sheetsclient.BillingTabTitle(result.Feed))
			fmt.Printf("Billable: %d\n", len(result.Feed.Rows))
			fmt.Printf("Appended: %d\n\n", result.Appended)

			if len(result.Held) > 0 {
				fmt.Printf("⚠️  Held %d visits:\n", len(result.Held))
				for _, h := range result.Held {
					fmt.Printf("  ✗ %s (%s)\n", h.Visit.ID, h.Reason)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().String("spreadsheet", "", "Spreadsheet id (defaults to sheets.billingSpreadsheetID)")

	return cmd
}
