package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/db"
)

// AuditChainCmd creates the auditChain command
func AuditChainCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "auditChain <visit_id>",
		Short: "Print and verify the audit ledger of a visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := app.Core.GetAuditChain(app.Ctx, args[0])

			var integrityErr *model.LedgerIntegrityError
			if err != nil && !errors.As(err, &integrityErr) {
				return err
			}

			fmt.Printf("\nAudit chain for visit %s (%d events):\n\n", args[0], len(chain))
			for _, e := range chain {
				marker := " "
				if integrityErr != nil && e.VisitSeq == integrityErr.VisitSeq {
					marker = "✗"
				}
				fmt.Printf("%s %s\n", marker, eventLine(e))
			}
			fmt.Println()

			if integrityErr != nil {
				fmt.Printf("⚠️  Chain failed verification at seq %d: %s\n\n", integrityErr.VisitSeq, integrityErr.Reason)
				return err
			}
			fmt.Printf("✓ Chain verified\n\n")
			return nil
		},
	}
}

// visitFilter builds a filter from the list flags. Dates are whole days in loc.
func visitFilter(cmd *cobra.Command, app *AppContext) (db.VisitFilter, error) {
	var filter db.VisitFilter
	filter.CaregiverID, _ = cmd.Flags().GetString("caregiver")
	filter.ClientID, _ = cmd.Flags().GetString("client")
	filter.TemplateID, _ = cmd.Flags().GetString("template")

	loc := app.Cfg.Location()
	if from, _ := cmd.Flags().GetString("from"); from != "" {
		d, err := model.ParseDate(from)
		if err != nil {
			return filter, err
		}
		filter.From = d.In(loc)
	}
	if to, _ := cmd.Flags().GetString("to"); to != "" {
		d, err := model.ParseDate(to)
		if err != nil {
			return filter, err
		}
		filter.To = d.EndIn(loc)
	}

	statuses, _ := cmd.Flags().GetStringSlice("status")
	for _, s := range statuses {
		status, err := model.ParseVisitStatus(strings.TrimSpace(s))
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return filter, nil
}

// ListVisitsCmd creates the listVisits command
func ListVisitsCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listVisits",
		Short: "List visits, optionally checking them against the scheduling rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := visitFilter(cmd, app)
			if err != nil {
				return err
			}
			validate, _ := cmd.Flags().GetBool("validate")

			visits, err := app.Core.ListVisits(app.Ctx, filter)
			if err != nil {
				return err
			}

			if len(visits) == 0 {
				fmt.Println("No visits found.")
				return nil
			}

			fmt.Printf("\n%d visits:\n\n", len(visits))
			for _, v := range visits {
				printVisit(v)
			}
			fmt.Println()

			if !validate {
				return nil
			}
			violations := app.Core.ValidateSchedule(visits)
			if len(violations) == 0 {
				fmt.Printf("✓ No scheduling rule violations\n\n")
				return nil
			}
			fmt.Printf("⚠️  %d scheduling rule violations:\n", len(violations))
			for _, ve := range violations {
				fmt.Printf("  ✗ [%s] %s\n", ve.RuleName, ve.Description)
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().String("caregiver", "", "Only visits for this caregiver")
	cmd.Flags().String("client", "", "Only visits for this client")
	cmd.Flags().String("template", "", "Only visits generated from this template")
	cmd.Flags().String("from", "", "First day of the range (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "Last day of the range (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringSlice("status", nil, "Only visits in these statuses (comma separated)")
	cmd.Flags().Bool("validate", false, "Report overlapping visits among the results")

	return cmd
}
