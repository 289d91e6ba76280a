package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/services"
)

// DefineTemplateCmd creates the defineTemplate command
func DefineTemplateCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "defineTemplate <template.yaml>",
		Short: "Define a new recurring shift template from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}
			tpl, err := loadTemplateFile(args[0], app.Cfg.DefaultTimeZone)
			if err != nil {
				return err
			}

			created, err := app.Core.CreateTemplate(app.Ctx, tpl, actor)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Template created successfully!\n\n")
			printTemplate(created)
			fmt.Println()
			return nil
		},
	}
}

// SupersedeTemplateCmd creates the supersedeTemplate command
func SupersedeTemplateCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "supersedeTemplate <template_id> <template.yaml>",
		Short: "Replace a template with a new version, cancelling its future scheduled visits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}
			tpl, err := loadTemplateFile(args[1], app.Cfg.DefaultTimeZone)
			if err != nil {
				return err
			}

			result, err := app.Core.SupersedeTemplate(app.Ctx, args[0], tpl, actor)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Template superseded\n\n")
			printTemplate(result.Template)
			fmt.Printf("\nCancelled %d scheduled visits", len(result.Cancelled))
			if len(result.Kept) > 0 {
				fmt.Printf(", kept %d already under way", len(result.Kept))
			}
			fmt.Printf("\n\n")
			for _, id := range result.Held {
				fmt.Printf("⚠️  %s left scheduled: audit chain failed verification\n", id)
			}
			return nil
		},
	}
}

// GenerateVisitsCmd creates the generateVisits command
func GenerateVisitsCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generateVisits <template_id> <from> <to>",
		Short: "Materialize a template's visits for a date range (YYYY-MM-DD, inclusive)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}
			from, err := model.ParseDate(args[1])
			if err != nil {
				return err
			}
			to, err := model.ParseDate(args[2])
			if err != nil {
				return err
			}
			onConflict, _ := cmd.Flags().GetString("on-conflict")
			resolution, err := services.ParseConflictResolution(onConflict)
			if err != nil {
				return err
			}

			result, err := app.Core.GenerateVisits(app.Ctx, args[0], from, to, services.GenerateOptions{
				OnConflict: resolution,
				Actor:      actor,
			})
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Generated visits for %s to %s\n\n", from, to)
			fmt.Printf("Created:  %d\n", len(result.Created))
			fmt.Printf("Existing: %d\n", result.Existing)
			fmt.Printf("Skipped:  %d\n\n", len(result.Skipped))

			for _, s := range result.Skipped {
				fmt.Printf("  ✗ %s collides with %v\n", visitLine(s.Candidate), conflictIDs(s.Collisions))
			}
			for _, v := range result.Visits {
				fmt.Printf("  %s\n", visitLine(v))
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().String("on-conflict", string(services.ConflictSkip), "How to handle colliding candidates: skip, fail or force")

	return cmd
}

func conflictIDs(collisions []model.Collision) []string {
	ids := make([]string, len(collisions))
	for i, c := range collisions {
		ids[i] = fmt.Sprintf("%s (%s)", c.VisitID, c.Rule)
	}
	return ids
}
