package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateCmd creates the migrate command
func MigrateCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Postgres == nil {
				return fmt.Errorf("migrate requires database.driver postgres, got %q", app.Cfg.Database.Driver)
			}

			applied, err := app.Postgres.RunMigrations(app.Ctx)
			if err != nil {
				return err
			}

			if applied == 0 {
				fmt.Println("Database is up to date.")
				return nil
			}
			fmt.Printf("\n✓ Applied %d migrations\n\n", applied)
			return nil
		},
	}
}
