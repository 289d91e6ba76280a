package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/services"
	"github.com/jakechorley/carevisit/pkg/core/visits"
)

// ScheduleVisitCmd creates the scheduleVisit command
func ScheduleVisitCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduleVisit <caregiver_id> <client_id> <start> <end>",
		Short: "Schedule a one-off visit outside any template",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}

			tz, _ := cmd.Flags().GetString("tz")
			if tz == "" {
				tz = app.Cfg.DefaultTimeZone
			}
			location := model.Location{TimeZone: tz}
			loc, err := location.LoadLocation()
			if err != nil {
				return err
			}
			start, err := parseTime(args[2], loc)
			if err != nil {
				return err
			}
			end, err := parseTime(args[3], loc)
			if err != nil {
				return err
			}

			location.Address, _ = cmd.Flags().GetString("address")
			location.Coords.Latitude, _ = cmd.Flags().GetFloat64("lat")
			location.Coords.Longitude, _ = cmd.Flags().GetFloat64("lon")
			location.GeofenceRadiusMeters, _ = cmd.Flags().GetFloat64("radius")
			serviceType, _ := cmd.Flags().GetString("service-type")
			force, _ := cmd.Flags().GetBool("force")

			v, err := app.Core.ScheduleVisit(app.Ctx, services.ScheduleInput{
				CaregiverID:  args[0],
				ClientID:     args[1],
				PlannedStart: start,
				PlannedEnd:   end,
				ServiceType:  serviceType,
				Location:     location,
				Force:        force,
			}, actor)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Visit scheduled\n\n")
			printVisit(v)
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().String("address", "", "Client address")
	cmd.Flags().Float64("lat", 0, "Client latitude")
	cmd.Flags().Float64("lon", 0, "Client longitude")
	cmd.Flags().Float64("radius", 0, "Geofence radius in metres (0 uses the policy radius)")
	cmd.Flags().String("tz", "", "IANA time zone of the client (defaults to config defaultTimeZone)")
	cmd.Flags().String("service-type", "", "Service type")
	cmd.Flags().Bool("force", false, "Schedule despite collisions (requires --elevated)")

	return cmd
}

func addClockFlags(flags *pflag.FlagSet) {
	flags.String("at", "", "Event time, RFC3339 or \"YYYY-MM-DD HH:MM\" (defaults to now)")
	flags.String("lat", "", "Device latitude")
	flags.String("lon", "", "Device longitude")
	flags.Float64("accuracy", 0, "Reported GPS accuracy in metres")
	flags.String("device", "", "Device id")
	flags.Int("policy-version", 0, "Evaluate under this policy version instead of the one active at the event time")
	flags.String("override-reason", "", "Advance the visit despite rejection (requires --elevated)")
}

// clockInput reads the clock flags. Coordinates are only set when both lat and lon are given.
func clockInput(flags *pflag.FlagSet, app *AppContext) (services.ClockInput, error) {
	var in services.ClockInput

	if at, _ := flags.GetString("at"); at != "" {
		ts, err := parseTime(at, app.Cfg.Location())
		if err != nil {
			return in, err
		}
		in.Timestamp = ts
	}

	lat, _ := flags.GetString("lat")
	lon, _ := flags.GetString("lon")
	if (lat == "") != (lon == "") {
		return in, fmt.Errorf("--lat and --lon must be given together")
	}
	if lat != "" {
		latitude, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return in, fmt.Errorf("invalid --lat: %w", err)
		}
		longitude, err := strconv.ParseFloat(lon, 64)
		if err != nil {
			return in, fmt.Errorf("invalid --lon: %w", err)
		}
		in.Coords = &model.Coordinates{Latitude: latitude, Longitude: longitude}
	}

	in.AccuracyMeters, _ = flags.GetFloat64("accuracy")
	in.DeviceID, _ = flags.GetString("device")
	in.PolicyVersion, _ = flags.GetInt("policy-version")
	if reason, _ := flags.GetString("override-reason"); reason != "" {
		in.Override = &visits.ManualOverride{Reason: reason}
	}
	return in, nil
}

// ClockInCmd creates the clockIn command
func ClockInCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clockIn <visit_id>",
		Short: "Record a caregiver clock-in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}
			in, err := clockInput(cmd.Flags(), app)
			if err != nil {
				return err
			}

			v, err := app.Core.RecordClockIn(app.Ctx, args[0], in, actor)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Clocked in (%s)\n\n", v.ClockIn.Classification)
			printVisit(v)
			fmt.Println()
			return nil
		},
	}
	addClockFlags(cmd.Flags())
	return cmd
}

// ClockOutCmd creates the clockOut command
func ClockOutCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clockOut <visit_id>",
		Short: "Record a caregiver clock-out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}
			in, err := clockInput(cmd.Flags(), app)
			if err != nil {
				return err
			}

			v, err := app.Core.RecordClockOut(app.Ctx, args[0], in, actor)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Clocked out (%s)\n\n", v.ClockOut.Classification)
			printVisit(v)
			fmt.Println()
			return nil
		},
	}
	addClockFlags(cmd.Flags())
	return cmd
}

// CancelVisitCmd creates the cancelVisit command
func CancelVisitCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancelVisit <visit_id> <reason>",
		Short: "Cancel a scheduled or in-progress visit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}

			v, err := app.Core.CancelVisit(app.Ctx, args[0], args[1], actor)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Visit cancelled\n\n")
			printVisit(v)
			fmt.Println()
			return nil
		},
	}
}

// AdjudicateVisitCmd creates the adjudicateVisit command
func AdjudicateVisitCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "adjudicateVisit <visit_id> <note>",
		Short: "Clear a disputed visit after supervisor review (requires --elevated)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}

			v, err := app.Core.AdjudicateVisit(app.Ctx, args[0], args[1], actor)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Visit verified\n\n")
			printVisit(v)
			fmt.Println()
			return nil
		},
	}
}

// AmendEventCmd creates the amendEvent command
func AmendEventCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amendEvent <visit_id> <event_seq> <field> <new_value>",
		Short: "Append a correction to an earlier ledger event (requires --elevated)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := app.Actor()
			if err != nil {
				return err
			}
			seq, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("event_seq must be a number: %w", err)
			}
			oldValue, _ := cmd.Flags().GetString("old")
			reason, _ := cmd.Flags().GetString("reason")

			event, err := app.Core.AmendEvent(app.Ctx, args[0], services.AmendInput{
				Amends:   seq,
				Field:    args[2],
				OldValue: oldValue,
				NewValue: args[3],
				Reason:   reason,
			}, actor)
			if err != nil {
				return err
			}

			fmt.Printf("\n✓ Amendment recorded\n\n")
			fmt.Println(eventLine(event))
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().String("old", "", "Value being corrected")
	cmd.Flags().String("reason", "", "Why the correction is needed (required)")

	return cmd
}
