package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/cmd/cli/commands"
	"github.com/jakechorley/carevisit/internal/config"
	"github.com/jakechorley/carevisit/pkg/clients/kafkaclient"
	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/core/services"
	"github.com/jakechorley/carevisit/pkg/db"
	"github.com/jakechorley/carevisit/pkg/metrics"
	"github.com/jakechorley/carevisit/pkg/postgres"
	"github.com/jakechorley/carevisit/pkg/utils/logging"
)

var (
	env     string
	jsonLog bool
	app     = &commands.AppContext{}
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cli",
		Short: "carevisit CLI - Schedule, verify and audit home care visits",
		Long:  `A CLI for generating caregiver visits from shift templates, recording verified clock events and reading the audit ledger.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
			if app.Logger != nil {
				_ = app.Logger.Sync()
			}
		},
		SilenceUsage: true,
	}

	// Add persistent flags
	rootCmd.PersistentFlags().StringVarP(&env, "env", "e", "", "Environment (required: test, prod, etc.)")
	rootCmd.MarkPersistentFlagRequired("env")
	rootCmd.PersistentFlags().StringVar(&app.ActorID, "actor", "", "Actor id recorded on ledger events")
	rootCmd.PersistentFlags().BoolVar(&app.ActorElevated, "elevated", false, "Act with supervisor privileges")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Write console logs as JSON")

	// Add all commands
	rootCmd.AddCommand(commands.MigrateCmd(app))
	rootCmd.AddCommand(commands.DefineTemplateCmd(app))
	rootCmd.AddCommand(commands.SupersedeTemplateCmd(app))
	rootCmd.AddCommand(commands.GenerateVisitsCmd(app))
	rootCmd.AddCommand(commands.ScheduleVisitCmd(app))
	rootCmd.AddCommand(commands.ClockInCmd(app))
	rootCmd.AddCommand(commands.ClockOutCmd(app))
	rootCmd.AddCommand(commands.CancelVisitCmd(app))
	rootCmd.AddCommand(commands.AdjudicateVisitCmd(app))
	rootCmd.AddCommand(commands.AmendEventCmd(app))
	rootCmd.AddCommand(commands.AuditChainCmd(app))
	rootCmd.AddCommand(commands.ListVisitsCmd(app))
	rootCmd.AddCommand(commands.SweepCmd(app))
	rootCmd.AddCommand(commands.ExportBillingCmd(app))
	rootCmd.AddCommand(commands.ServeCmd(app))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initApp sets up logger, config, store, publisher and the core
func initApp() error {
	var err error
	app.Env = env
	app.Ctx = context.Background()

	// Initialize logger
	var logOpts []logging.Option
	if jsonLog {
		logOpts = append(logOpts, logging.WithJSONConsole())
	}
	app.Logger, err = logging.InitLogger(env, logOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.Logger.Info("Starting application", zap.String("environment", env))

	// Load configuration
	app.Logger.Info("Loading configuration")
	app.Cfg, err = config.LoadWithEnv(env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.Logger.Debug("Configuration loaded successfully",
		zap.String("database_driver", app.Cfg.Database.Driver),
		zap.Int("policies", len(app.Cfg.Policies)))

	// Initialize store
	switch app.Cfg.Database.Driver {
	case "postgres":
		app.Logger.Info("Connecting to database")
		app.Postgres, err = postgres.NewDB(app.Ctx, app.Cfg.Database.URL, app.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		app.Store = app.Postgres
	default:
		app.Logger.Warn("Using in-memory store; nothing is persisted after exit")
		app.Store = db.NewMemory()
	}

	// Initialize metrics
	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.New(app.Registry)

	// Initialize core
	engine, err := recurrence.NewEngine(app.Cfg.Closures)
	if err != nil {
		return fmt.Errorf("failed to create recurrence engine: %w", err)
	}
	policies, err := app.Cfg.PolicyRegistry()
	if err != nil {
		return fmt.Errorf("failed to load verification policies: %w", err)
	}

	opts := []services.Option{
		services.WithMetrics(app.Metrics),
		services.WithSweepWorkers(app.Cfg.Sweep.Workers),
	}

	// Initialize kafka publisher
	if len(app.Cfg.Kafka.Brokers) > 0 {
		app.Logger.Info("Connecting to kafka", zap.Strings("brokers", app.Cfg.Kafka.Brokers))
		app.Publisher, err = kafkaclient.NewPublisher(app.Cfg.Kafka.Brokers, app.Cfg.Kafka.Topic, app.Logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		opts = append(opts, services.WithPublisher(app.Publisher))
	}

	app.Core = services.NewCore(app.Store, engine, conflict.NewDetector(app.Cfg.BookingPolicy()), policies, app.Logger, opts...)
	app.Logger.Debug("Core initialized successfully")

	return nil
}
