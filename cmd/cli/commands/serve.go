package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/carevisit/pkg/core/sweeper"
	"github.com/jakechorley/carevisit/pkg/httpapi"
	"github.com/jakechorley/carevisit/pkg/lock"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd creates the serve command
func ServeCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			noSweep, _ := cmd.Flags().GetBool("no-sweep")
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = app.Cfg.HTTP.Addr
			}

			ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if app.Publisher != nil {
				if err := app.Publisher.EnsureTopic(ctx, 6, 1); err != nil {
					return fmt.Errorf("failed to ensure kafka topic: %w", err)
				}
			}

			var locker lock.Locker
			if app.Cfg.Redis.URL != "" {
				client, err := lock.NewRedisClient(ctx, app.Cfg.Redis.URL)
				if err != nil {
					return fmt.Errorf("failed to connect to redis: %w", err)
				}
				defer client.Close()
				locker = lock.NewRedisLocker(client)
			}

			handler := httpapi.New(app.Core, app.Metrics, app.Registry, app.Logger)
			server := httpapi.NewServer(addr, handler.Router())

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				app.Logger.Info("HTTP server listening", zap.String("addr", addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server failed: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				<-gctx.Done()
				app.Logger.Info("Shutting down HTTP server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})

			if !noSweep {
				runner := sweeper.NewRunner(app.Core, locker, app.Cfg.Sweep.Interval, app.Cfg.Sweep.LockTTL, app.Logger)
				g.Go(func() error {
					return runner.Run(gctx)
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().String("addr", "", "Listen address (defaults to http.addr)")
	cmd.Flags().Bool("no-sweep", false, "Serve the API without running the background sweep")

	return cmd
}
