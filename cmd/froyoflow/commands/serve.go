package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
	"github.com/openfroyo/froyoflow/pkg/triggers"
)

func newServeCommand() *cobra.Command {
	var (
		watchDir        string
		eventLevel      string
		skipRecover     bool
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived service",
		Long: `Run the engine until interrupted. The service:
  - resumes runs interrupted by a previous crash
  - fires workflows on their cron schedules
  - applies definition files from the definitions directory as they change
  - reloads .rego policies from the policies directory as they change
  - serves Prometheus metrics when enabled in the settings

On shutdown it stops scheduling and waits for active runs to finish.`,
		Example: `  # Serve with settings from froyoflow.yaml
  froyoflow serve

  # Watch a directory of definitions
  froyoflow serve --watch ./workflows`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}

			shutdownCtx := func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			}
			defer func() {
				sctx, cancel := shutdownCtx()
				defer cancel()
				if err := a.close(sctx); err != nil {
					a.logger.Error().Err(err).Msg("Shutdown incomplete")
				}
			}()

			a.telemetry.Events.Subscribe(telemetry.LogSubscriber(a.telemetry.Logger), telemetry.FilterByLevel(eventLevel))
			if srv := a.telemetry.Metrics.StartMetricsServer(ctx, a.telemetry.Logger); srv != nil {
				a.logger.Info().Str("address", srv.Addr).Msg("Serving metrics")
			}

			if dir := a.settings.PoliciesDir; dir != "" {
				if err := a.policy.Watch(ctx, []string{dir}); err != nil {
					return err
				}
			}

			scheduler := triggers.NewScheduler(a.engine, a.logger)
			if err := scheduler.SyncAll(ctx, a.engine); err != nil {
				a.logger.Error().Err(err).Msg("Some schedules could not be registered")
			}

			g, gctx := errgroup.WithContext(ctx)

			if watchDir == "" {
				watchDir = a.settings.DefinitionsDir
			}
			if watchDir != "" {
				w := triggers.NewDirectoryWatcher(watchDir, a.loader, a.engine, a.logger)
				w.OnApply = func(def *engine.WorkflowDefinition) {
					a.audit(gctx, auditAction(def), def.ID, map[string]any{"version": def.Version, "source": "watch"})
					if err := scheduler.Sync(def); err != nil {
						a.logger.Error().Err(err).Str("workflow_id", def.ID).Msg("Failed to update schedule")
					}
				}
				g.Go(func() error { return w.Run(gctx) })
			}

			if !skipRecover {
				resumed, err := a.engine.Recover(gctx)
				if err != nil {
					a.logger.Error().Err(err).Msg("Some runs could not be resumed")
				}
				a.logger.Info().Int("runs", len(resumed)).Msg("Recovery complete")
			}

			scheduler.Start(gctx)
			a.logger.Info().Str("database", a.settings.Database).Msg("Engine serving")

			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := shutdownCtx()
				defer cancel()
				return scheduler.Stop(sctx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&watchDir, "watch", "", "definitions directory to watch (overrides settings)")
	cmd.Flags().StringVar(&eventLevel, "event-level", telemetry.EventLevelInfo, "lowest event level to log")
	cmd.Flags().BoolVar(&skipRecover, "no-recover", false, "do not resume interrupted runs")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for active runs on shutdown")

	return cmd
}
