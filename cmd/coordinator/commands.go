package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"cascade/internal/config"
	"cascade/internal/scheduler"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cascade",
		Short:         "Cascade coordinator",
		Long:          "Coordinates a tree of crawler nodes: registration, heartbeats, feed allocation and the sync log.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDispatchCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))

	return cmd
}

// bootstrap loads config and wires the app. The returned context is
// cancelled on SIGINT or SIGTERM.
func bootstrap(opts *rootOptions) (context.Context, context.CancelFunc, *config.Config, *app, error) {
	logger := setupLogger("info")

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return nil, nil, nil, nil, err
	}
	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		cancel()
		logger.Error("failed to start", "error", err)
		return nil, nil, nil, nil, err
	}
	return ctx, cancel, cfg, a, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the dispatch and sweep schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, cfg, a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			taskCron := scheduler.NewTaskCron(a.tasks, a.dispatcher.DispatchTask, 0, a.logger)
			sched := scheduler.NewScheduler(a.logger,
				scheduler.Job{Name: "dispatch", Interval: cfg.Cascade.DispatchInterval, Run: a.dispatcher.Run},
				scheduler.Job{Name: "task-schedules", Interval: cfg.Cascade.ScheduleSyncInterval, Run: taskCron.Sync},
				scheduler.Job{Name: "sweep", Interval: cfg.Cascade.SweepInterval, Run: a.lifecycle.Run},
			)
			schedDone := make(chan struct{})
			go func() {
				defer close(schedDone)
				var wg sync.WaitGroup
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = taskCron.Start(ctx)
				}()
				if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("scheduler error", "error", err)
				}
				wg.Wait()
			}()

			httpSrv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           a.server().Routes(),
				ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
			}

			serveErr := make(chan error, 1)
			go func() {
				a.logger.Info("coordinator listening", "addr", cfg.HTTP.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
				a.logger.Info("received shutdown signal")
			case err := <-serveErr:
				if err != nil {
					a.logger.Error("listen failed", "error", err)
					cancel()
					<-schedDone
					return err
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer shutdownCancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown", "error", err)
			}
			cancel()
			<-schedDone
			a.logger.Info("coordinator stopped")
			return nil
		},
	}
}

func newDispatchCommand(opts *rootOptions) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch cycle and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, _, a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			summary, err := a.dispatcher.Dispatch(ctx, taskID)
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "dispatch only this task")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail allocations that exceeded the maximum allocation duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, _, a, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			expired, err := a.lifecycle.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			a.logger.Info("sweep finished", "expired", expired)
			return nil
		},
	}
}
