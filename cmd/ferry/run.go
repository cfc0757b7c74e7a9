package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/ferry/pkg/backupschedule"
	"github.com/cuemby/ferry/pkg/health"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/metrics"
	"github.com/cuemby/ferry/pkg/reconciler"
	"github.com/cuemby/ferry/pkg/scheduler"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backup shipping control plane",
	Long: `Run arms a task for every enabled schedule, remote and resource
combination, ships backups when they fire and serves Prometheus metrics,
health endpoints and the armed definitions on /shippings until it
receives SIGINT or SIGTERM. Schedules changed with "ferry schedule modify"
are picked up on the next sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("main")
		metrics.SetVersion(Version)

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, cfg.DataDir)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sched := scheduler.NewScheduler(scheduler.Options{RetryDelay: cfg.Scheduler.DefaultRetryDelay})
		schedules := backupschedule.NewService(backupschedule.Options{
			Repository: store,
			Scheduler:  sched,
		})
		p, err := newPlane(store, schedules)
		if err != nil {
			return err
		}
		schedules.SetNotifier(p.broker)
		schedules.SetStarter(p.dispatcher)

		if err := p.start(ctx); err != nil {
			return err
		}
		metrics.RegisterComponent("shipping", true, "")
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		metrics.RegisterComponent("scheduler", true, "")
		if err := schedules.Start(ctx); err != nil {
			return fmt.Errorf("failed to start backup schedules: %w", err)
		}

		var (
			trackers []reconciler.Tracker
			sources  []metrics.ShippingSource
		)
		for _, svc := range p.services() {
			trackers = append(trackers, svc)
			sources = append(sources, svc)
		}
		sweeper := reconciler.NewSweeper(store, schedules, cfg.SweepInterval(), trackers...)
		// the first sweep would only repeat what schedules.Start just did
		sched.RescheduleAt(sweeper, sweeper.Interval())
		sched.Add(health.NewMonitor(store, cfg.Probes(), nil))

		collector := metrics.NewCollector(sched, schedules, sources...)
		collector.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		mux.HandleFunc("/shippings", shippingsHandler(schedules))
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()

		logger.Info().
			Str("version", Version).
			Str("data_dir", cfg.DataDir).
			Str("metrics", cfg.MetricsAddr).
			Int("definitions", schedules.ActiveCount()).
			Msg("Ferry is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case runErr = <-errCh:
			logger.Error().Err(runErr).Msg("Shutting down")
		}

		schedules.Shutdown()
		sched.Shutdown()
		if !sched.AwaitShutdown(cfg.Scheduler.ShutdownTimeout) {
			logger.Warn().Msg("Scheduler did not stop in time")
		}
		p.stop()
		collector.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server did not stop cleanly")
		}

		logger.Info().Msg("Shutdown complete")
		return runErr
	},
}
