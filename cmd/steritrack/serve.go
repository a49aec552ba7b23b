package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/facilityops/steritrack/pkg/api"
	"github.com/facilityops/steritrack/pkg/bi"
	"github.com/facilityops/steritrack/pkg/clock"
	"github.com/facilityops/steritrack/pkg/config"
	"github.com/facilityops/steritrack/pkg/cycle"
	"github.com/facilityops/steritrack/pkg/events"
	"github.com/facilityops/steritrack/pkg/stats"
	"github.com/facilityops/steritrack/pkg/store"
	"github.com/facilityops/steritrack/pkg/timer"
)

// alertRetention bounds the in-memory recent-alerts window.
const alertRetention = 200

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sterilization engine API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	clk := clock.SystemClock{}
	sched := clock.SystemScheduler{}

	db := store.NewStore(log, &cfg.Database, clk)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := db.SeedTools(ctx, cfg.Facility.ID, cfg.Facility.Tools); err != nil {
		return fmt.Errorf("seeding tools: %w", err)
	}

	bus := events.NewBus(alertRetention, events.NewLogNotifier(log))

	timers := timer.NewRegistry(log, clk, sched, bus)
	gate := bi.NewGate(log, clk, db, bus, cfg.OfficeHours(), cfg.Facility.ID)
	manager := cycle.NewManager(
		log, clk, db, db, timers, bus, gate,
		cfg.Facility.ID, cfg.PhaseDurations(),
	)
	statsSvc := stats.NewService(log, clk, db, cfg.Facility.ID)

	if err := manager.LoadHistory(ctx, cfg.Facility.ID); err != nil {
		log.WithError(err).Warn("Initial cycle history load failed")
	}

	srv := api.NewServer(log, cfg, api.Engine{
		Manager: manager,
		Timers:  timers,
		Gate:    gate,
		Stats:   statsSvc,
		Bus:     bus,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("API server stop error")
	}

	timers.StopAll()

	if err := db.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
