package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketflow/collector/internal/api"
	"github.com/marketflow/collector/internal/config"
	"github.com/marketflow/collector/internal/store"
	"github.com/marketflow/collector/internal/telemetry"
	"github.com/marketflow/collector/internal/validate"
)

// exitError carries a process exit code through cobra's RunE chain.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var ce *api.ConfigError
	if errors.As(err, &ce) {
		return exitConfig
	}
	return exitSupervisor
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	name, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	return &cfg, nil
}

func runCollector(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	noAutostart, _ := cmd.Flags().GetBool("no-autostart")

	bus := telemetry.NewBus(256)
	defer bus.Close()
	metrics := telemetry.NewMetrics()
	collector := api.NewCollector(loadConfig, bus, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !noAutostart {
		if _, err := collector.Start(ctx, nil); err != nil {
			var ce *api.ConfigError
			if errors.As(err, &ce) {
				return &exitError{code: exitConfig, err: err}
			}
			return &exitError{code: exitStore, err: err}
		}
	}

	server := api.NewServer(cfg.MonitoringPort, collector, bus, metrics)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			_ = collector.Stop(context.Background())
			return &exitError{code: exitSupervisor, err: fmt.Errorf("control plane: %w", err)}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Control plane shutdown incomplete")
	}
	if err := collector.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Drain incomplete at shutdown")
		return &exitError{code: exitSupervisor, err: err}
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	mgr, err := store.NewManager(store.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return &exitError{code: exitStore, err: err}
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := mgr.Migrate(ctx); err != nil {
		return &exitError{code: exitStore, err: err}
	}
	log.Info().Msg("Migration complete")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	mgr, err := store.NewManager(store.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return &exitError{code: exitStore, err: err}
	}
	defer mgr.Close()

	bus := telemetry.NewBus(16)
	defer bus.Close()
	validator := validate.New(mgr, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	report, err := validator.Run(ctx)
	if err != nil {
		return &exitError{code: exitStore, err: err}
	}

	for _, check := range report.Checks {
		ev := log.Info()
		if !check.Passed {
			ev = log.Error()
		}
		ev.Str("check", check.Name).Bool("passed", check.Passed).Str("detail", check.Detail).Msg("Validation check")
	}
	if !report.Passed {
		return &exitError{code: exitSupervisor, err: fmt.Errorf("validation failed")}
	}
	fmt.Fprintln(os.Stdout, "validation passed")
	return nil
}
