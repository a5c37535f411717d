package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "collector"
	version = "v1.4.0"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal store
// error, 3 supervisor failure.
const (
	exitOK         = 0
	exitConfig     = 1
	exitStore      = 2
	exitSupervisor = 3
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "collector",
		Short:   "Continuous futures market-data collector",
		Version: version,
		Long: `Collector ingests bookTicker, aggTrade and depth streams for a
configured symbol universe, persists them to TimescaleDB/PostgreSQL,
maintains per-second rollups and a 24h flat grid, and exposes a
control plane for start/stop/status/validate.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (env vars override)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collection pipeline and control plane",
		Long:  "Starts ingestion immediately and serves the control API until SIGINT/SIGTERM",
		RunE:  runCollector,
	}
	runCmd.Flags().Bool("no-autostart", false, "Serve the control plane without starting ingestion")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long:  "Creates the marketdata schema, tables and hypertables; safe to re-run",
		RunE:  runMigrate,
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Run data-quality checks and exit",
		Long:  "Checks structure, freshness, quality and event frequency; exit code reflects the result",
		RunE:  runValidate,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, migrateCmd, validateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(exitCodeFor(err))
	}
}
