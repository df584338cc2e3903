// Coinflow CLI
// This application runs the daily crypto price pipeline: fetch OHLCV
// history for the tracked assets, load it into the embedded warehouse,
// and recompute the derived dashboard metrics.
//
// Usage:
//
//	coinflow run
//	coinflow ingest --lookback-days 30
//	coinflow derive
//	coinflow status
//	coinflow schedule --cron "15 0 * * *"
//
// For detailed help on any command, use: coinflow <command> --help
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"coinflow/internal/assets"
	"coinflow/internal/config"
	"coinflow/internal/logger"
	"coinflow/internal/pipeline"
	"coinflow/internal/provider"
	"coinflow/internal/storage"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "coinflow"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitRunError    = 4
	ExitInterrupt   = 130
)

// CLI wires the application components for one invocation. The store
// is opened in initialize and closed when the command finishes; nothing
// outlives the invocation.
type CLI struct {
	config   *config.AppConfig
	logger   *slog.Logger
	store    storage.FullStore
	pipeline *pipeline.Pipeline
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	// Graceful shutdown on interrupt.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitUsageError)
	}
	if flags.Help {
		printCommandHelp(command)
		return
	}

	cli := &CLI{}
	if err := cli.initialize(ctx, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.shutdown()

	var cmdErr error
	switch command {
	case "run":
		cmdErr = cli.handleRun(ctx)
	case "ingest":
		cmdErr = cli.handleIngest(ctx)
	case "derive":
		cmdErr = cli.handleDerive(ctx)
	case "status":
		cmdErr = cli.handleStatus(ctx)
	case "schedule":
		cmdErr = cli.handleSchedule(ctx, flags)
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if cmdErr != nil {
		if ctx.Err() != nil {
			cli.logger.Warn("interrupted", "command", command)
			os.Exit(ExitInterrupt)
		}
		cli.logger.Error("command failed", "command", command, "error", cmdErr)
		os.Exit(ExitRunError)
	}
}

// Flags holds the shared command-line options.
type Flags struct {
	ConfigPath   string
	DatabasePath string
	LookbackDays int
	CronSpec     string
	Help         bool
}

// parseFlags parses the options shared by all commands.
func parseFlags(args []string) (*Flags, error) {
	flags := &Flags{ConfigPath: "coinflow.json"}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--db":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--db requires a value")
			}
			flags.DatabasePath = args[i+1]
			i++
		case "--lookback-days", "-d":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--lookback-days requires a value")
			}
			days, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid lookback-days value: %w", err)
			}
			flags.LookbackDays = days
			i++
		case "--cron":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--cron requires a value")
			}
			flags.CronSpec = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// initialize loads configuration, sets up logging, opens the store, and
// builds the pipeline.
func (cli *CLI) initialize(ctx context.Context, flags *Flags) error {
	cfg, err := config.Load(flags.ConfigPath, nil)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.DatabasePath != "" {
		cfg.Storage.DatabasePath = flags.DatabasePath
	}
	if flags.LookbackDays > 0 {
		cfg.Provider.LookbackDays = flags.LookbackDays
	}
	if flags.CronSpec != "" {
		cfg.Scheduler.CronSpec = flags.CronSpec
	}
	cli.config = cfg

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logger = log

	store, err := createStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	cli.store = store

	fetcher := provider.NewYahooAdapterWithOptions(cfg.Provider.BaseURL, log)

	cli.pipeline = pipeline.New(
		assets.List(),
		fetcher,
		store,
		pipeline.Config{
			IngestTimeout: cfg.IngestTimeout(),
			DeriveTimeout: cfg.DeriveTimeout(),
			Lookback:      cfg.Lookback(),
		},
		log,
	)

	return nil
}

func (cli *CLI) shutdown() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Warn("failed to close store", "error", err)
		}
	}
}

// createStore builds the configured storage backend.
func createStore(cfg *config.AppConfig, log *slog.Logger) (storage.FullStore, error) {
	switch cfg.Storage.Type {
	case "duckdb":
		return storage.NewDuckDBStore(cfg.Storage.DatabasePath, log)
	case "memory":
		return storage.NewMemoryStore(log), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// handleRun executes a full pipeline run: ingest then derive.
func (cli *CLI) handleRun(ctx context.Context) error {
	result, err := cli.pipeline.Run(ctx)
	if err != nil {
		return err
	}

	printRunResult(result)
	if !result.Success {
		return fmt.Errorf("pipeline run %s failed", result.RunID)
	}
	return nil
}

// handleIngest executes only the ingest stage.
func (cli *CLI) handleIngest(ctx context.Context) error {
	report, err := cli.pipeline.Ingest(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Ingest complete: %d/%d assets, %d rows submitted (%d new, %d replaced), %d provider rows dropped\n",
		report.AssetsSucceeded, report.AssetsRequested,
		report.Load.RowsSubmitted, report.Load.RowsNew, report.Load.RowsReplaced,
		report.RowsDropped)
	return nil
}

// handleDerive recomputes the derived metrics from the current facts.
func (cli *CLI) handleDerive(ctx context.Context) error {
	report, err := cli.pipeline.DeriveOnly(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Derive complete: %d raw rows in, %d derived rows out, %d skipped, %d symbols (%v)\n",
		report.RowsIn, report.RowsOut, report.RowsSkipped, report.Symbols, report.Duration.Round(time.Millisecond))
	return nil
}

// handleStatus prints store statistics and data freshness.
func (cli *CLI) handleStatus(ctx context.Context) error {
	if err := cli.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}

	stats, err := cli.store.Stats(ctx)
	if err != nil {
		return err
	}
	freshness, err := cli.store.Freshness(ctx)
	if err != nil {
		return err
	}

	status := map[string]interface{}{
		"storage_type": cli.config.Storage.Type,
		"raw_rows":     stats.RawRows,
		"derived_rows": stats.DerivedRows,
		"symbols":      stats.Symbols,
	}
	if !stats.EarliestDate.IsZero() {
		status["earliest_date"] = stats.EarliestDate.Format("2006-01-02")
		status["latest_date"] = stats.LatestDate.Format("2006-01-02")
	}
	if !freshness.IsZero() {
		status["derived_as_of"] = freshness.Format("2006-01-02")
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}

// handleSchedule runs the pipeline on a cron schedule until interrupted.
func (cli *CLI) handleSchedule(ctx context.Context, flags *Flags) error {
	spec := cli.config.Scheduler.CronSpec
	if spec == "" {
		return fmt.Errorf("--cron or scheduler.cron_spec is required")
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		result, err := cli.pipeline.Run(ctx)
		if err != nil {
			// An overlapping trigger is skipped, not queued.
			cli.logger.Warn("scheduled run not started", "error", err)
			return
		}
		printRunResult(result)
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	fmt.Printf("Scheduling pipeline runs with spec %q. Press Ctrl+C to stop.\n", spec)
	scheduler.Start()

	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	cli.logger.Info("scheduler stopped")
	return nil
}

func printRunResult(result *pipeline.Result) {
	outcome := "succeeded"
	if !result.Success {
		outcome = "FAILED"
	}
	fmt.Printf("Run %s %s in %v\n", result.RunID, outcome,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))

	if result.Ingest != nil {
		fmt.Printf("  ingest: %d/%d assets", result.Ingest.AssetsSucceeded, result.Ingest.AssetsRequested)
		if result.Ingest.Load != nil {
			fmt.Printf(", %d rows (%d new, %d replaced)",
				result.Ingest.Load.RowsSubmitted, result.Ingest.Load.RowsNew, result.Ingest.Load.RowsReplaced)
		}
		fmt.Println()
	}
	if result.Derive != nil {
		fmt.Printf("  derive: %d rows out, %d skipped\n", result.Derive.RowsOut, result.Derive.RowsSkipped)
	}
	for _, stageErr := range result.StageErrors {
		fmt.Printf("  error [%s]: %v\n", stageErr.Stage, stageErr.Err)
	}
}

// printUsage prints the main usage information.
func printUsage() {
	fmt.Printf(`%s - Crypto price pipeline CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    run         Run the full pipeline: ingest then derive
    ingest      Fetch and load OHLCV history for the tracked assets
    derive      Recompute derived metrics from the stored facts
    status      Show store statistics and data freshness
    schedule    Run the pipeline on a recurring cron schedule

GLOBAL OPTIONS:
    --config, -c <path>       Config file path (default: coinflow.json)
    --db <path>               Override the DuckDB database path
    --lookback-days, -d <n>   Override the history window per asset
    --help, -h                Show help information
    --version, -v             Show version information

EXAMPLES:
    # Run the pipeline once against the default database
    %s run

    # Ingest 90 days of history into a custom database file
    %s ingest --db ./data/test.db --lookback-days 90

    # Run every day at 00:15 UTC
    %s schedule --cron "15 0 * * *"

CONFIGURATION:
    Configuration is loaded from the JSON config file and overridden by
    environment variables (DATABASE_PATH, LOOKBACK_DAYS, LOG_LEVEL, ...).
    A .env file in the working directory is honored.

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName)
}

// printCommandHelp prints detailed help for a specific command.
func printCommandHelp(command string) {
	switch command {
	case "run":
		fmt.Printf(`%s run - Run the full pipeline

Fetches daily OHLCV history for every tracked asset, loads the rows
into the fact table with last-write-wins dedup, and recomputes the
derived metrics table. A failing asset is reported and skipped; the
run fails only when a whole stage fails.

USAGE:
    %s run [--config <path>] [--db <path>] [--lookback-days <n>]
`, AppName, AppName)
	case "ingest":
		fmt.Printf(`%s ingest - Fetch and load OHLCV history

Runs only the ingest stage: registry snapshot, per-asset fetches, and
the deduplicated fact-table load. Re-running with an overlapping window
is safe; overlapping (symbol, date) rows are overwritten.

USAGE:
    %s ingest [--config <path>] [--db <path>] [--lookback-days <n>]
`, AppName, AppName)
	case "derive":
		fmt.Printf(`%s derive - Recompute derived metrics

Reads the entire fact table and atomically replaces the derived
metrics table: daily return, day-over-day change, and 7/30-day moving
averages per symbol.

USAGE:
    %s derive [--config <path>] [--db <path>]
`, AppName, AppName)
	case "status":
		fmt.Printf(`%s status - Show store statistics

Prints row counts, the covered date range, and the derived table's
"data as of" date as JSON.

USAGE:
    %s status [--config <path>] [--db <path>]
`, AppName, AppName)
	case "schedule":
		fmt.Printf(`%s schedule - Run the pipeline on a schedule

Runs the full pipeline on a standard 5-field cron schedule until
interrupted. Triggers that fire while a run is still active are
skipped.

USAGE:
    %s schedule --cron "15 0 * * *" [--config <path>]
`, AppName, AppName)
	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
