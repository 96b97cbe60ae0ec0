package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/app"
	"github.com/ternarybob/colligo/internal/common"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	queriesFlag  = flag.String("queries", "", "JSON array of search queries (overrides config)")
	runOnce      = flag.Bool("once", false, "Run a single collection and exit, ignoring any schedule")
	scheduleFlag = flag.String("schedule", "", "Cron expression for recurring runs (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Colligo version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("colligo.toml"); err == nil {
			configFiles = append(configFiles, "colligo.toml")
		} else if _, err := os.Stat("deployments/local/colligo.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/colligo.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	if *queriesFlag != "" {
		config.Pipeline.Queries = *queriesFlag
	}
	if *scheduleFlag != "" {
		config.Pipeline.Schedule = *scheduleFlag
	}
	if *runOnce {
		config.Pipeline.Schedule = ""
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Str("storage_dir", config.Storage.Dir).
		Str("schedule", config.Pipeline.Schedule).
		Msg("Application configuration loaded")

	queries, err := app.ParseQueries(config.Pipeline.Queries)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid query configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if config.Pipeline.Schedule == "" {
		// Single run, interruptible by signal
		done := make(chan struct{})
		go func() {
			defer close(done)
			result := application.RunOnce(ctx, queries)
			logger.Info().
				Str("run_id", result.RunID).
				Int("stored", result.TotalStored).
				Msg("Collection complete")
		}()

		select {
		case <-done:
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Interrupt received; cancelling run")
			cancel()
			<-done
		}
	} else {
		if err := application.StartSchedule(ctx, config.Pipeline.Schedule, queries); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start collection schedule")
			application.Shutdown()
			os.Exit(1)
		}
		logger.Info().
			Str("schedule", config.Pipeline.Schedule).
			Msg("Scheduler running - Press Ctrl+C to stop")

		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Interrupt received")
		cancel()
	}

	application.Shutdown()
}
