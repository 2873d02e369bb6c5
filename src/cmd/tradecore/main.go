package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jiaming2012/tradecore/src/cmd/tradecore/run"
	"github.com/jiaming2012/tradecore/src/config"
	"github.com/jiaming2012/tradecore/src/logger"
	"github.com/jiaming2012/tradecore/src/telemetry"
)

type RunArgs struct {
	ConfigPath string
	EnvFile    string
	OutDir     string
}

var rootCmd = &cobra.Command{
	Use:   "tradecore",
	Short: "Scheduling, settlement and margin engine for live and backtest runs",
}

var backtestCmd = &cobra.Command{
	Use:     "backtest",
	Example: "go run src/cmd/tradecore/main.go backtest --config config.yaml",
	Short:   "Replay a date range on the backtest clock and print the account summary",
	Run: func(cmd *cobra.Command, args []string) {
		runArgs := parseArgs(cmd)

		cfg, entry, shutdown := setup(runArgs, "backtest")
		defer shutdown()

		result, err := run.RunBacktest(cmd.Context(), cfg, entry)
		if err != nil {
			log.Fatalf("backtest failed: %v", err)
		}

		fmt.Printf("Backtest %s to %s (%d steps, %d actions fired)\n", result.Start.Format("2006-01-02 15:04"), result.End.Format("2006-01-02 15:04"), result.Steps, result.Fired)
		run.RenderSummary(os.Stdout, result.Engine)
		exportJournal(result.Engine, runArgs.OutDir, "backtest")
	},
}

var liveCmd = &cobra.Command{
	Use:     "live",
	Example: "go run src/cmd/tradecore/main.go live --config config.yaml",
	Short:   "Run the engine on the wall clock until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		runArgs := parseArgs(cmd)

		cfg, entry, shutdown := setup(runArgs, "live")
		defer shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, err := run.RunLive(ctx, cfg, entry)
		if err != nil {
			log.Fatalf("live run failed: %v", err)
		}

		run.RenderSummary(os.Stdout, engine)
		exportJournal(engine, runArgs.OutDir, "live")
	},
}

func parseArgs(cmd *cobra.Command) RunArgs {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		log.Fatalf("error getting config: %v", err)
	}

	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		log.Fatalf("error getting env-file: %v", err)
	}

	outDir, err := cmd.Flags().GetString("outDir")
	if err != nil {
		log.Fatalf("error getting outDir: %v", err)
	}

	return RunArgs{ConfigPath: configPath, EnvFile: envFile, OutDir: outDir}
}

func setup(args RunArgs, mode string) (*config.Config, *log.Entry, func()) {
	if err := config.LoadEnv(args.EnvFile); err != nil {
		log.Fatalf("error loading environment variables: %v", err)
	}

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	cfg.Mode = mode
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config for %s: %v", mode, err)
	}

	l, err := logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat), os.Stderr)
	if err != nil {
		log.Fatalf("error creating logger: %v", err)
	}
	entry := logger.Component(l, "tradecore").WithField("mode", mode)

	shutdownTracing, err := telemetry.Setup(context.Background(), telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		URLPath:     cfg.Telemetry.URLPath,
		User:        cfg.Telemetry.User,
		APIToken:    cfg.Telemetry.APIToken,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	}, entry)
	if err != nil {
		log.Fatalf("error setting up telemetry: %v", err)
	}

	return cfg, entry, func() {
		if err := shutdownTracing(context.Background()); err != nil {
			entry.Errorf("failed to shutdown tracer provider: %v", err)
		}
	}
}

func exportJournal(engine *run.Engine, outDir string, prefix string) {
	if outDir == "" {
		return
	}

	csvPath, err := engine.Journal.ExportToCsv(outDir, prefix)
	if err != nil {
		log.Errorf("Failed to export journal: %v", err)
		return
	}

	fmt.Println("Journal written to: ", csvPath)
}

func main() {
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file.")
	rootCmd.PersistentFlags().String("env-file", ".env", "Optional .env file loaded before the configuration.")
	rootCmd.PersistentFlags().String("outDir", "", "The directory to write the event journal to.")

	rootCmd.AddCommand(backtestCmd, liveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
