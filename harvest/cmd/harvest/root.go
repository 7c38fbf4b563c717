package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/harvest/internal/config"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"
)

var (
	cfgFile   string
	logLevel  string
	storeKind string
	cfg       *config.Config
	logger    *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Sprout event harvester",
	Long: `harvest discovers library and community websites, extracts events for
children aged 0 to 5 and stores each new event exactly once.

Run it as a daemon with "harvest run", or trigger single passes with
"harvest once" and "harvest discover".`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/sprout/harvest/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&storeKind, "store", storePostgres, "event store: postgres or memory")
}

func initConfig() error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if storeKind != storePostgres && storeKind != storeMemory {
		return fmt.Errorf("unknown --store %q (want %s or %s)", storeKind, storePostgres, storeMemory)
	}

	logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("harvest"))
	logging.SetDefault(logger)
	return nil
}
