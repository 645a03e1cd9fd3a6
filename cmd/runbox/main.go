package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/app"
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/logging"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - isolated multi-language code execution",
	Long: `runbox runs untrusted source code in throwaway Docker sandboxes.

Each submission gets its own workspace and container with no network,
bounded memory, CPU and processes, and a wall-clock time limit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./runbox.yaml or $HOME/.runbox/runbox.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
}

// exitCodeError makes the process exit with a program's own status.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and builds the logger every command uses.
func loadConfig() (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, &logger, nil
}

// buildApp loads the config and wires the execution service.
func buildApp() (*app.App, *zerolog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.Build(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}
