package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	stepdown "github.com/gwlsn/stepdown"
	"github.com/gwlsn/stepdown/internal/config"
	"github.com/gwlsn/stepdown/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "stepdown",
	Short:         "Queue-driven QSV transcoder that steps down on GPU exhaustion",
	Version:       stepdown.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultPath := "config/stepdown.yaml"
	if envPath := os.Getenv("STEPDOWN_CONFIG"); envPath != "" {
		defaultPath = envPath
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "path to config file")

	rootCmd.AddCommand(runCmd, enqueueCmd, jobsCmd, requeueCmd, profilesCmd, storeCmd, configCmd)
}

// loadConfig reads the config file and initializes the console logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	logger.Init(cfg.LogLevel)
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop called explicitly above
	}
}
