package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coachly/coachly/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "coachly",
		Short:         "Live coaching transcript service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to config.toml (env CONFIG_PATH)")

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newWatchCommand(),
		newTokenCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
