// Package cmd defines the playground command-line interface.
package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hewlab/playground/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "playground",
	Short: "Ephemeral sandbox sessions for hands-on labs",
	Long: `playground provisions short-lived, resource-bounded sandbox
namespaces on a shared cluster and bridges an interactive shell into
each one over a WebSocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
}

// ExecuteContext runs the root command with ctx governing command
// lifetimes.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads configuration and builds a logger at the configured
// level.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return cfg, log, nil
}
