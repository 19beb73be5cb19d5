package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/skeinworks/skein-stream/pkg/config"
	"github.com/skeinworks/skein-stream/pkg/version"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "skeinstream",
		Short:        "Client tooling for the Skein agent-event stream",
		Version:      version.Full(),
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default "+config.DefaultPath+")")

	cmd.AddCommand(
		newWatchCmd(&configPath),
		newReplayCmd(),
		newSimulateCmd(&configPath),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig loads .env (never overriding real environment variables), then
// the layered configuration.
func loadConfig(path string) (*config.Config, error) {
	_ = godotenv.Load()
	return config.Load(path)
}
