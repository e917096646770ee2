package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/i2y/mcpgate/configs"
)

const (
	serviceName = "mcpgate"
	version     = "0.1.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "Gateway that manages MCP tool servers and routes tool calls to them",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			return os.Setenv("MCPGATE_CONFIG_FILE", configPath)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), serviceName, version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "bootstrap config file (YAML, TOML or github://owner/repo/path@ref)")
	rootCmd.AddCommand(serveCmd, workerCmd, secretCmd, serverCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*configs.Config, error) {
	cfg, err := configs.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
