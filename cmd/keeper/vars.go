// Package cli wires the keeper's cobra commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neboloop/keeper/internal/config"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile string
	verbose bool
)

// BaseConfig holds the embedded default configuration (set by main).
var BaseConfig *config.Config

// Version is the build version (set by main).
var Version = "dev"

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config, version string) *cobra.Command {
	BaseConfig = c
	if version != "" {
		Version = version
	}

	rootCmd := &cobra.Command{
		Use:   "keeper",
		Short: "Keeper - Colab session watchdog",
		Long: `Keeper keeps a Google Colab notebook session alive.

A single watchdog loop drives a headless Chrome tab, clicks the
reconnect control when the session drops, and serves a local JSON API
with live state over WebSocket.

Just type 'keeper' to start the daemon.`,
		Run: func(cmd *cobra.Command, args []string) {
			RunKeeper()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $KEEPER_CONFIG or <data_dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(checkConfigCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the keeper daemon",
		Run: func(cmd *cobra.Command, args []string) {
			RunKeeper()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the keeper version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keeper %s\n", Version)
		},
	}
}

// configPath resolves the effective config file location: the --config
// flag wins, then $KEEPER_CONFIG, then <data_dir>/config.yaml.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.Path()
}

// loadConfig overlays the config file (if any) onto the embedded
// defaults. A --config path that does not exist is an error; the
// default path is allowed to be absent.
func loadConfig() (*config.Config, error) {
	base := BaseConfig
	if base == nil {
		base = config.DefaultConfig()
	}
	path := configPath()
	if cfgFile != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}
	return config.Overlay(base, path)
}
