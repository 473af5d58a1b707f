//go:build linux

// Command biotool is the operator-facing CLI for inspecting and
// provisioning the per-engine block I/O layer's on-disk state: the SMD
// device/target table and WAL blobs, offline from a running engine.
// Grounded on cuemby/warren's cmd/warren cobra root-command shape. Its
// wal subcommands open real device files with internal/device/uringdev,
// which is itself Linux-only, so the whole binary is gated the same way.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daos-stack/bioengine/internal/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "biotool",
	Short: "Inspect and provision bioengine's SMD table and WAL blobs",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(smdCmd)
	rootCmd.AddCommand(walCmd)
}

func initLogging() {
	cfg := logging.DefaultConfig()
	if lvl, _ := rootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		cfg.Level = logging.Level(lvl)
	}
	if j, _ := rootCmd.PersistentFlags().GetBool("log-json"); j {
		cfg.JSONOutput = true
	}
	logging.Init(cfg)
}
