// Package main provides the CLI entry point for anvild, the Anvil agent
// runtime daemon.
//
// # Basic Usage
//
// Start the server:
//
//	anvild serve --workspace .
//
// Manage the ledger's embedded schema:
//
//	anvild migrate up
//	anvild migrate status
//
// Check a running daemon's health endpoint:
//
//	anvild health --addr localhost:4200
//
// # Environment Variables
//
//   - ANVIL_PORT: transport bind port (default 4200)
//   - ANVIL_DB: ledger database path, or ":memory:" (default anvil.db)
//   - ANVIL_WORKSPACE: default run workspace root (default cwd)
//   - ANVIL_MODEL: default model identifier for runs that omit one
//   - ANTHROPIC_API_KEY: Anthropic API key for the Anthropic provider
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anvild",
		Short: "anvild - event-sourced AI agent runtime",
		Long: `anvild runs the Anvil kernel: an event-sourced agent runtime that drives
LLM-backed runs against a jailed workspace through a policy-gated tool
kernel, with every state transition recorded in an append-only ledger.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildMigrateCmd())
	rootCmd.AddCommand(buildHealthCmd())

	return rootCmd
}
