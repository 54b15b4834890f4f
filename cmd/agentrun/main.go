// Package main is the CLI entry point for the agentrun execution engine.
//
// Start the server:
//
//	agentrun serve --config agentrun.yaml
//
// Environment variables referenced in the config file ($ANTHROPIC_API_KEY
// and friends) are expanded at load time.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentrun",
		Short: "agentrun - agent execution engine",
		Long: `agentrun runs multi-turn agent conversations against LLM providers
(Anthropic, OpenAI-compatible gateways, Ollama) with allow-listed tool
execution and a persistent, append-only execution trace.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentrun %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
