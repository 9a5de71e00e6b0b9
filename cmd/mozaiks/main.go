// Package main provides the CLI entry point for the Mozaiks application
// runtime.
//
// The runtime hosts one application: it discovers and executes sandboxed
// plugins, runs AI agent workflows over WebSocket, and enforces the
// entitlements pushed by the platform.
//
// # Basic Usage
//
// Start the server:
//
//	mozaiks serve
//
// Print the build version:
//
//	mozaiks version
//
// # Environment Variables
//
// All configuration is environment-driven; the most important variables:
//
//   - MOZAIKS_APP_ID: application identifier (required)
//   - MONGODB_URI: session/artifact persistence (in-memory when unset)
//   - JWT_SECRET: token verification secret for local auth mode
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: LLM provider credentials
package main

import (
	"fmt"
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
	root := &cobra.Command{
		Use:           "mozaiks",
		Short:         "Mozaiks application runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("mozaiks %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
