// Package main provides the CLI entry point for the Sage agent runtime.
//
// Sage runs conversational turns through a guarded agentic pipeline: a
// canary admission controller, a context graph, a tool-call loop with a
// hard evidence gate, a guarded search chain, a critic loop, and a final
// response validator.
//
// # Basic Usage
//
// Run one turn:
//
//	sage run --route search "what is the latest Node.js LTS?"
//
// Inspect recent turn outcomes:
//
//	sage replay --limit 50
//
// # Environment Variables
//
//   - SAGE_PROVIDER: "anthropic" (default) or "openai"
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
//   - SAGE_DB_PATH: SQLite path for traces and canary state (default: in-memory)
//   - SAGE_MODEL_CHAT / SAGE_MODEL_CODING / SAGE_MODEL_SEARCH: route models
//   - AGENTIC_*: runtime tuning knobs (see internal/config)
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

var debugFlag bool

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sage",
		Short: "Sage - guarded agent runtime",
		Long: `Sage runs conversational turns through a guarded agentic pipeline.

Routes: chat, coding, search, creative
Providers: Anthropic (Claude), OpenAI (GPT)
Tools: current_time, web_search, web_scrape, npm_package_lookup`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildReplayCmd(),
		buildTraceCmd(),
		buildCanaryCmd(),
		buildDoctorCmd(),
	)
	return rootCmd
}
