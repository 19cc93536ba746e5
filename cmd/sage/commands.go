// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its
// handler in handlers.go.
package main

import (
	"strings"

	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command that executes one turn.
func buildRunCmd() *cobra.Command {
	var (
		route    string
		guildID  string
		traceID  string
		evidence bool
	)

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one conversational turn through the pipeline",
		Example: `  # Plain chat turn
  sage run "hello there"

  # Guarded search turn
  sage run --route search "what is the latest Node.js LTS?"

  # Coding turn that must cite tool evidence
  sage run --route coding --require-evidence "which npm version introduced workspaces?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd, route, guildID, traceID, evidence, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&route, "route", "r", "chat", "Route: chat, coding, search, creative")
	cmd.Flags().StringVarP(&guildID, "guild", "g", "", "Tenant (guild) id for policy and trace scoping")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "Trace id (defaults to a new UUID)")
	cmd.Flags().BoolVar(&evidence, "require-evidence", false, "Force the hard evidence gate for this turn")

	return cmd
}

// =============================================================================
// Replay Command
// =============================================================================

// buildReplayCmd creates the "replay" command that aggregates persisted
// turn outcomes into a failure report.
func buildReplayCmd() *cobra.Command {
	var (
		limit   int
		guildID string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Aggregate recent turn outcomes into a failure report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, limit, guildID)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Number of recent traces to evaluate")
	cmd.Flags().StringVarP(&guildID, "guild", "g", "", "Restrict the report to one guild")

	return cmd
}

// =============================================================================
// Trace Commands
// =============================================================================

// buildTraceCmd creates the "trace" command group.
func buildTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect persisted turn traces",
	}
	cmd.AddCommand(buildTraceListCmd(), buildTraceShowCmd())
	return cmd
}

func buildTraceListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceList(cmd, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of traces to list")
	return cmd
}

func buildTraceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <trace-id>",
		Short: "Show the node runs recorded for a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceShow(cmd, args[0])
		},
	}
	return cmd
}

// =============================================================================
// Canary Commands
// =============================================================================

// buildCanaryCmd creates the "canary" command group for the admission
// controller's persisted state.
func buildCanaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Inspect or reset the admission controller state",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the failure window and cooldown state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanaryStatus(cmd)
		},
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear the persisted failure window and cooldown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanaryReset(cmd)
		},
	}

	cmd.AddCommand(status, reset)
	return cmd
}

// =============================================================================
// Doctor Command
// =============================================================================

// buildDoctorCmd creates the "doctor" command for startup validation.
func buildDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration, credentials, and storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd)
		},
	}
	return cmd
}
