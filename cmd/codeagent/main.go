// Package main provides the codeagent CLI.
//
// codeagent runs a language model against a workspace with a bounded set of
// tools: file access, shell commands and tools served by external MCP
// servers. Every call passes a policy gate that may ask a human first.
//
// # Basic Usage
//
// Run a task:
//
//	codeagent run "make the failing tests pass"
//
// Inspect the available tools and past runs:
//
//	codeagent tools list
//	codeagent runs list
//
// # Environment Variables
//
//   - CODEAGENT_CONFIG: path to the configuration file (default: codeagent.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "codeagent.yaml"

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "codeagent",
		Short: "codeagent - a coding agent runtime",
		Long: `codeagent drives a language model through a coding task with file,
shell and MCP tools, gated by a configurable approval policy.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (or set CODEAGENT_CONFIG)")

	rootCmd.AddCommand(
		buildRunCmd(&configPath),
		buildToolsCmd(&configPath),
		buildConfigCmd(&configPath),
		buildInstructionsCmd(&configPath),
		buildRunsCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}
