package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// runOptions are the flags of the run command.
type runOptions struct {
	record      string
	replay      string
	listen      string
	metricsAddr string
	workspace   string
	autoApprove bool
	noStore     bool
	verbose     bool
}

func buildRunCmd(configPath *string) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run the agent on a task",
		Long: `Run the agent on a task until the model stops calling tools, the
iteration cap is reached or the run is interrupted with Ctrl-C.

Model turns can be recorded to a tape file and replayed later without
calling the provider.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, *configPath, joinArgs(args), opts)
		},
	}
	cmd.Flags().StringVar(&opts.record, "record", "", "Record model turns to this tape file")
	cmd.Flags().StringVar(&opts.replay, "replay", "", "Replay model turns from this tape file instead of calling the provider")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Serve the live timeline over websocket on this address (e.g. 127.0.0.1:7070)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVarP(&opts.workspace, "workspace", "w", "", "Workspace root (overrides agent.workspace)")
	cmd.Flags().BoolVarP(&opts.autoApprove, "yes", "y", false, "Approve every call that requires approval")
	cmd.Flags().BoolVar(&opts.noStore, "no-store", false, "Do not persist the run")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show iteration headers and token usage")
	return cmd
}

func buildToolsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect available tools",
	}
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List built-in and external tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, *configPath, asJSON)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print descriptors as JSON")
	cmd.AddCommand(list)
	return cmd
}

func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration or print its JSON schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, *configPath)
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}

func buildInstructionsCmd(configPath *string) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "instructions",
		Short: "Show the project instructions (AGENTS.md) the agent would load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstructions(cmd, *configPath, dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to resolve instructions for (default: workspace)")
	return cmd
}

func buildRunsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted runs",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(cmd, *configPath, limit)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs")
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsShow(cmd, *configPath, args[0])
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "codeagent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
