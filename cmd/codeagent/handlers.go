package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/codeagent/internal/config"
	"github.com/haasonsaas/codeagent/internal/store"
	"github.com/haasonsaas/codeagent/pkg/models"
)

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// =============================================================================
// Tools
// =============================================================================

// runToolsList handles the tools list command. Auto-start MCP servers are
// connected so their tools are included.
func runToolsList(cmd *cobra.Command, configPath string, asJSON bool) error {
	rt, err := newRuntime(configPath, "")
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := rt.gateway.Start(ctx); err != nil {
		return err
	}

	tools := rt.tools.ListEnabled()
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, map[string]any{
			"tools":   tools,
			"servers": rt.gateway.Status(),
		})
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tORIGIN\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Origin, truncateDetail(t.Description))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	statuses := rt.gateway.Status()
	if len(statuses) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nMCP servers:")
	for _, s := range statuses {
		state := "disconnected"
		if s.Connected {
			state = fmt.Sprintf("connected, %d tool(s)", len(s.Tools))
		}
		fmt.Fprintf(out, "  %s - %s\n", s.ID, state)
		if s.Error != "" {
			fmt.Fprintf(out, "    error: %s\n", s.Error)
		}
		if len(s.Shadowed) > 0 {
			fmt.Fprintf(out, "    shadowed: %s\n", strings.Join(s.Shadowed, ", "))
		}
	}
	return nil
}

// =============================================================================
// Config
// =============================================================================

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path, _ := resolveConfigPath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (version %d, provider %s, %d MCP server(s))\n",
		path, cfg.Version, cfg.Model.Provider, len(cfg.MCP.Servers))
	return nil
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

// =============================================================================
// Instructions
// =============================================================================

// runInstructions handles the instructions command.
func runInstructions(cmd *cobra.Command, configPath, dir string) error {
	rt, err := newRuntime(configPath, "")
	if err != nil {
		return err
	}
	defer rt.close()
	if dir == "" {
		dir = rt.workspace
	}

	out := cmd.OutOrStdout()
	if rt.cfg.Instructions.Disabled {
		fmt.Fprintln(out, "Instructions are disabled.")
		return nil
	}
	doc, err := rt.instructions.Load(dir)
	if err != nil {
		return err
	}
	if doc.Empty() {
		fmt.Fprintln(out, "No instruction files found.")
		return nil
	}
	fmt.Fprintf(out, "Root: %s\n", doc.Root)
	for _, src := range doc.Sources {
		var flags []string
		if src.Override {
			flags = append(flags, "override")
		}
		if src.Truncated {
			flags = append(flags, "truncated")
		}
		line := fmt.Sprintf("  %s (%d bytes)", src.Rel, src.Bytes)
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ", ") + "]"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "\n%s\n", doc.Text)
	return nil
}

// =============================================================================
// Runs
// =============================================================================

func openRunStore(cmd *cobra.Command, configPath string) (*runtime, *store.SQLStore, error) {
	rt, err := newRuntime(configPath, "")
	if err != nil {
		return nil, nil, err
	}
	if rt.cfg.Store.Disabled {
		rt.close()
		return nil, nil, errors.New("run store is disabled in configuration")
	}
	st, err := rt.openStore(cmd.Context())
	if err != nil {
		rt.close()
		return nil, nil, fmt.Errorf("open run store: %w", err)
	}
	return rt, st, nil
}

// runRunsList handles the runs list command.
func runRunsList(cmd *cobra.Command, configPath string, limit int) error {
	rt, st, err := openRunStore(cmd, configPath)
	if err != nil {
		return err
	}
	defer rt.close()
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATE\tITERATIONS\tTASK")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.State, r.Iterations, truncateDetail(r.Task))
	}
	return w.Flush()
}

// runRunsShow handles the runs show command.
func runRunsShow(cmd *cobra.Command, configPath, id string) error {
	rt, st, err := openRunStore(cmd, configPath)
	if err != nil {
		return err
	}
	defer rt.close()
	defer st.Close()

	run, err := st.GetRun(cmd.Context(), id)
	if err != nil {
		return err
	}
	items, err := st.Items(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:        %s\n", run.ID)
	fmt.Fprintf(out, "Task:       %s\n", run.Task)
	fmt.Fprintf(out, "State:      %s\n", run.State)
	fmt.Fprintf(out, "Iterations: %d\n", run.Iterations)
	fmt.Fprintf(out, "Tokens:     %d (in %d, out %d)\n", run.Tokens.Total, run.Tokens.Input, run.Tokens.Output)
	fmt.Fprintf(out, "Started:    %s\n", run.StartedAt.Local().Format(time.DateTime))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Finished:   %s\n", run.FinishedAt.Local().Format(time.DateTime))
	}
	if run.Message != "" {
		fmt.Fprintf(out, "\n%s\n", run.Message)
	}
	if len(items) > 0 {
		fmt.Fprintln(out, "\nTimeline:")
	}
	for _, item := range items {
		fmt.Fprintf(out, "  %4d  %s\n", item.Seq, describeItem(item))
	}
	return nil
}

// describeItem renders a stored timeline item on one line.
func describeItem(item models.TimelineItem) string {
	switch {
	case item.Message != nil:
		return fmt.Sprintf("%s: %s", item.Message.Role, truncateDetail(item.Message.Content))
	case item.ToolCall != nil:
		status := "ok"
		if !item.ToolCall.Result.Success {
			status = "failed"
		}
		return fmt.Sprintf("tool %s (%s)", callSummary(item.ToolCall.Call), status)
	case item.Error != nil:
		return fmt.Sprintf("error [%s]: %s", item.Error.Kind, item.Error.Message)
	case item.TaskComplete != nil:
		return fmt.Sprintf("complete success=%t iterations=%d", item.TaskComplete.Success, item.TaskComplete.Iterations)
	case item.Iteration != nil:
		return fmt.Sprintf("iteration %d/%d", item.Iteration.Iteration, item.Iteration.MaxIterations)
	}
	return string(item.Kind)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
