package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

type editParams struct {
	Path       string `json:"path" jsonschema:"description=Path to the file (relative to workspace)."`
	OldString  string `json:"oldString" jsonschema:"description=Exact text to replace."`
	NewString  string `json:"newString" jsonschema:"description=Replacement text."`
	ReplaceAll bool   `json:"replaceAll,omitempty" jsonschema:"description=Replace every occurrence instead of exactly one."`
}

// EditTool replaces exact text in a workspace file.
type EditTool struct {
	resolver Resolver
}

// NewEditTool creates an edit tool scoped to the workspace.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{resolver: Resolver{Root: cfg.Workspace}}
}

// Name returns the tool name.
func (t *EditTool) Name() string { return "edit-file" }

// Description returns the tool description.
func (t *EditTool) Description() string {
	return "Replace exact text in a workspace file. oldString must match exactly once unless replaceAll is set."
}

// Schema returns the JSON schema for the tool parameters.
func (t *EditTool) Schema() json.RawMessage { return schemaFor[editParams]() }

// Execute applies the replacement.
func (t *EditTool) Execute(_ context.Context, params models.Params) (models.ToolResult, error) {
	input, err := decode[editParams](params)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if input.OldString == "" {
		return toolError("oldString is required"), nil
	}
	if input.OldString == input.NewString {
		return toolError("oldString and newString are identical"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	content := string(data)

	count := strings.Count(content, input.OldString)
	switch {
	case count == 0:
		return toolError("oldString not found"), nil
	case count > 1 && !input.ReplaceAll:
		return toolError(fmt.Sprintf("oldString matches %d times; add context or set replaceAll", count)), nil
	}

	if input.ReplaceAll {
		content = strings.ReplaceAll(content, input.OldString, input.NewString)
	} else {
		content = strings.Replace(content, input.OldString, input.NewString, 1)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(content), info.Mode().Perm()); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	rel := t.resolver.Rel(resolved)
	res := success(fmt.Sprintf("Replaced %d occurrence(s) in %s", count, rel))
	if !input.ReplaceAll {
		res.Output = fmt.Sprintf("Replaced 1 occurrence in %s", rel)
		count = 1
	}
	res.Metadata = map[string]any{"path": rel, "replacements": count}
	return res, nil
}
