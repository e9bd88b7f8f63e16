package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/codeagent/pkg/models"
)

type writeParams struct {
	Path    string `json:"path" jsonschema:"description=Path to write (relative to workspace)."`
	Content string `json:"content" jsonschema:"description=File contents to write."`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite (default: false)."`
}

// WriteTool implements file writes within the workspace.
type WriteTool struct {
	resolver Resolver
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: cfg.Workspace}}
}

// Name returns the tool name.
func (t *WriteTool) Name() string { return "write-file" }

// Description returns the tool description.
func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace (overwrites by default). Parent directories are created."
}

// Schema returns the JSON schema for the tool parameters.
func (t *WriteTool) Schema() json.RawMessage { return schemaFor[writeParams]() }

// Execute writes file contents.
func (t *WriteTool) Execute(_ context.Context, params models.Params) (models.ToolResult, error) {
	input, err := decode[writeParams](params)
	if err != nil {
		return toolError(err.Error()), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}

	_, statErr := os.Stat(resolved)
	created := os.IsNotExist(statErr)

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	n, err := file.WriteString(input.Content)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	rel := t.resolver.Rel(resolved)
	verb := "Wrote"
	switch {
	case input.Append:
		verb = "Appended"
	case created:
		verb = "Created"
	}
	res := success(fmt.Sprintf("%s %d bytes to %s", verb, n, rel))
	res.Metadata = map[string]any{"path": rel, "bytes": n, "created": created}
	return res, nil
}
