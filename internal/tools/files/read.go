package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

type readParams struct {
	Path      string `json:"path" jsonschema:"description=Path to the file (relative to workspace)."`
	StartLine int    `json:"startLine,omitempty" jsonschema:"minimum=1,description=First line to return (1-based)."`
	EndLine   int    `json:"endLine,omitempty" jsonschema:"minimum=1,description=Last line to return (inclusive)."`
}

// ReadTool implements a safe file reader.
type ReadTool struct {
	resolver   Resolver
	maxReadLen int
}

// NewReadTool creates a read tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	return &ReadTool{
		resolver:   Resolver{Root: cfg.Workspace},
		maxReadLen: cfg.maxReadBytes(),
	}
}

// Name returns the tool name.
func (t *ReadTool) Name() string { return "read-file" }

// Description returns the tool description.
func (t *ReadTool) Description() string {
	return "Read a file from the workspace, optionally limited to a line range."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadTool) Schema() json.RawMessage { return schemaFor[readParams]() }

// Execute reads a file with safety limits.
func (t *ReadTool) Execute(ctx context.Context, params models.Params) (models.ToolResult, error) {
	input, err := decode[readParams](params)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if input.EndLine > 0 && input.StartLine > input.EndLine {
		return toolError("startLine must not exceed endLine"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return toolError(fmt.Sprintf("%s is a directory", input.Path)), nil
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(t.maxReadLen)+1))
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	truncated := len(buf) > t.maxReadLen
	if truncated {
		buf = buf[:t.maxReadLen]
	}

	content := string(buf)
	if input.StartLine > 0 || input.EndLine > 0 {
		content = lineRange(content, input.StartLine, input.EndLine)
	}
	if truncated {
		content += fmt.Sprintf("\n\n[file truncated at %d bytes of %d]", t.maxReadLen, info.Size())
	}

	res := success(content)
	res.Metadata = map[string]any{
		"path":      t.resolver.Rel(resolved),
		"bytes":     len(buf),
		"truncated": truncated,
	}
	return res, nil
}

// lineRange returns lines start..end (1-based, inclusive). Zero bounds are
// open.
func lineRange(content string, start, end int) string {
	lines := strings.SplitAfter(content, "\n")
	if start < 1 {
		start = 1
	}
	if end < 1 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "")
}
