package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

type listParams struct {
	Path          string `json:"path,omitempty" jsonschema:"description=Directory to list (default: workspace root)."`
	Recursive     bool   `json:"recursive,omitempty" jsonschema:"description=List subdirectories recursively."`
	IncludeHidden bool   `json:"includeHidden,omitempty" jsonschema:"description=Include dot files and directories."`
}

// ListTool lists directory entries.
type ListTool struct {
	resolver   Resolver
	maxResults int
}

// NewListTool creates a list tool scoped to the workspace.
func NewListTool(cfg Config) *ListTool {
	return &ListTool{resolver: Resolver{Root: cfg.Workspace}, maxResults: cfg.maxResults()}
}

// Name returns the tool name.
func (t *ListTool) Name() string { return "list-dir" }

// Description returns the tool description.
func (t *ListTool) Description() string {
	return "List files and directories. Directories are shown with a trailing slash."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ListTool) Schema() json.RawMessage { return schemaFor[listParams]() }

// Execute lists the directory.
func (t *ListTool) Execute(ctx context.Context, params models.Params) (models.ToolResult, error) {
	input, err := decode[listParams](params)
	if err != nil {
		return toolError(err.Error()), nil
	}
	dir, err := t.resolver.ResolveDir(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return toolError(fmt.Sprintf("stat directory: %v", err)), nil
	}
	if !info.IsDir() {
		return toolError(fmt.Sprintf("%s is not a directory", input.Path)), nil
	}

	var entries []string
	truncated := false
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		rel = filepath.ToSlash(rel)
		if !input.IncludeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(entries) >= t.maxResults {
			truncated = true
			return filepath.SkipAll
		}
		if d.IsDir() {
			entries = append(entries, rel+"/")
			if !input.Recursive || skipDir(d) {
				return filepath.SkipDir
			}
			return nil
		}
		entries = append(entries, rel)
		return nil
	})
	if err != nil {
		return toolError(fmt.Sprintf("list directory: %v", err)), nil
	}

	sort.Strings(entries)
	out := strings.Join(entries, "\n")
	if len(entries) == 0 {
		out = "(empty directory)"
	}
	if truncated {
		out += fmt.Sprintf("\n[listing truncated at %d entries]", t.maxResults)
	}
	res := success(out)
	res.Metadata = map[string]any{"path": t.resolver.Rel(dir), "entries": len(entries), "truncated": truncated}
	return res, nil
}
