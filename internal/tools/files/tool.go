// Package files provides the workspace file tools: read-file, write-file,
// edit-file, list-dir, glob and grep.
package files

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadBytes int
	// MaxResults caps list-dir, glob and grep output entries.
	MaxResults int
}

const (
	defaultMaxReadBytes = 200000
	defaultMaxResults   = 1000
)

func (c Config) maxReadBytes() int {
	if c.MaxReadBytes > 0 {
		return c.MaxReadBytes
	}
	return defaultMaxReadBytes
}

func (c Config) maxResults() int {
	if c.MaxResults > 0 {
		return c.MaxResults
	}
	return defaultMaxResults
}

// Tools returns every file tool scoped to cfg.Workspace.
func Tools(cfg Config) []agent.Tool {
	return []agent.Tool{
		NewReadTool(cfg),
		NewWriteTool(cfg),
		NewEditTool(cfg),
		NewListTool(cfg),
		NewGlobTool(cfg),
		NewGrepTool(cfg),
	}
}

// schemaFor reflects the parameter schema of T. Fields without omitempty
// are required.
func schemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(new(T))
	s.Version = ""
	payload, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// decode converts loosely typed call params into T.
func decode[T any](params models.Params) (T, error) {
	var input T
	data, err := json.Marshal(params)
	if err != nil {
		return input, fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return input, fmt.Errorf("invalid parameters: %w", err)
	}
	return input, nil
}

func success(output string) models.ToolResult {
	return models.ToolResult{Success: true, Output: output}
}

func toolError(message string) models.ToolResult {
	return models.ToolResult{Success: false, Error: message}
}

// isHidden reports whether any element of a slash-separated path starts
// with a dot.
func isHidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if len(part) > 1 && strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// skipDir names directories that are never walked.
func skipDir(d fs.DirEntry) bool {
	switch d.Name() {
	case ".git", "node_modules", ".hg", ".svn":
		return true
	}
	return false
}
