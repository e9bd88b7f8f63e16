package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

type globParams struct {
	Pattern       string `json:"pattern" jsonschema:"description=Glob pattern such as **/*.go."`
	Path          string `json:"path,omitempty" jsonschema:"description=Directory to search (default: workspace root)."`
	IncludeHidden bool   `json:"includeHidden,omitempty" jsonschema:"description=Include dot files and directories."`
	MaxResults    int    `json:"maxResults,omitempty" jsonschema:"minimum=1,description=Maximum number of paths to return."`
}

// GlobTool finds files by path pattern.
type GlobTool struct {
	resolver   Resolver
	maxResults int
}

// NewGlobTool creates a glob tool scoped to the workspace.
func NewGlobTool(cfg Config) *GlobTool {
	return &GlobTool{resolver: Resolver{Root: cfg.Workspace}, maxResults: cfg.maxResults()}
}

// Name returns the tool name.
func (t *GlobTool) Name() string { return "glob" }

// Description returns the tool description.
func (t *GlobTool) Description() string {
	return "Find files whose workspace-relative path matches a glob pattern. Supports *, ?, ** and {a,b}."
}

// Schema returns the JSON schema for the tool parameters.
func (t *GlobTool) Schema() json.RawMessage { return schemaFor[globParams]() }

// Execute walks the directory and returns matching paths.
func (t *GlobTool) Execute(ctx context.Context, params models.Params) (models.ToolResult, error) {
	input, err := decode[globParams](params)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if strings.TrimSpace(input.Pattern) == "" {
		return toolError("pattern is required"), nil
	}
	re, err := compileGlob(input.Pattern)
	if err != nil {
		return toolError(fmt.Sprintf("invalid pattern: %v", err)), nil
	}
	dir, err := t.resolver.ResolveDir(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	limit := t.maxResults
	if input.MaxResults > 0 && input.MaxResults < limit {
		limit = input.MaxResults
	}

	var matches []string
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
		if d.IsDir() {
			if skipDir(d) || (!input.IncludeHidden && strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		rel = filepath.ToSlash(rel)
		if !input.IncludeHidden && isHidden(rel) {
			return nil
		}
		if !re.MatchString(rel) {
			return nil
		}
		if len(matches) >= limit {
			truncated = true
			return filepath.SkipAll
		}
		matches = append(matches, rel)
		return nil
	})
	if err != nil {
		return toolError(fmt.Sprintf("glob: %v", err)), nil
	}

	sort.Strings(matches)
	out := strings.Join(matches, "\n")
	if len(matches) == 0 {
		out = fmt.Sprintf("No files match %s", input.Pattern)
	}
	if truncated {
		out += fmt.Sprintf("\n[results truncated at %d paths]", limit)
	}
	res := success(out)
	res.Metadata = map[string]any{"matches": len(matches), "truncated": truncated}
	return res, nil
}

// compileGlob translates a glob into an anchored regular expression over
// slash-separated relative paths. "**/" matches zero or more directories.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	var b strings.Builder
	b.WriteString("^")
	inClass := false
	braces := 0
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case inClass:
			if c == ']' {
				inClass = false
			}
			if c == '\\' {
				b.WriteString(`\\`)
				continue
			}
			b.WriteByte(c)
		case c == '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					b.WriteString(`(?:.*/)?`)
				} else {
					b.WriteString(`.*`)
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case c == '?':
			b.WriteString(`[^/]`)
		case c == '[':
			inClass = true
			b.WriteByte('[')
			if i+1 < len(pattern) && pattern[i+1] == '!' {
				b.WriteByte('^')
				i++
			}
		case c == '{':
			braces++
			b.WriteString(`(?:`)
		case c == '}' && braces > 0:
			braces--
			b.WriteByte(')')
		case c == ',' && braces > 0:
			b.WriteByte('|')
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	if inClass || braces > 0 {
		return nil, fmt.Errorf("unterminated %q", pattern)
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
