package files

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

type grepParams struct {
	Pattern       string `json:"pattern" jsonschema:"description=Regular expression to search for."`
	Path          string `json:"path,omitempty" jsonschema:"description=File or directory to search (default: workspace root)."`
	Include       string `json:"include,omitempty" jsonschema:"description=Glob limiting which files are searched such as *.go."`
	CaseSensitive bool   `json:"caseSensitive,omitempty" jsonschema:"description=Match case exactly (default: false)."`
	MaxMatches    int    `json:"maxMatches,omitempty" jsonschema:"minimum=1,description=Maximum number of matching lines."`
	ContextLines  int    `json:"contextLines,omitempty" jsonschema:"minimum=0,description=Lines of context around each match."`
}

const defaultMaxMatches = 100

// GrepTool searches file contents.
type GrepTool struct {
	resolver   Resolver
	maxResults int
}

// NewGrepTool creates a grep tool scoped to the workspace.
func NewGrepTool(cfg Config) *GrepTool {
	return &GrepTool{resolver: Resolver{Root: cfg.Workspace}, maxResults: cfg.maxResults()}
}

// Name returns the tool name.
func (t *GrepTool) Name() string { return "grep" }

// Description returns the tool description.
func (t *GrepTool) Description() string {
	return "Search file contents with a regular expression. Results are file:line: text."
}

// Schema returns the JSON schema for the tool parameters.
func (t *GrepTool) Schema() json.RawMessage { return schemaFor[grepParams]() }

// Execute runs the search.
func (t *GrepTool) Execute(ctx context.Context, params models.Params) (models.ToolResult, error) {
	input, err := decode[grepParams](params)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if input.Pattern == "" {
		return toolError("pattern is required"), nil
	}
	expr := input.Pattern
	if !input.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return toolError(fmt.Sprintf("invalid pattern: %v", err)), nil
	}
	var include *regexp.Regexp
	if input.Include != "" {
		if include, err = compileGlob(input.Include); err != nil {
			return toolError(fmt.Sprintf("invalid include: %v", err)), nil
		}
	}
	root, err := t.resolver.ResolveDir(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	limit := defaultMaxMatches
	if input.MaxMatches > 0 {
		limit = input.MaxMatches
	}
	if limit > t.maxResults {
		limit = t.maxResults
	}

	s := &searcher{re: re, context: input.ContextLines, limit: limit}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && (skipDir(d) || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if include != nil && !include.MatchString(d.Name()) && !include.MatchString(filepath.ToSlash(t.resolver.Rel(path))) {
			return nil
		}
		if done := s.searchFile(path, t.resolver.Rel(path)); done {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return toolError(fmt.Sprintf("grep: %v", err)), nil
	}

	out := strings.Join(s.lines, "\n")
	if s.matches == 0 {
		out = fmt.Sprintf("No matches for %s", input.Pattern)
	}
	if s.truncated {
		out += fmt.Sprintf("\n[results truncated at %d matches]", limit)
	}
	res := success(out)
	res.Metadata = map[string]any{"matches": s.matches, "files": s.files, "truncated": s.truncated}
	return res, nil
}

type searcher struct {
	re        *regexp.Regexp
	context   int
	limit     int
	lines     []string
	matches   int
	files     int
	truncated bool
}

// searchFile appends matches from one file and reports whether the match
// limit was reached.
func (s *searcher) searchFile(path, rel string) bool {
	data, err := os.ReadFile(path)
	if err != nil || isBinary(data) {
		return false
	}
	var all []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}

	found := false
	lastPrinted := -1
	for i, line := range all {
		if !s.re.MatchString(line) {
			continue
		}
		if s.matches >= s.limit {
			s.truncated = true
			return true
		}
		if !found {
			s.files++
			found = true
		}
		s.matches++
		from := max(i-s.context, lastPrinted+1)
		to := min(i+s.context, len(all)-1)
		if s.context > 0 && lastPrinted >= 0 && from > lastPrinted+1 {
			s.lines = append(s.lines, "--")
		}
		for j := from; j <= to; j++ {
			sep := "-"
			if j == i || s.re.MatchString(all[j]) {
				sep = ":"
			}
			s.lines = append(s.lines, fmt.Sprintf("%s:%d%s %s", rel, j+1, sep, all[j]))
		}
		lastPrinted = to
	}
	return false
}

func isBinary(data []byte) bool {
	if len(data) > 8000 {
		data = data[:8000]
	}
	return bytes.IndexByte(data, 0) >= 0
}
