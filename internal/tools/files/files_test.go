package files

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

func newWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func run(t *testing.T, tool agent.Tool, kv ...any) models.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), models.NewParams(kv...))
	if err != nil {
		t.Fatalf("%s returned error: %v", tool.Name(), err)
	}
	return res
}

func TestResolverRejectsEscape(t *testing.T) {
	root := t.TempDir()
	resolver := Resolver{Root: root}
	for _, p := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if _, err := resolver.Resolve(p); !errors.Is(err, ErrEscapesWorkspace) {
			t.Errorf("Resolve(%q) error = %v, want ErrEscapesWorkspace", p, err)
		}
	}
	got, err := resolver.Resolve("a/b.txt")
	if err != nil || got != filepath.Join(root, "a", "b.txt") {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if rel := resolver.Rel(got); rel != "a/b.txt" {
		t.Fatalf("Rel = %q", rel)
	}
}

func TestReadWriteEdit(t *testing.T) {
	root := t.TempDir()
	cfg := Config{Workspace: root}

	res := run(t, NewWriteTool(cfg), "path", "docs/notes.txt", "content", "hello world\nsecond line\n")
	if !res.Success || res.Output != "Created 24 bytes to docs/notes.txt" {
		t.Fatalf("unexpected write result %+v", res)
	}
	res = run(t, NewWriteTool(cfg), "path", "docs/notes.txt", "content", "third\n", "append", true)
	if !res.Success || !strings.HasPrefix(res.Output, "Appended 6 bytes") {
		t.Fatalf("unexpected append result %+v", res)
	}

	res = run(t, NewReadTool(cfg), "path", "docs/notes.txt")
	if res.Output != "hello world\nsecond line\nthird\n" {
		t.Fatalf("unexpected content %q", res.Output)
	}
	res = run(t, NewReadTool(cfg), "path", "docs/notes.txt", "startLine", 2, "endLine", 2)
	if res.Output != "second line\n" {
		t.Fatalf("unexpected line range %q", res.Output)
	}

	res = run(t, NewEditTool(cfg), "path", "docs/notes.txt", "oldString", "world", "newString", "gopher")
	if !res.Success {
		t.Fatalf("edit failed: %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(root, "docs", "notes.txt"))
	if !strings.HasPrefix(string(data), "hello gopher\n") {
		t.Fatalf("edit not applied: %q", data)
	}
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	root := newWorkspace(t, map[string]string{"a.txt": "x x x"})
	cfg := Config{Workspace: root}

	res := run(t, NewEditTool(cfg), "path", "a.txt", "oldString", "x", "newString", "y")
	if res.Success || !strings.Contains(res.Error, "matches 3 times") {
		t.Fatalf("expected ambiguity error, got %+v", res)
	}
	res = run(t, NewEditTool(cfg), "path", "a.txt", "oldString", "x", "newString", "y", "replaceAll", true)
	if !res.Success || res.Metadata["replacements"] != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	res = run(t, NewEditTool(cfg), "path", "a.txt", "oldString", "missing", "newString", "y")
	if res.Success || res.Error != "oldString not found" {
		t.Fatalf("expected not found, got %+v", res)
	}
}

func TestReadErrors(t *testing.T) {
	root := newWorkspace(t, map[string]string{"dir/a.txt": "abcdefghij"})
	tests := []struct {
		name    string
		params  []any
		wantErr string
	}{
		{"escape", []any{"path", "../x"}, "path escapes workspace"},
		{"missing", []any{"path", "nope.txt"}, "open file"},
		{"directory", []any{"path", "dir"}, "is a directory"},
		{"bad range", []any{"path", "dir/a.txt", "startLine", 3, "endLine", 1}, "startLine must not exceed endLine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, NewReadTool(Config{Workspace: root}), tt.params...)
			if res.Success || !strings.Contains(res.Error, tt.wantErr) {
				t.Fatalf("expected %q, got %+v", tt.wantErr, res)
			}
		})
	}

	res := run(t, NewReadTool(Config{Workspace: root, MaxReadBytes: 4}), "path", "dir/a.txt")
	if !strings.HasPrefix(res.Output, "abcd\n\n[file truncated at 4 bytes of 10]") || res.Metadata["truncated"] != true {
		t.Fatalf("unexpected truncated read %+v", res)
	}
}

func TestListDir(t *testing.T) {
	root := newWorkspace(t, map[string]string{
		"main.go":          "",
		"pkg/util/util.go": "",
		".env":             "",
	})
	cfg := Config{Workspace: root}

	res := run(t, NewListTool(cfg))
	if res.Output != "main.go\npkg/" {
		t.Fatalf("unexpected listing %q", res.Output)
	}
	res = run(t, NewListTool(cfg), "recursive", true, "includeHidden", true)
	if res.Output != ".env\nmain.go\npkg/\npkg/util/\npkg/util/util.go" {
		t.Fatalf("unexpected recursive listing %q", res.Output)
	}
	res = run(t, NewListTool(cfg), "path", "main.go")
	if res.Success {
		t.Fatal("listing a file should fail")
	}
}

func TestGlob(t *testing.T) {
	root := newWorkspace(t, map[string]string{
		"main.go":             "",
		"cmd/app/main.go":     "",
		"web/index.ts":        "",
		"web/app.tsx":         "",
		".hidden/secret.go":   "",
		"node_modules/x/y.go": "",
	})
	cfg := Config{Workspace: root}

	tests := []struct {
		pattern string
		want    string
	}{
		{"*.go", "main.go"},
		{"**/*.go", "cmd/app/main.go\nmain.go"},
		{"web/*.{ts,tsx}", "web/app.tsx\nweb/index.ts"},
		{"cmd/**", "cmd/app/main.go"},
		{"*.rs", "No files match *.rs"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			res := run(t, NewGlobTool(cfg), "pattern", tt.pattern)
			if res.Output != tt.want {
				t.Fatalf("glob %s = %q, want %q", tt.pattern, res.Output, tt.want)
			}
		})
	}
}

func TestCompileGlobErrors(t *testing.T) {
	for _, p := range []string{"[abc", "{a,b"} {
		if _, err := compileGlob(p); err == nil {
			t.Errorf("compileGlob(%q) should fail", p)
		}
	}
}

func TestGrep(t *testing.T) {
	root := newWorkspace(t, map[string]string{
		"a.go":      "package a\n\nfunc Hello() {}\n",
		"b.txt":     "hello there\nbye\n",
		"bin.dat":   "hello\x00binary",
		".git/HEAD": "hello",
	})
	cfg := Config{Workspace: root}

	res := run(t, NewGrepTool(cfg), "pattern", "hello")
	if res.Output != "a.go:3: func Hello() {}\nb.txt:1: hello there" {
		t.Fatalf("unexpected grep output %q", res.Output)
	}
	res = run(t, NewGrepTool(cfg), "pattern", "hello", "caseSensitive", true, "include", "*.txt")
	if res.Output != "b.txt:1: hello there" {
		t.Fatalf("unexpected filtered output %q", res.Output)
	}
	res = run(t, NewGrepTool(cfg), "pattern", "Hello", "caseSensitive", true, "contextLines", 1)
	if res.Output != "a.go:2- \na.go:3: func Hello() {}" {
		t.Fatalf("unexpected context output %q", res.Output)
	}
	res = run(t, NewGrepTool(cfg), "pattern", "hello", "maxMatches", 1)
	if res.Metadata["truncated"] != true || !strings.HasPrefix(res.Output, "a.go:3:") {
		t.Fatalf("expected truncation, got %+v", res)
	}
	res = run(t, NewGrepTool(cfg), "pattern", "(")
	if res.Success {
		t.Fatal("invalid regexp should fail")
	}
}

func TestSchemasCompileAndValidate(t *testing.T) {
	registry := agent.NewRegistry()
	for _, tool := range Tools(Config{Workspace: t.TempDir()}) {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			t.Fatalf("%s schema: %v", tool.Name(), err)
		}
		if schema["type"] != "object" {
			t.Fatalf("%s schema type = %v", tool.Name(), schema["type"])
		}
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name(), err)
		}
	}

	_, desc, ok := registry.Resolve("read-file")
	if !ok {
		t.Fatal("read-file not registered")
	}
	if _, err := registry.Validate(desc, models.NewParams("startLine", "2")); err == nil {
		t.Fatal("path should be required")
	}
	params, err := registry.Validate(desc, models.NewParams("path", "a.go", "startLine", "2"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v, _ := params.Get("startLine"); v != int64(2) {
		t.Fatalf("startLine = %#v", v)
	}
}
