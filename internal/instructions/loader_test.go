package instructions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newRepo creates a git root with a nested pkg/api directory.
func newRepo(t *testing.T) (root, leaf string) {
	t.Helper()
	root = t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	leaf = filepath.Join(root, "pkg", "api")
	if err := os.MkdirAll(leaf, 0o755); err != nil {
		t.Fatal(err)
	}
	return root, leaf
}

func TestLoadConcatenatesRootFirst(t *testing.T) {
	root, leaf := newRepo(t)
	writeFile(t, filepath.Join(root, "AGENTS.md"), "Use gofmt.\n")
	writeFile(t, filepath.Join(root, "pkg", "CLAUDE.md"), "Packages are small.")
	writeFile(t, filepath.Join(leaf, "AGENTS.md"), "  API handlers return JSON.  ")
	writeFile(t, filepath.Join(leaf, "CLAUDE.md"), "ignored: AGENTS.md wins in this directory")

	doc, err := NewLoader().Load(leaf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := strings.Join([]string{
		"--- AGENTS.md from: AGENTS.md ---\nUse gofmt.\n--- End of AGENTS.md from: AGENTS.md ---",
		"--- AGENTS.md from: pkg/CLAUDE.md ---\nPackages are small.\n--- End of AGENTS.md from: pkg/CLAUDE.md ---",
		"--- AGENTS.md from: pkg/api/AGENTS.md ---\nAPI handlers return JSON.\n--- End of AGENTS.md from: pkg/api/AGENTS.md ---",
	}, "\n\n")
	if doc.Text != want {
		t.Fatalf("unexpected text:\n%s\nwant:\n%s", doc.Text, want)
	}
	if len(doc.Sources) != 3 || doc.Root == "" {
		t.Fatalf("unexpected sources %+v", doc.Sources)
	}
}

func TestLoadNearestOverrideWins(t *testing.T) {
	root, leaf := newRepo(t)
	writeFile(t, filepath.Join(root, "AGENTS.md"), "root rules")
	writeFile(t, filepath.Join(root, "AGENTS.override.md"), "root override")
	writeFile(t, filepath.Join(root, "pkg", "AGENTS.override.md"), "pkg override")
	writeFile(t, filepath.Join(leaf, "AGENTS.md"), "leaf rules")

	doc, err := NewLoader().Load(leaf)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Sources) != 1 || !doc.Sources[0].Override || doc.Sources[0].Rel != "pkg/AGENTS.override.md" {
		t.Fatalf("expected only the nearest override, got %+v", doc.Sources)
	}
	if !strings.Contains(doc.Text, "pkg override") || strings.Contains(doc.Text, "rules") {
		t.Fatalf("unexpected text %q", doc.Text)
	}
}

func TestLoadWithoutGitRootOnlySearchesCwd(t *testing.T) {
	parent := t.TempDir()
	child := filepath.Join(parent, "child")
	writeFile(t, filepath.Join(parent, "AGENTS.md"), "parent")
	writeFile(t, filepath.Join(child, "AGENTS.md"), "child")

	doc, err := NewLoader().Load(child)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Sources) != 1 || doc.Sources[0].Rel != "AGENTS.md" || !strings.Contains(doc.Text, "child") {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestLoadByteLimit(t *testing.T) {
	root, leaf := newRepo(t)
	writeFile(t, filepath.Join(root, "AGENTS.md"), strings.Repeat("a", 10))
	writeFile(t, filepath.Join(leaf, "AGENTS.md"), "never read")

	tests := []struct {
		name     string
		maxBytes int
		want     string
		sources  int
	}{
		{"disabled", 0, "", 0},
		{"unbounded", -1, strings.Repeat("a", 10), 2},
		{"truncated", 4, "aaaa", 1},
		{"exhausted by first file", 10, strings.Repeat("a", 10), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Loader{MaxBytes: tt.maxBytes}
			doc, err := l.Load(leaf)
			if err != nil {
				t.Fatal(err)
			}
			if len(doc.Sources) != tt.sources {
				t.Fatalf("expected %d sources, got %+v", tt.sources, doc.Sources)
			}
			if tt.want == "" {
				if !doc.Empty() {
					t.Fatalf("expected empty document, got %q", doc.Text)
				}
				return
			}
			if !strings.Contains(doc.Text, "\n"+tt.want+"\n") {
				t.Fatalf("expected %q in %q", tt.want, doc.Text)
			}
		})
	}
}

func TestTruncateBytesKeepsRunes(t *testing.T) {
	got, truncated := truncateBytes("héllo", 2)
	if got != "h" || !truncated {
		t.Fatalf("truncateBytes = %q, %v", got, truncated)
	}
	if got, truncated := truncateBytes("abc", 5); got != "abc" || truncated {
		t.Fatalf("truncateBytes = %q, %v", got, truncated)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	root, leaf := newRepo(t)
	writeFile(t, filepath.Join(root, "AGENTS.md"), "v1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Document, 4)
	if err := NewLoader().Watch(ctx, leaf, func(d Document) { changes <- d }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	writeFile(t, filepath.Join(leaf, "AGENTS.md"), "leaf v2")

	select {
	case doc := <-changes:
		if !strings.Contains(doc.Text, "leaf v2") {
			t.Fatalf("reload missed the new file: %q", doc.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
