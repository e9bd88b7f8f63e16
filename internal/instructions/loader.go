// Package instructions discovers project instruction files (AGENTS.md and
// compatible variants) between the repository root and the working
// directory.
package instructions

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultFilename is the standard instruction file.
	DefaultFilename = "AGENTS.md"

	// OverrideFilename is a local, usually uncommitted, override. The
	// nearest one wins over every other file.
	OverrideFilename = "AGENTS.override.md"

	// DefaultMaxBytes caps the combined instruction text.
	DefaultMaxBytes = 32 * 1024
)

// DefaultFallbacks are consulted when a directory has no AGENTS.md.
var DefaultFallbacks = []string{"CLAUDE.md", ".agents.md", "GEMINI.md"}

// Source is one file that contributed to a Document.
type Source struct {
	Path      string `json:"path"`
	Rel       string `json:"rel"`
	Bytes     int    `json:"bytes"`
	Override  bool   `json:"override,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Document is the combined instruction text.
type Document struct {
	Root    string   `json:"root"`
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// Empty reports whether no instructions were found.
func (d Document) Empty() bool { return d.Text == "" }

// Loader finds and concatenates instruction files.
type Loader struct {
	// MaxBytes bounds the combined file content. Zero disables loading and a
	// negative value removes the bound.
	MaxBytes int
	// Fallbacks are filenames tried after AGENTS.md, in order.
	Fallbacks []string
	Logger    *slog.Logger
}

// NewLoader returns a loader with the default byte cap and fallbacks.
func NewLoader() *Loader {
	return &Loader{
		MaxBytes:  DefaultMaxBytes,
		Fallbacks: DefaultFallbacks,
	}
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Load discovers instruction files for cwd. Directories are searched from
// the git root (the nearest ancestor containing .git) down to cwd, or only
// cwd when there is no git root. Each directory contributes at most one
// file. If any directory holds AGENTS.override.md, the nearest one is the
// only file used.
func (l *Loader) Load(cwd string) (Document, error) {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return Document{}, fmt.Errorf("resolve %s: %w", cwd, err)
	}
	root, dirs := searchDirs(abs)
	doc := Document{Root: root}
	if l.MaxBytes == 0 {
		l.logger().Debug("instruction loading disabled")
		return doc, nil
	}

	files, err := l.discover(dirs)
	if err != nil {
		return doc, err
	}
	if len(files) == 0 {
		return doc, nil
	}

	remaining := l.MaxBytes
	if remaining < 0 {
		remaining = math.MaxInt
	}
	var parts []string
	for _, f := range files {
		if remaining <= 0 {
			l.logger().Warn("instruction byte limit reached, skipping remaining files",
				"limit", l.MaxBytes, "path", f.path)
			break
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			l.logger().Warn("failed to read instruction file", "path", f.path, "error", err)
			continue
		}
		content, truncated := truncateBytes(string(data), remaining)
		trimmed := strings.TrimSpace(content)
		if trimmed == "" {
			continue
		}
		rel, err := filepath.Rel(root, f.path)
		if err != nil {
			rel = f.path
		}
		rel = filepath.ToSlash(rel)
		parts = append(parts, formatBlock(rel, trimmed))
		doc.Sources = append(doc.Sources, Source{
			Path:      f.path,
			Rel:       rel,
			Bytes:     len(content),
			Override:  f.override,
			Truncated: truncated,
		})
		remaining -= len(content)
	}
	doc.Text = strings.Join(parts, "\n\n")
	return doc, nil
}

func formatBlock(rel, content string) string {
	return fmt.Sprintf("--- AGENTS.md from: %s ---\n%s\n--- End of AGENTS.md from: %s ---", rel, content, rel)
}

type candidate struct {
	path     string
	override bool
}

// discover picks one file per directory, root first.
func (l *Loader) discover(dirs []string) ([]candidate, error) {
	names := l.candidateNames()
	var (
		found    []candidate
		override *candidate
	)
	for _, dir := range dirs {
		for _, name := range names {
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", path, err)
			}
			if info.IsDir() {
				continue
			}
			c := candidate{path: path, override: name == OverrideFilename}
			if c.override {
				// Later directories are nearer to cwd.
				override = &c
			}
			found = append(found, c)
			break
		}
	}
	if override != nil {
		return []candidate{*override}, nil
	}
	return found, nil
}

func (l *Loader) candidateNames() []string {
	names := []string{OverrideFilename, DefaultFilename}
	for _, f := range l.Fallbacks {
		f = strings.TrimSpace(f)
		if f == "" || f == OverrideFilename || f == DefaultFilename {
			continue
		}
		names = append(names, f)
	}
	return names
}

// searchDirs returns the search root and the directories from it down to cwd.
func searchDirs(cwd string) (string, []string) {
	chain := []string{cwd}
	for dir := cwd; ; {
		if isGitRoot(dir) {
			for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
				chain[i], chain[j] = chain[j], chain[i]
			}
			return dir, chain
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, []string{cwd}
		}
		chain = append(chain, parent)
		dir = parent
	}
}

func isGitRoot(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
