package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// maxDetailEntries limits the number of parameter values shown per call.
const maxDetailEntries = 4

// maxDetailChars limits a single rendered value.
const maxDetailChars = 80

// detailKeys lists the parameters summarized for known tools, in order.
var detailKeys = map[string][]string{
	"read-file":  {"path"},
	"write-file": {"path"},
	"edit-file":  {"path"},
	"list-dir":   {"path"},
	"glob":       {"pattern", "path"},
	"grep":       {"pattern", "path", "include"},
	"shell":      {"command", "workingDirectory"},
}

// fallbackKeys are tried for tools without an entry in detailKeys.
var fallbackKeys = []string{"command", "path", "url", "query", "pattern", "name", "id"}

// callSummary renders a one-line description of a tool call such as
// "Read File: cmd/main.go:10-20".
func callSummary(call models.ToolCall) string {
	title := displayTitle(call.ToolName)
	detail := callDetail(call)
	if detail == "" {
		return title
	}
	return title + ": " + detail
}

func callDetail(call models.ToolCall) string {
	args := call.Params.Map()
	if call.ToolName == "read-file" {
		return readDetail(args)
	}
	keys, ok := detailKeys[call.ToolName]
	if !ok {
		keys = fallbackKeys
	}
	var details []string
	for _, key := range keys {
		if len(details) >= maxDetailEntries {
			break
		}
		v := displayValue(args[key])
		if v == "" {
			continue
		}
		details = append(details, truncateDetail(shortenHomePath(v)))
	}
	return strings.Join(details, " · ")
}

// readDetail renders path:start-end for line-range reads.
func readDetail(args map[string]any) string {
	path := displayValue(args["path"])
	if path == "" {
		return ""
	}
	start, end := displayValue(args["startLine"]), displayValue(args["endLine"])
	switch {
	case start != "" && end != "":
		return fmt.Sprintf("%s:%s-%s", path, start, end)
	case start != "":
		return fmt.Sprintf("%s:%s-", path, start)
	case end != "":
		return fmt.Sprintf("%s:-%s", path, end)
	}
	return path
}

// displayTitle turns a tool name into a title. Namespaced external names
// like "github.create_issue" keep only the last segment.
func displayTitle(name string) string {
	normalized := strings.ToLower(name)
	if i := strings.LastIndex(normalized, "."); i >= 0 {
		normalized = normalized[i+1:]
	}
	normalized = strings.NewReplacer("_", " ", "-", " ").Replace(normalized)
	words := strings.Fields(normalized)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func displayValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if s := displayValue(item); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, ", ")
	case map[string]any:
		for _, key := range []string{"name", "id", "path", "value"} {
			if s := displayValue(v[key]); s != "" {
				return s
			}
		}
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func truncateDetail(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if r := []rune(s); len(r) > maxDetailChars {
		return string(r[:maxDetailChars-1]) + "…"
	}
	return s
}

// shortenHomePath replaces the home directory prefix with ~.
func shortenHomePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(filepath.Separator)) {
		return "~" + path[len(home):]
	}
	return path
}
