package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const defaultSystemPrompt = `You are a coding agent working inside a software project.

Use tools by writing invocations inside a <devin> block, one per line:

<devin>
/read-file path="internal/server/server.go"
</devin>

Parameters are given as key="value" attributes, or as a fenced json block
directly after the invocation line:

<devin>
/write-file
` + "```json" + `
{"path": "README.md", "content": "# Project\n"}
` + "```" + `
</devin>

Tool results are returned in the next message. When the task is complete,
answer without any <devin> block.`

// PromptParts are the inputs of a system prompt.
type PromptParts struct {
	// Base replaces the built-in instructions when set.
	Base string
	// Instructions are project instructions such as AGENTS.md contents.
	Instructions string
	// WorkDir is the workspace root shown to the model.
	WorkDir string
	// Tools are the tools the model may call.
	Tools []ToolDescriptor
}

// BuildSystemPrompt renders the system prompt for a run.
func BuildSystemPrompt(parts PromptParts) string {
	var b strings.Builder
	if parts.Base != "" {
		b.WriteString(parts.Base)
	} else {
		b.WriteString(defaultSystemPrompt)
	}
	if parts.WorkDir != "" {
		fmt.Fprintf(&b, "\n\nWorkspace: %s", parts.WorkDir)
	}
	if len(parts.Tools) > 0 {
		b.WriteString("\n\n## Available tools\n")
		for _, t := range parts.Tools {
			fmt.Fprintf(&b, "\n/%s", t.Name)
			if t.Description != "" {
				fmt.Fprintf(&b, ": %s", firstLine(t.Description))
			}
			if len(t.Schema) > 0 {
				fmt.Fprintf(&b, "\n  schema: %s", compactJSON(t.Schema))
			}
		}
	}
	if strings.TrimSpace(parts.Instructions) != "" {
		b.WriteString("\n\n## Project instructions\n\n")
		b.WriteString(strings.TrimSpace(parts.Instructions))
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func compactJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
