// Package toolcall extracts tool invocations from free-form model output.
//
// Invocations are only recognised inside sentinel blocks:
//
//	<devin>
//	/read-file path="config.yaml"
//	/grep pattern="TODO" path="src/"
//	</devin>
//
// Each invocation line may be followed by a fenced JSON object supplying
// parameters instead of (or in addition to) inline key="value" attributes.
// Text outside sentinel blocks is never interpreted, so paths such as /blog/
// in prose do not produce calls.
package toolcall

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// Parser converts model output into tool calls. It holds no per-call state
// and is safe for concurrent use.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a parser that reports skipped blocks to logger.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger.With("component", "toolcall")}
}

var defaultParser = NewParser(nil)

// Parse extracts tool calls from text with a default parser.
func Parse(text string) []models.ToolCall {
	return defaultParser.Parse(text)
}

// invocation is the span of lines owned by one /tool line.
type invocation struct {
	tool  string
	rest  string
	lines []line // lines following the invocation line
	head  line
}

// Parse returns the tool calls found in text in document order. Malformed
// invocations are skipped; Parse never fails.
func (p *Parser) Parse(text string) []models.ToolCall {
	blocks := extractBlocks(text)
	if len(blocks) == 0 {
		return nil
	}

	var calls []models.ToolCall
	for _, b := range blocks {
		for _, inv := range splitInvocations(b) {
			calls = append(calls, p.buildCall(text, b, inv))
		}
	}
	p.logger.Debug("parsed tool calls", "calls", len(calls), "blocks", len(blocks))
	return calls
}

// splitInvocations groups block lines under the invocation line that owns them.
func splitInvocations(b block) []invocation {
	var (
		out     []invocation
		current = -1
		fence   fenceTracker
	)
	for _, ln := range splitLines(b) {
		trimmed := strings.TrimSpace(ln.text)
		wasOpen := fence.open
		isFence := fence.observe(trimmed)
		if !wasOpen && !isFence {
			if m := invocationPattern.FindStringSubmatch(trimmed); m != nil {
				out = append(out, invocation{tool: m[1], rest: m[2], head: ln})
				current = len(out) - 1
				continue
			}
		}
		if current >= 0 {
			out[current].lines = append(out[current].lines, ln)
		}
	}
	return out
}

func (p *Parser) buildCall(text string, b block, inv invocation) models.ToolCall {
	params := parseInline(inv.tool, inv.rest)

	takesBodyAsContent := inv.tool == "write-file" && params.Has("path") && !params.Has("content")
	if !takesBodyAsContent {
		if raw, ok := jsonFence(inv.lines); ok {
			decoded, err := decodeJSONParams(raw)
			if err != nil {
				p.logger.Warn("malformed json parameters, using inline attributes",
					"tool", inv.tool, "error", err)
			} else {
				for _, key := range decoded.Keys() {
					v, _ := decoded.Get(key)
					params.Set(key, v)
				}
			}
		}
	}

	if inv.tool == "write-file" && !params.Has("content") {
		if content, ok := contentFromContext(text, b, inv); ok {
			params.Set("content", content)
		}
	}

	end := inv.head.offset + len(inv.head.text)
	if n := len(inv.lines); n > 0 {
		last := inv.lines[n-1]
		end = last.offset + len(last.text)
	}
	return models.ToolCall{
		ToolName: inv.tool,
		Params:   params,
		Span:     models.Span{Start: inv.head.offset, End: end},
		Raw:      strings.TrimSpace(text[inv.head.offset:end]),
	}
}

// jsonFence returns the body of the ```json fence following an invocation.
func jsonFence(lines []line) (string, bool) {
	var (
		collected []string
		inJSON    bool
	)
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln.text)
		switch {
		case trimmed == "```json":
			inJSON = true
		case !inJSON && strings.HasPrefix(trimmed, "```json"):
			body := strings.TrimSuffix(strings.TrimPrefix(trimmed, "```json"), "```")
			if body != "" {
				collected = append(collected, body)
			}
			if len(trimmed) >= len("```json```") && strings.HasSuffix(trimmed, "```") {
				return strings.Join(collected, "\n"), len(collected) > 0
			}
			inJSON = true
		case trimmed == "```":
			return strings.Join(collected, "\n"), len(collected) > 0
		case inJSON:
			if strings.HasSuffix(trimmed, "```") {
				collected = append(collected, strings.TrimSuffix(trimmed, "```"))
				return strings.Join(collected, "\n"), true
			}
			collected = append(collected, ln.text)
		}
	}
	return strings.Join(collected, "\n"), len(collected) > 0
}

var codeBlockPattern = regexp.MustCompile("```(?:\\w+)?[ \\t]*\\r?\\n([\\s\\S]*?)\\r?\\n[ \\t]*```")

// contentFromContext finds file content for a write-file call that did not
// supply it: first the lines after the invocation, then the first code block
// after the sentinel block, then the first one before it.
func contentFromContext(text string, b block, inv invocation) (string, bool) {
	if len(inv.lines) > 0 {
		start := inv.lines[0].offset
		last := inv.lines[len(inv.lines)-1]
		body := text[start : last.offset+len(last.text)]
		if m := codeBlockPattern.FindStringSubmatch(body); m != nil {
			return m[1], true
		}
		if trimmed := strings.TrimSpace(body); trimmed != "" {
			return trimmed, true
		}
	}
	if m := codeBlockPattern.FindStringSubmatch(text[b.outerEnd:]); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := codeBlockPattern.FindStringSubmatch(text[:b.outerPos]); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}
