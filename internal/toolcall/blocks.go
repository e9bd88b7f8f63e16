package toolcall

import "strings"

const (
	// OpenTag starts a block of tool invocations in model output.
	OpenTag = "<devin>"
	// CloseTag ends a block opened by OpenTag.
	CloseTag = "</devin>"
)

// block is the body of one sentinel-delimited region. start and end are byte
// offsets of the body within the source text; outerEnd points past CloseTag.
type block struct {
	body     string
	start    int
	end      int
	outerEnd int
	outerPos int
}

// extractBlocks returns sentinel blocks in document order. An unterminated
// final block runs to the end of text.
func extractBlocks(text string) []block {
	var blocks []block
	pos := 0
	for pos < len(text) {
		open := strings.Index(text[pos:], OpenTag)
		if open < 0 {
			break
		}
		outerPos := pos + open
		start := outerPos + len(OpenTag)
		closeIdx := strings.Index(text[start:], CloseTag)
		if closeIdx < 0 {
			blocks = append(blocks, block{
				body:     text[start:],
				start:    start,
				end:      len(text),
				outerEnd: len(text),
				outerPos: outerPos,
			})
			break
		}
		end := start + closeIdx
		blocks = append(blocks, block{
			body:     text[start:end],
			start:    start,
			end:      end,
			outerEnd: end + len(CloseTag),
			outerPos: outerPos,
		})
		pos = end + len(CloseTag)
	}
	return blocks
}

// line is one line of a block body with its absolute offset in the source.
type line struct {
	text   string
	offset int
}

func splitLines(b block) []line {
	var lines []line
	offset := b.start
	rest := b.body
	for {
		idx := strings.IndexByte(rest, '\n')
		if idx < 0 {
			lines = append(lines, line{text: strings.TrimSuffix(rest, "\r"), offset: offset})
			return lines
		}
		lines = append(lines, line{text: strings.TrimSuffix(rest[:idx], "\r"), offset: offset})
		offset += idx + 1
		rest = rest[idx+1:]
	}
}

// fenceTracker follows ``` fences so invocation-looking lines inside code
// blocks are not mistaken for new invocations.
type fenceTracker struct {
	open bool
}

// observe updates the fence state for a trimmed line and reports whether the
// line itself is a fence marker.
func (f *fenceTracker) observe(trimmed string) bool {
	if f.open {
		if strings.HasSuffix(trimmed, "```") {
			f.open = false
			return true
		}
		return false
	}
	if !strings.HasPrefix(trimmed, "```") {
		return false
	}
	inner := trimmed[3:]
	if len(inner) >= 3 && strings.HasSuffix(inner, "```") && strings.ContainsAny(inner[:len(inner)-3], "{[") {
		// single-line fence such as ```json{"a":1}```
		return true
	}
	f.open = true
	return true
}
