package agent

import (
	"fmt"
	"unicode/utf8"
)

// TruncateOutput shortens output to at most maxChars runes by keeping its
// head and tail and noting how much was removed from the middle. A
// non-positive maxChars disables truncation.
func TruncateOutput(output string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(output) <= maxChars {
		return output
	}
	runes := []rune(output)
	head := maxChars / 2
	tail := maxChars - head
	removed := len(runes) - maxChars
	return string(runes[:head]) +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"If you need specific parts, re-run the tool with more targeted parameters.]\n\n", removed) +
		string(runes[len(runes)-tail:])
}
