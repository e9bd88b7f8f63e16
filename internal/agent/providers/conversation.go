package providers

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// turn is one message of a strictly alternating user/assistant exchange.
type turn struct {
	assistant bool
	text      string
}

// conversation flattens a history for APIs that only know user and assistant
// messages. Tool results become user messages labelled with the tool name,
// consecutive messages of the same side are merged and system messages are
// dropped; callers pass the system prompt out of band.
func conversation(messages []models.Message) []turn {
	var out []turn
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		content := msg.Content
		if strings.TrimSpace(content) == "" {
			content = "(empty)"
		}
		var t turn
		switch msg.Role {
		case models.RoleAssistant:
			t = turn{assistant: true, text: content}
		case models.RoleTool:
			name := msg.ToolName
			if name == "" {
				name = "tool"
			}
			t = turn{text: fmt.Sprintf("[%s result]\n%s", name, content)}
		default:
			t = turn{text: content}
		}
		if n := len(out); n > 0 && out[n-1].assistant == t.assistant {
			out[n-1].text += "\n\n" + t.text
			continue
		}
		out = append(out, t)
	}
	if len(out) > 0 && out[0].assistant {
		out = append([]turn{{text: "(conversation continues)"}}, out...)
	}
	return out
}
