// Package models provides the shared data model for the codeagent runtime:
// conversation messages, tool calls and results, tasks and timeline items.
package models

import "time"

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one entry of a conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Tokens is the estimated token count of Content, zero when not yet estimated.
	Tokens int `json:"tokens,omitempty"`
	// ToolName is set on RoleTool messages.
	ToolName  string    `json:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TokenInfo carries token accounting for a model turn.
type TokenInfo struct {
	Total  int `json:"total"`
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add returns the element-wise sum of t and other.
func (t TokenInfo) Add(other TokenInfo) TokenInfo {
	return TokenInfo{
		Total:  t.Total + other.Total,
		Input:  t.Input + other.Input,
		Output: t.Output + other.Output,
	}
}

// Normalize fills Total from Input and Output when the provider left it empty.
func (t TokenInfo) Normalize() TokenInfo {
	if t.Total == 0 {
		t.Total = t.Input + t.Output
	}
	return t
}
