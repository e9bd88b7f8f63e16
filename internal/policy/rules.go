// Package policy decides whether a tool call may run automatically, must be
// denied, or needs a human to approve it first.
package policy

import (
	"path"
	"strings"
)

// Verdict is the outcome class of a policy evaluation.
type Verdict string

const (
	Allow           Verdict = "allow"
	Deny            Verdict = "deny"
	RequireApproval Verdict = "require_approval"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == Allow || v == Deny || v == RequireApproval
}

// Rules configures the engine. Tool patterns support exact names, "*",
// prefix*, *suffix and path.Match globs. Patterns are also matched against a
// tool's origin, so "external:*" covers every externally hosted tool and
// "external:github" covers one server.
type Rules struct {
	// Allow lists tools that run without approval.
	Allow []string `yaml:"allow" json:"allow,omitempty"`

	// Deny lists tools that never run. Deny beats every other rule.
	Deny []string `yaml:"deny" json:"deny,omitempty"`

	// RequireApproval lists tools that always need a human decision.
	RequireApproval []string `yaml:"require_approval" json:"require_approval,omitempty"`

	// DenyCommands are regular expressions matched against shell commands.
	DenyCommands []string `yaml:"deny_commands" json:"deny_commands,omitempty"`

	// SafeCommands are command prefixes ("ls", "git status") a shell call may
	// run without approval when the command has no shell control operators.
	SafeCommands []string `yaml:"safe_commands" json:"safe_commands,omitempty"`

	// WorkspaceOnly denies mutating calls whose path leaves the working directory.
	WorkspaceOnly *bool `yaml:"workspace_only" json:"workspace_only,omitempty"`

	DefaultMutating Verdict `yaml:"default_mutating" json:"default_mutating,omitempty"`
	DefaultExec     Verdict `yaml:"default_exec" json:"default_exec,omitempty"`
	DefaultExternal Verdict `yaml:"default_external" json:"default_external,omitempty"`

	// DefaultDecision applies to tools no other rule classifies.
	DefaultDecision Verdict `yaml:"default_decision" json:"default_decision,omitempty"`
}

// DefaultRules returns the rule set used when configuration leaves policy empty.
func DefaultRules() Rules {
	workspaceOnly := true
	return Rules{
		DenyCommands: []string{
			`(^|[;&|]\s*)rm\s+-[a-zA-Z]*r[a-zA-Z]*f?[a-zA-Z]*\s+/(\s|$)`,
			`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			`(^|\s)mkfs(\.\w+)?\s`,
			`dd\s+.*of=/dev/(sd|nvme|disk)`,
		},
		SafeCommands: []string{
			"ls", "pwd", "cat", "head", "tail", "wc", "echo", "grep", "rg",
			"git status", "git diff", "git log", "git show", "go version", "go env",
		},
		WorkspaceOnly:   &workspaceOnly,
		DefaultMutating: RequireApproval,
		DefaultExec:     RequireApproval,
		DefaultExternal: RequireApproval,
		DefaultDecision: RequireApproval,
	}
}

// WithDefaults fills unset fields from DefaultRules. List fields are only
// defaulted when empty.
func (r Rules) WithDefaults() Rules {
	d := DefaultRules()
	if r.DenyCommands == nil {
		r.DenyCommands = d.DenyCommands
	}
	if r.SafeCommands == nil {
		r.SafeCommands = d.SafeCommands
	}
	if r.WorkspaceOnly == nil {
		r.WorkspaceOnly = d.WorkspaceOnly
	}
	if r.DefaultMutating == "" {
		r.DefaultMutating = d.DefaultMutating
	}
	if r.DefaultExec == "" {
		r.DefaultExec = d.DefaultExec
	}
	if r.DefaultExternal == "" {
		r.DefaultExternal = d.DefaultExternal
	}
	if r.DefaultDecision == "" {
		r.DefaultDecision = d.DefaultDecision
	}
	return r
}

func normalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// matchesPattern reports whether any pattern matches one of the names.
func matchesPattern(patterns []string, names ...string) bool {
	for _, raw := range patterns {
		pattern := normalizeTool(raw)
		if pattern == "" {
			continue
		}
		for _, name := range names {
			if name == "" {
				continue
			}
			if matchOne(pattern, normalizeTool(name)) {
				return true
			}
		}
	}
	return false
}

func matchOne(pattern, name string) bool {
	switch {
	case pattern == "*", pattern == name:
		return true
	case len(pattern) > 1 && strings.HasSuffix(pattern, "*") && !strings.ContainsAny(pattern[:len(pattern)-1], "*?["):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	case len(pattern) > 1 && strings.HasPrefix(pattern, "*") && !strings.ContainsAny(pattern[1:], "*?["):
		return strings.HasSuffix(name, pattern[1:])
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
