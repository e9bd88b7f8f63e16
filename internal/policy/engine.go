package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// Decision is the result of evaluating one tool call.
type Decision struct {
	Verdict Verdict
	Reason  string
}

func (d Decision) String() string {
	if d.Reason == "" {
		return string(d.Verdict)
	}
	return string(d.Verdict) + ": " + d.Reason
}

// Context carries what the engine may look at besides the call itself.
type Context struct {
	// WorkDir is the workspace root mutating paths are checked against.
	WorkDir string
	// Origin is "builtin" or "external:<server-id>".
	Origin string
	// ApprovalAvailable is false when no human can answer an approval
	// request. require_approval then degrades to deny.
	ApprovalAvailable bool
}

// Class groups tools by the risk of running them.
type Class int

const (
	ClassUnknown Class = iota
	ClassReadOnly
	ClassMutating
	ClassExec
	ClassExternal
)

var builtinClasses = map[string]Class{
	"read-file":     ClassReadOnly,
	"list-dir":      ClassReadOnly,
	"glob":          ClassReadOnly,
	"grep":          ClassReadOnly,
	"task-boundary": ClassReadOnly,
	"write-file":    ClassMutating,
	"edit-file":     ClassMutating,
	"shell":         ClassExec,
}

// Classify returns the risk class of a tool.
func Classify(tool, origin string) Class {
	if strings.HasPrefix(origin, "external:") {
		return ClassExternal
	}
	if class, ok := builtinClasses[normalizeTool(tool)]; ok {
		return class
	}
	return ClassUnknown
}

// Engine evaluates tool calls against immutable rules. Evaluate keeps no
// state between calls and is safe for concurrent use.
type Engine struct {
	rules        Rules
	denyCommands []*regexp.Regexp
}

// NewEngine compiles rules. Unset fields take DefaultRules values.
func NewEngine(rules Rules) (*Engine, error) {
	rules = rules.WithDefaults()
	for name, v := range map[string]Verdict{
		"default_mutating": rules.DefaultMutating,
		"default_exec":     rules.DefaultExec,
		"default_external": rules.DefaultExternal,
		"default_decision": rules.DefaultDecision,
	} {
		if !v.Valid() {
			return nil, fmt.Errorf("policy: invalid %s %q", name, v)
		}
	}
	e := &Engine{rules: rules}
	for _, expr := range rules.DenyCommands {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("policy: deny_commands %q: %w", expr, err)
		}
		e.denyCommands = append(e.denyCommands, re)
	}
	return e, nil
}

// Rules returns the effective rules.
func (e *Engine) Rules() Rules { return e.rules }

// Evaluate classifies a call. Order: tool deny list, dangerous commands,
// workspace guard, approval list, allow list, safe commands, class defaults.
func (e *Engine) Evaluate(call models.ToolCall, ctx Context) Decision {
	tool := call.ToolName
	origin := ctx.Origin
	if origin == "" {
		origin = "builtin"
	}
	class := Classify(tool, origin)

	if matchesPattern(e.rules.Deny, tool, origin) {
		return Decision{Verdict: Deny, Reason: "tool in deny list"}
	}

	command := ""
	if class == ClassExec {
		command = strings.TrimSpace(call.Params.String("command"))
		for _, re := range e.denyCommands {
			if re.MatchString(command) {
				return Decision{Verdict: Deny, Reason: "command matches deny pattern " + re.String()}
			}
		}
	}

	if class == ClassMutating && e.rules.WorkspaceOnly != nil && *e.rules.WorkspaceOnly && ctx.WorkDir != "" {
		if p := call.Params.String("path"); p != "" && !withinWorkspace(ctx.WorkDir, p) {
			return Decision{Verdict: Deny, Reason: "path escapes workspace: " + p}
		}
	}

	if matchesPattern(e.rules.RequireApproval, tool, origin) {
		return e.approval(ctx, "tool requires approval")
	}

	if matchesPattern(e.rules.Allow, tool, origin) {
		return Decision{Verdict: Allow, Reason: "tool in allow list"}
	}

	switch class {
	case ClassReadOnly:
		return Decision{Verdict: Allow, Reason: "read-only tool"}
	case ClassExec:
		if e.safeCommand(command) {
			return Decision{Verdict: Allow, Reason: "safe command"}
		}
		return e.fallback(e.rules.DefaultExec, ctx, "shell command")
	case ClassMutating:
		return e.fallback(e.rules.DefaultMutating, ctx, "modifies files")
	case ClassExternal:
		return e.fallback(e.rules.DefaultExternal, ctx, "external tool from "+strings.TrimPrefix(origin, "external:"))
	default:
		return e.fallback(e.rules.DefaultDecision, ctx, "default policy")
	}
}

func (e *Engine) fallback(v Verdict, ctx Context, reason string) Decision {
	if v == RequireApproval {
		return e.approval(ctx, reason)
	}
	return Decision{Verdict: v, Reason: reason}
}

func (e *Engine) approval(ctx Context, reason string) Decision {
	if !ctx.ApprovalAvailable {
		return Decision{Verdict: Deny, Reason: "approval unavailable: " + reason}
	}
	return Decision{Verdict: RequireApproval, Reason: reason}
}

// shellOperators are sequences that chain, redirect or substitute commands.
var shellOperators = []string{";", "&", "|", "`", "$(", ">", "<", "\n"}

func (e *Engine) safeCommand(command string) bool {
	if command == "" {
		return false
	}
	for _, op := range shellOperators {
		if strings.Contains(command, op) {
			return false
		}
	}
	fields := strings.Join(strings.Fields(command), " ")
	for _, safe := range e.rules.SafeCommands {
		safe = strings.Join(strings.Fields(safe), " ")
		if safe == "" {
			continue
		}
		if fields == safe || strings.HasPrefix(fields, safe+" ") {
			return true
		}
	}
	return false
}

func withinWorkspace(root, p string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	rel, err := filepath.Rel(rootAbs, filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
