package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for the agent runtime.
var (
	// ErrMaxIterations is returned when the loop reaches its iteration cap.
	ErrMaxIterations = errors.New("max iterations reached")

	// ErrCancelled is returned when a run is stopped before completion.
	ErrCancelled = errors.New("run cancelled")

	// ErrNoModel is returned when a loop is started without a model client.
	ErrNoModel = errors.New("no model client configured")

	// ErrAlreadyRunning is returned by Start while a run is in progress.
	ErrAlreadyRunning = errors.New("loop already running")

	// ErrRepeatedCalls is returned when the model keeps issuing the same call.
	ErrRepeatedCalls = errors.New("repeated tool calls")

	// ErrToolNotFound is returned when a tool cannot be resolved.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout is returned when a tool exceeds its timeout.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic is returned when a tool handler panics.
	ErrToolPanic = errors.New("tool panicked")

	// ErrApprovalRejected is returned when a human rejects a call.
	ErrApprovalRejected = errors.New("approval rejected")
)

// ErrorKind classifies failures so they can be rendered and counted.
type ErrorKind string

const (
	KindParse            ErrorKind = "parse_error"
	KindToolNotFound     ErrorKind = "tool_not_found"
	KindInvalidInput     ErrorKind = "invalid_input"
	KindToolExecution    ErrorKind = "tool_execution_fault"
	KindTimeout          ErrorKind = "timeout"
	KindPolicyDenied     ErrorKind = "policy_denied"
	KindApprovalRejected ErrorKind = "approval_rejected"
	KindGateway          ErrorKind = "external_gateway_fault"
	KindCompression      ErrorKind = "compression_failure"
	KindCancelled        ErrorKind = "cancelled"
	KindModel            ErrorKind = "model_error"
)

// ToolError describes a failed tool call.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	CallID  string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	var msg string
	if e.Tool != "" {
		msg = fmt.Sprintf("tool %s: ", e.Tool)
	}
	msg += e.Message
	if e.Cause != nil && e.Message != e.Cause.Error() {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError.
func NewToolError(kind ErrorKind, tool, message string, cause error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from an error chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Kind
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrToolNotFound):
		return KindToolNotFound
	case errors.Is(err, ErrToolTimeout):
		return KindTimeout
	case errors.Is(err, ErrApprovalRejected):
		return KindApprovalRejected
	}
	return KindToolExecution
}

// LoopError is a loop-fatal error with the phase it occurred in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
	Message   string
}

func (e *LoopError) Error() string {
	msg := fmt.Sprintf("loop error in %s phase (iteration %d)", e.Phase, e.Iteration)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}
