package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a model request failed.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAuth           Reason = "auth"
	ReasonBilling        Reason = "billing"
	ReasonTimeout        Reason = "timeout"
	ReasonServer         Reason = "server_error"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonModelNotFound  Reason = "model_not_found"
	ReasonContentFilter  Reason = "content_filter"
	ReasonUnknown        Reason = "unknown"
)

// Retryable reports whether trying the same request again may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServer:
		return true
	}
	return false
}

// Error is a classified failure of a model provider.
type Error struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	parts := []string{e.Provider}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Reason, msg))
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// newError classifies cause. A non-zero status takes precedence over the
// message text; a known code takes precedence over both.
func newError(provider, model string, status int, code, message string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Status:   status,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Reason = Classify(cause)
	}
	if status != 0 {
		if r := classifyStatus(status); r != ReasonUnknown {
			e.Reason = r
		}
	}
	if r := classifyCode(code); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// IsRetryable reports whether err is worth retrying. Context errors never are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Reason.Retryable()
	}
	return Classify(err).Retryable()
}

// Classify inspects the text of an unstructured error.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(s, "rate limit", "rate_limit", "too many requests", "throttl"):
		return ReasonRateLimit
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "forbidden"):
		return ReasonAuth
	case containsAny(s, "billing", "insufficient_quota", "payment required"):
		return ReasonBilling
	case containsAny(s, "model not found", "model_not_found", "does not exist"):
		return ReasonModelNotFound
	case containsAny(s, "content_filter", "content policy", "safety"):
		return ReasonContentFilter
	case containsAny(s, "internal server", "server error", "overloaded", "bad gateway",
		"service unavailable", "connection reset", "connection refused", "unexpected eof"):
		return ReasonServer
	}
	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusNotFound:
		return ReasonModelNotFound
	case status >= 400 && status < 500:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServer
	}
	return ReasonUnknown
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception":
		return ReasonRateLimit
	case "authentication_error", "permission_error", "invalid_api_key", "accessdeniedexception":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "not_found_error", "model_not_found", "resourcenotfoundexception":
		return ReasonModelNotFound
	case "overloaded_error", "api_error", "server_error", "internalserverexception", "serviceunavailableexception":
		return ReasonServer
	case "invalid_request_error", "validationexception":
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
