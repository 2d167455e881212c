package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Code names a failure class in the engine's error taxonomy.
type Code string

const (
	// Model-layer failures.
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeRateLimit          Code = "RATE_LIMIT"
	CodeTimeout            Code = "TIMEOUT"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeModelError         Code = "MODEL_ERROR"

	// Memory failures. Always degrade, never fatal to a run.
	CodeMemoryConnectionError Code = "MEMORY_CONNECTION_ERROR"
	CodeMemoryError           Code = "MEMORY_ERROR"

	// Tool failures. Absorbed into the conversation, never fatal to a run.
	CodeToolNotFound         Code = "TOOL_NOT_FOUND"
	CodeToolValidationFailed Code = "TOOL_VALIDATION_FAILED"
	CodeToolExecutionError   Code = "TOOL_EXECUTION_ERROR"

	// Terminal run failures.
	CodeExecutionTimeout Code = "EXECUTION_TIMEOUT"
	CodeMaxIterations    Code = "MAX_ITERATIONS"
	CodeMaxDelegations   Code = "MAX_DELEGATIONS"

	// Pause outcomes. Terminal for the paused wait, not necessarily for
	// the surrounding workflow.
	CodeHumanResponseTimeout Code = "HUMAN_RESPONSE_TIMEOUT"
	CodeHumanCancelled       Code = "HUMAN_CANCELLED"
)

// CallSite identifies which collaborator produced a raw failure, so
// unclassified errors land in the right bucket.
type CallSite int

const (
	SiteModel CallSite = iota
	SiteMemory
	SiteTool
)

const defaultRateLimitRetryAfter = 60 * time.Second

// Error is a classified engine failure.
type Error struct {
	// Code is the taxonomy bucket.
	Code Code

	// Message describes the failure, naming the limiting factor.
	Message string

	// Recoverable reports whether retrying the same operation may succeed.
	Recoverable bool

	// RetryAfter is a provider-supplied or policy-derived wait hint.
	// Zero means no hint; use Backoff instead.
	RetryAfter time.Duration

	// Err is the wrapped cause, when one exists.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error with the recoverability implied by
// its code.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: codeRecoverable(code),
	}
}

// WrapError wraps a cause under the given code.
func WrapError(code Code, err error, format string, args ...any) *Error {
	e := NewError(code, format, args...)
	e.Err = err
	return e
}

func codeRecoverable(code Code) bool {
	switch code {
	case CodeRateLimit, CodeTimeout, CodeModelError,
		CodeMemoryConnectionError, CodeMemoryError,
		CodeToolNotFound, CodeToolValidationFailed, CodeToolExecutionError:
		return true
	default:
		return false
	}
}

// Classify maps a raw failure into the taxonomy. Rules apply in order and
// the first match wins: authentication, rate limiting, timeouts, malformed
// requests, then the call site's default bucket. An error that is already
// classified passes through unchanged.
func Classify(err error, site CallSite) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "request deadline exceeded", Recoverable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Code: CodeTimeout, Message: "network timeout", Recoverable: true, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "api key", "unauthorized", "authentication", "invalid x-api-key", "401", "403", "permission denied"):
		return &Error{Code: CodeInvalidCredentials, Message: "authentication failed", Err: err}
	case containsAny(msg, "rate limit", "too many requests", "429", "quota exceeded", "resource exhausted"):
		return &Error{
			Code:        CodeRateLimit,
			Message:     "rate limited",
			Recoverable: true,
			RetryAfter:  defaultRateLimitRetryAfter,
			Err:         err,
		}
	case containsAny(msg, "timeout", "timed out", "deadline exceeded", "connection refused", "connection reset", "no such host"):
		return &Error{Code: CodeTimeout, Message: "request timed out", Recoverable: true, Err: err}
	case containsAny(msg, "invalid request", "malformed", "bad request", "400", "422", "unprocessable"):
		return &Error{Code: CodeInvalidRequest, Message: "invalid request", Err: err}
	}

	switch site {
	case SiteMemory:
		return &Error{Code: CodeMemoryError, Message: "memory operation failed", Recoverable: true, Err: err}
	case SiteTool:
		return &Error{Code: CodeToolExecutionError, Message: "tool execution failed", Recoverable: true, Err: err}
	default:
		return &Error{Code: CodeModelError, Message: "model call failed", Recoverable: true, Err: err}
	}
}

// ClassifyStatus maps an HTTP-like status code into the taxonomy. Providers
// use it to classify API responses before the error leaves their package.
// A retryAfter of zero falls back to the policy default for rate limits.
func ClassifyStatus(status int, detail string, retryAfter time.Duration) *Error {
	switch {
	case status == 401 || status == 403:
		return &Error{Code: CodeInvalidCredentials, Message: authMessage(detail)}
	case status == 429:
		if retryAfter <= 0 {
			retryAfter = defaultRateLimitRetryAfter
		}
		return &Error{Code: CodeRateLimit, Message: limitMessage(detail), Recoverable: true, RetryAfter: retryAfter}
	case status == 408 || status == 504:
		return &Error{Code: CodeTimeout, Message: nonEmpty(detail, "request timed out"), Recoverable: true}
	case status == 400 || status == 404 || status == 422:
		return &Error{Code: CodeInvalidRequest, Message: nonEmpty(detail, fmt.Sprintf("request rejected with status %d", status))}
	case status >= 500:
		return &Error{Code: CodeModelError, Message: nonEmpty(detail, fmt.Sprintf("server error %d", status)), Recoverable: true}
	default:
		return &Error{Code: CodeModelError, Message: nonEmpty(detail, fmt.Sprintf("unexpected status %d", status)), Recoverable: true}
	}
}

// Backoff returns the sleep before retry attempt n (1-based): exponential
// from one second, capped at thirty, overridden by a provider hint.
func Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second << uint(attempt-1)
	if delay > 30*time.Second || delay <= 0 {
		delay = 30 * time.Second
	}
	return delay
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func authMessage(detail string) string {
	return nonEmpty(detail, "authentication failed")
}

func limitMessage(detail string) string {
	return nonEmpty(detail, "rate limited")
}
