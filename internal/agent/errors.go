package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/webpilot/internal/browser"
)

// ErrorCode classifies a failed outcome for the planner and the audit trail.
type ErrorCode string

const (
	CodeLocatorNotFound    ErrorCode = "LOCATOR_NOT_FOUND"
	CodeStaleTarget        ErrorCode = "STALE_TARGET"
	CodeElementDetached    ErrorCode = "ELEMENT_DETACHED"
	CodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"
	CodeInvalidParameters  ErrorCode = "INVALID_PARAMETERS"
	CodeNavigationError    ErrorCode = "NAVIGATION_ERROR"
	CodeUnknownAction      ErrorCode = "UNKNOWN_ACTION"
	CodeExecutionError     ErrorCode = "EXECUTION_ERROR"
)

var (
	// ErrUnknownActionKind is returned for an action kind outside the closed set.
	ErrUnknownActionKind = errors.New("unknown action kind")

	errLocatorNotFound    = errors.New("no candidate resolved to exactly one visible element")
	errStaleTarget        = errors.New("target id is not part of the current snapshot")
	errVerificationFailed = errors.New("value did not stick after retry")
	errInvalidParameters  = errors.New("invalid action parameters")
	errNavigation         = errors.New("navigation failed")
)

// codeFor maps an execution error onto its code.
func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrUnknownActionKind):
		return CodeUnknownAction
	case errors.Is(err, errLocatorNotFound):
		return CodeLocatorNotFound
	case errors.Is(err, errStaleTarget):
		return CodeStaleTarget
	case errors.Is(err, browser.ErrElementDetached):
		return CodeElementDetached
	case errors.Is(err, errVerificationFailed):
		return CodeVerificationFailed
	case errors.Is(err, errInvalidParameters):
		return CodeInvalidParameters
	case errors.Is(err, errNavigation):
		return CodeNavigationError
	default:
		return CodeExecutionError
	}
}

func invalidParams(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInvalidParameters, fmt.Sprintf(format, args...))
}

// isCancellation reports whether err came from the caller giving up.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
