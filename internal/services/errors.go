package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")

	// Rule sandbox failures.
	ErrCompile        = errors.New("rule compile error")
	ErrSandboxTimeout = errors.New("sandbox timeout")
	ErrHookRuntime    = errors.New("rule hook error")

	// Pipeline failures.
	ErrFeedFetch              = errors.New("feed fetch error")
	ErrDuplicateTask          = errors.New("duplicate download task")
	ErrAdapterUnavailable     = errors.New("download service unavailable")
	ErrBackendNotification    = errors.New("backend notification error")
	ErrInvalidStateTransition = errors.New("invalid status transition")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRuleFailure reports whether err came from evaluating untrusted rule code.
// Such failures are recorded as rule error rows and never abort a fetch job.
func IsRuleFailure(err error) bool {
	return errors.Is(err, ErrCompile) || errors.Is(err, ErrSandboxTimeout) || errors.Is(err, ErrHookRuntime)
}

// Retryable reports whether a failed fetch job should be redelivered.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrFeedFetch), IsRuleFailure(err):
		return false
	default:
		return true
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
