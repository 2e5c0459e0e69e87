package workflow

import (
	"fmt"
	"strings"

	"github.com/opentalon/orchestra/internal/toolcall"
)

// StepTimeoutError means a call exceeded its deadline. Retryable.
type StepTimeoutError struct {
	StepID string
	ToolID string
	Err    error
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s: tool %s timed out", e.StepID, e.ToolID)
}

func (e *StepTimeoutError) Unwrap() error { return e.Err }

// StepTransientError is a retryable tool failure.
type StepTransientError struct {
	StepID string
	ToolID string
	Err    error
}

func (e *StepTransientError) Error() string {
	return fmt.Sprintf("step %s: tool %s transient failure: %v", e.StepID, e.ToolID, e.Err)
}

func (e *StepTransientError) Unwrap() error { return e.Err }

// StepPermanentError is a failure that retrying the same tool cannot fix.
type StepPermanentError struct {
	StepID string
	ToolID string
	Kind   toolcall.Kind
	Err    error
}

func (e *StepPermanentError) Error() string {
	return fmt.Sprintf("step %s: tool %s %s failure: %v", e.StepID, e.ToolID, e.Kind, e.Err)
}

func (e *StepPermanentError) Unwrap() error { return e.Err }

// FailedPreconditionError means a step could not run because a required
// input was missing. No tool was called.
type FailedPreconditionError struct {
	StepID  string
	Missing []string
}

func (e *FailedPreconditionError) Error() string {
	return fmt.Sprintf("step %s: missing required input %s", e.StepID, strings.Join(e.Missing, ", "))
}

// WorkflowPartialFailure reports non-critical steps that failed while the
// workflow still produced a result.
type WorkflowPartialFailure struct {
	WorkflowID string
	Degraded   []string
}

func (e *WorkflowPartialFailure) Error() string {
	return fmt.Sprintf("workflow %s partially completed, degraded steps: %s", e.WorkflowID, strings.Join(e.Degraded, ", "))
}

// WorkflowFailure is a terminal workflow failure. Err is the step error that
// caused it, or the context error when the workflow was canceled.
type WorkflowFailure struct {
	WorkflowID string
	StepID     string
	Steps      []StepReport
	Err        error
}

func (e *WorkflowFailure) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("workflow %s failed: %v", e.WorkflowID, e.Err)
	}
	return fmt.Sprintf("workflow %s failed at step %s: %v", e.WorkflowID, e.StepID, e.Err)
}

func (e *WorkflowFailure) Unwrap() error { return e.Err }

// stepError wraps a tool error in the step error type for its kind.
func stepError(stepID, toolID string, kind toolcall.Kind, err error) error {
	switch kind {
	case toolcall.KindTimeout:
		return &StepTimeoutError{StepID: stepID, ToolID: toolID, Err: err}
	case toolcall.KindTransient:
		return &StepTransientError{StepID: stepID, ToolID: toolID, Err: err}
	default:
		return &StepPermanentError{StepID: stepID, ToolID: toolID, Kind: kind, Err: err}
	}
}
