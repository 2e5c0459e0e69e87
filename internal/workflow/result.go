package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/opentalon/orchestra/internal/intent"
	"github.com/opentalon/orchestra/internal/toolcall"
)

// Attempt is one invocation of one tool.
type Attempt struct {
	ToolID    string
	Number    int
	Kind      toolcall.Kind
	StartedAt time.Time
	Latency   time.Duration
	Error     string
}

type StepReport struct {
	StepID     string
	Capability string
	// ToolID is the tool that produced the output, or the last one tried.
	ToolID       string
	State        StepState
	Critical     bool
	UsedFallback bool
	// Skipped lists Unavailable candidates passed over by the circuit breaker.
	Skipped  []string
	Attempts []Attempt
	Err      error
}

type Result struct {
	CorrelationID string
	WorkflowID    string
	Intent        intent.Type
	State         State
	Outputs       map[string]toolcall.Output
	Steps         []StepReport
	Partial       bool
	Degraded      []string
	Summary       string
}

// PartialFailure returns a *WorkflowPartialFailure when non-critical steps
// failed, nil otherwise.
func (r *Result) PartialFailure() error {
	if !r.Partial {
		return nil
	}
	return &WorkflowPartialFailure{WorkflowID: r.WorkflowID, Degraded: r.Degraded}
}

func summarize(r *Result) string {
	var b strings.Builder
	ok := 0
	for _, s := range r.Steps {
		if s.State == StepSucceeded {
			ok++
		}
	}
	fmt.Fprintf(&b, "%s: %d/%d steps succeeded", r.Intent, ok, len(r.Steps))
	for _, s := range r.Steps {
		switch {
		case s.State == StepSucceeded && s.UsedFallback:
			fmt.Fprintf(&b, "; %s served by fallback %s", s.Capability, s.ToolID)
		case s.State == StepFailed:
			fmt.Fprintf(&b, "; %s unavailable", s.Capability)
		}
	}
	return b.String()
}
