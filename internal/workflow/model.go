// Package workflow turns a classified intent and a tool selection into an
// executable plan and runs it with retries, fallbacks and circuit breaking.
package workflow

import (
	"math"
	"time"

	"github.com/opentalon/orchestra/internal/intent"
)

type Strategy string

const (
	FailFast   Strategy = "fail-fast"
	BestEffort Strategy = "best-effort"
)

func (s Strategy) Valid() bool {
	return s == FailFast || s == BestEffort
}

// RetryPolicy bounds attempts against a single tool.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	// Cap bounds a single delay. Zero means uncapped.
	Cap time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 100 * time.Millisecond, Multiplier: 2, Cap: 2 * time.Second}
}

// Delay is the wait before retry n (1-based): min(Base*Multiplier^(n-1), Cap).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.Base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(n-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Input describes where one input field comes from. Exactly one of Param,
// FromOutput or Value is used, checked in that order.
type Input struct {
	Param string
	// FromOutput is the OutputKey of an upstream step.
	FromOutput string
	Value      any
	Required   bool
}

type Step struct {
	ID         string
	Capability string
	ToolID     string
	Fallbacks  []string
	Inputs     map[string]Input
	OutputKey  string
	Retry      RetryPolicy
	// Timeout per call. Zero defers to the tool's timeout, then the engine default.
	Timeout   time.Duration
	Critical  bool
	DependsOn []string
}

// Candidates returns the primary tool followed by its fallbacks.
func (s Step) Candidates() []string {
	return append([]string{s.ToolID}, s.Fallbacks...)
}

type Workflow struct {
	ID            string
	CorrelationID string
	Intent        intent.Type
	Params        map[string]string
	Steps         []Step
	Strategy      Strategy
}

// Levels groups steps so that every step depends only on steps in earlier
// levels. Declaration order is kept within a level.
func (w *Workflow) Levels() [][]Step {
	level := make(map[string]int, len(w.Steps))
	var levels [][]Step
	for _, s := range w.Steps {
		l := 0
		for _, dep := range s.DependsOn {
			if dl, ok := level[dep]; ok && dl+1 > l {
				l = dl + 1
			}
		}
		level[s.ID] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], s)
	}
	return levels
}

type StepState int

const (
	StepPending StepState = iota
	StepRunning
	StepRetrying
	StepFallingBack
	StepSucceeded
	StepFailed
)

func (s StepState) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepRetrying:
		return "retrying"
	case StepFallingBack:
		return "falling_back"
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type State int

const (
	Pending State = iota
	Running
	Completed
	PartiallyCompleted
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case PartiallyCompleted:
		return "partially_completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
