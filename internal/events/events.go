// Package events carries orchestration decisions to monitoring sinks.
// Emission is fire-and-forget: sinks never return errors to the caller and
// must not block request processing for long.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	IntentClassified  Type = "intent_classified"
	ToolSelected      Type = "tool_selected"
	SelectionFailed   Type = "selection_failed"
	StepStarted       Type = "step_started"
	StepRetry         Type = "step_retry"
	FallbackTriggered Type = "fallback_triggered"
	StepSucceeded     Type = "step_succeeded"
	StepFailed        Type = "step_failed"
	WorkflowCompleted Type = "workflow_completed"
	WorkflowDegraded  Type = "workflow_degraded"
	WorkflowFailed    Type = "workflow_failed"
	HealthChanged     Type = "health_changed"
	ConfigReloaded    Type = "config_reloaded"
)

type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Time          time.Time      `json:"time"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	StepID        string         `json:"step_id,omitempty"`
	ToolID        string         `json:"tool_id,omitempty"`
	Capability    string         `json:"capability,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
	Message       string         `json:"message,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Stamp fills in ID and Time when unset.
func (e Event) Stamp(now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = now
	}
	return e
}

type Sink interface {
	Emit(e Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

type multi []Sink

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
