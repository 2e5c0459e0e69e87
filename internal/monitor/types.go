package monitor

import (
	"time"

	"github.com/opentalon/orchestra/internal/toolcall"
)

type Status int

const (
	Healthy Status = iota
	Degraded
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Factor maps a status to its ranking contribution.
func (s Status) Factor() float64 {
	switch s {
	case Healthy:
		return 1.0
	case Degraded:
		return 0.5
	default:
		return 0.0
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "healthy":
		return Healthy, true
	case "degraded":
		return Degraded, true
	case "unavailable":
		return Unavailable, true
	}
	return Healthy, false
}

// Outcome is the result of one tool invocation attempt.
type Outcome struct {
	ToolID  string
	Success bool
	Latency time.Duration
	Kind    toolcall.Kind
	At      time.Time
}

// ToolHealth is a read-only view of a tool's health.
type ToolHealth struct {
	ToolID               string
	Status               Status
	LastCheckedAt        time.Time
	SuccessRate          float64
	AverageLatency       time.Duration
	Samples              int
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// Policy holds the window and hysteresis settings.
type Policy struct {
	// WindowSize is the number of most recent outcomes kept per tool.
	WindowSize int
	// UnavailableAfter consecutive failures mark a tool Unavailable.
	UnavailableAfter int
	// RecoverAfter consecutive successes bring a tool back to Healthy, or
	// only to Degraded while the window rate is below DegradedBelow.
	RecoverAfter int
	// DegradedBelow is the window success rate under which a Healthy tool
	// becomes Degraded, once MinSamples outcomes exist.
	DegradedBelow float64
	MinSamples    int
}

func DefaultPolicy() Policy {
	return Policy{
		WindowSize:       100,
		UnavailableAfter: 3,
		RecoverAfter:     3,
		DegradedBelow:    0.8,
		MinSamples:       5,
	}
}

// Weights are the ranking coefficients. They sum to 1.
type Weights struct {
	Performance float64
	Health      float64
	Capability  float64
}

func DefaultWeights() Weights {
	return Weights{Performance: 0.4, Health: 0.3, Capability: 0.3}
}

// Criteria parameterises Rank.
type Criteria struct {
	Weights Weights
	// Capabilities the caller wants served; used for the capability match
	// fraction. Empty counts as a full match.
	Capabilities []string
}

// Ranked is one ranked candidate.
type Ranked struct {
	ToolID         string
	Score          float64
	Status         Status
	SuccessRate    float64
	AverageLatency time.Duration
	// DegradedSelection is set when the tool is Unavailable and was returned
	// only because nothing better exists.
	DegradedSelection bool
}

// ToolReport is one row of a PerformanceReport.
type ToolReport struct {
	ToolID         string        `json:"tool_id"`
	Status         string        `json:"status"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	Samples        int           `json:"samples"`
	Invocations    uint64        `json:"invocations"`
	Failures       uint64        `json:"failures"`
	Canceled       uint64        `json:"canceled"`
	LastCheckedAt  time.Time     `json:"last_checked_at"`
}

// PerformanceReport is a point-in-time snapshot of every tracked tool.
type PerformanceReport struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Tools       []ToolReport `json:"tools"`
}
