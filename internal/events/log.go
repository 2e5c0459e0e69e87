package events

import "github.com/rs/zerolog"

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Emit(e Event) {
	ev := s.logger.Info()
	switch e.Type {
	case StepFailed, WorkflowFailed, SelectionFailed:
		ev = s.logger.Warn()
	case StepStarted, StepRetry:
		ev = s.logger.Debug()
	}
	ev.Str("event", string(e.Type)).
		Str("correlation_id", e.CorrelationID).
		Str("workflow_id", e.WorkflowID).
		Str("step", e.StepID).
		Str("tool", e.ToolID).
		Str("capability", e.Capability).
		Int("attempt", e.Attempt).
		Fields(e.Fields).
		Msg(e.Message)
}
