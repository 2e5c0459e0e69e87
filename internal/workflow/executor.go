package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/orchestra/internal/events"
	"github.com/opentalon/orchestra/internal/monitor"
	"github.com/opentalon/orchestra/internal/registry"
	"github.com/opentalon/orchestra/internal/toolcall"
)

const DefaultTimeout = 5 * time.Second

// ToolCatalog resolves tool timeouts and validates inputs.
type ToolCatalog interface {
	Get(id string) (registry.ToolMetadata, error)
	ValidateInput(id string, input map[string]any) error
}

// HealthTracker receives one outcome per invocation attempt and answers
// circuit-breaker queries.
type HealthTracker interface {
	Health(id string) (monitor.ToolHealth, bool)
	RecordOutcome(o monitor.Outcome)
}

type ExecutorOption func(*Executor)

func WithSink(s events.Sink) ExecutorOption {
	return func(x *Executor) { x.sink = s }
}

func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l.With().Str("component", "workflow").Logger() }
}

func WithTracer(t trace.Tracer) ExecutorOption {
	return func(x *Executor) { x.tracer = t }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(x *Executor) { x.now = now }
}

// WithDefaultTimeout sets the call timeout used when neither the step nor
// the tool declares one.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) {
		if d > 0 {
			x.defaultTimeout = d
		}
	}
}

// Executor runs workflows. It is safe for concurrent use; all per-request
// state lives in the run.
type Executor struct {
	invoker        toolcall.Invoker
	catalog        ToolCatalog
	health         HealthTracker
	sink           events.Sink
	logger         zerolog.Logger
	tracer         trace.Tracer
	now            func() time.Time
	defaultTimeout time.Duration
}

func NewExecutor(invoker toolcall.Invoker, catalog ToolCatalog, health HealthTracker, opts ...ExecutorOption) *Executor {
	x := &Executor{
		invoker:        invoker,
		catalog:        catalog,
		health:         health,
		sink:           events.Nop,
		logger:         zerolog.Nop(),
		tracer:         otel.Tracer("github.com/opentalon/orchestra/internal/workflow"),
		now:            time.Now,
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

type run struct {
	wf      *Workflow
	reports map[string]*StepReport

	mu      sync.Mutex
	outputs map[string]toolcall.Output
}

func (r *run) output(key string) (toolcall.Output, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[key]
	return out, ok
}

func (r *run) setOutput(key string, out toolcall.Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[key] = out
}

// stepErr ties a terminal step error to its step for fail-fast reporting.
type stepErr struct {
	stepID string
	err    error
}

func (e *stepErr) Error() string { return e.err.Error() }
func (e *stepErr) Unwrap() error { return e.err }

// Execute runs wf level by level. Steps within a level run concurrently.
//
// With FailFast the first terminal step failure cancels the remaining steps
// and Execute returns a *WorkflowFailure without a result. With BestEffort a
// failed non-critical step degrades the result; a failed critical step, or
// no successful step at all, fails the workflow.
func (x *Executor) Execute(ctx context.Context, wf *Workflow) (*Result, error) {
	ctx, span := x.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.intent", string(wf.Intent)),
		attribute.String("workflow.strategy", string(wf.Strategy)),
	))
	defer span.End()

	r := &run{
		wf:      wf,
		reports: make(map[string]*StepReport, len(wf.Steps)),
		outputs: make(map[string]toolcall.Output),
	}
	for _, s := range wf.Steps {
		r.reports[s.ID] = &StepReport{
			StepID:     s.ID,
			Capability: s.Capability,
			ToolID:     s.ToolID,
			State:      StepPending,
			Critical:   s.Critical,
		}
	}

	for _, level := range wf.Levels() {
		if err := x.runLevel(ctx, r, level); err != nil {
			return nil, x.fail(r, span, err)
		}
	}
	return x.finish(r, span)
}

func (x *Executor) runLevel(ctx context.Context, r *run, level []Step) error {
	if r.wf.Strategy == FailFast {
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range level {
			g.Go(func() error { return x.runStep(gctx, r, s) })
		}
		err := g.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	var g errgroup.Group
	for _, s := range level {
		g.Go(func() error {
			_ = x.runStep(ctx, r, s)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (x *Executor) fail(r *run, span trace.Span, err error) error {
	wfErr := &WorkflowFailure{WorkflowID: r.wf.ID, Steps: r.snapshot(), Err: err}
	var se *stepErr
	if errors.As(err, &se) {
		wfErr.StepID = se.stepID
		wfErr.Err = se.err
	}
	span.RecordError(wfErr)
	span.SetStatus(codes.Error, wfErr.Error())
	x.emit(r, events.Event{Type: events.WorkflowFailed, StepID: wfErr.StepID, Message: wfErr.Error()})
	x.logger.Warn().Str("workflow", r.wf.ID).Err(wfErr.Err).Msg("workflow failed")
	return wfErr
}

func (r *run) snapshot() []StepReport {
	out := make([]StepReport, 0, len(r.wf.Steps))
	for _, s := range r.wf.Steps {
		out = append(out, *r.reports[s.ID])
	}
	return out
}

func (x *Executor) finish(r *run, span trace.Span) (*Result, error) {
	res := &Result{
		CorrelationID: r.wf.CorrelationID,
		WorkflowID:    r.wf.ID,
		Intent:        r.wf.Intent,
		Outputs:       make(map[string]toolcall.Output),
		Steps:         r.snapshot(),
	}

	succeeded := 0
	var critical *StepReport
	var lastFailed *StepReport
	for i := range res.Steps {
		rep := &res.Steps[i]
		if rep.State == StepSucceeded {
			succeeded++
			continue
		}
		lastFailed = rep
		if rep.Critical && critical == nil {
			critical = rep
		}
		if !rep.Critical {
			res.Degraded = append(res.Degraded, rep.StepID)
		}
	}

	if critical == nil && succeeded == 0 {
		critical = lastFailed
	}
	if critical != nil {
		return nil, x.fail(r, span, &stepErr{stepID: critical.StepID, err: critical.Err})
	}

	for _, s := range r.wf.Steps {
		if out, ok := r.output(s.OutputKey); ok {
			res.Outputs[s.OutputKey] = out
		}
	}
	res.Partial = len(res.Degraded) > 0
	res.State = Completed
	typ := events.WorkflowCompleted
	if res.Partial {
		res.State = PartiallyCompleted
		typ = events.WorkflowDegraded
	}
	res.Summary = summarize(res)
	x.emit(r, events.Event{Type: typ, Message: res.Summary})
	return res, nil
}

func (x *Executor) runStep(ctx context.Context, r *run, s Step) error {
	ctx, span := x.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", s.ID),
		attribute.String("step.capability", s.Capability),
	))
	defer span.End()

	rep := r.reports[s.ID]
	rep.State = StepRunning
	x.emit(r, events.Event{Type: events.StepStarted, StepID: s.ID, Capability: s.Capability, ToolID: s.ToolID})

	input, missing := r.resolve(s)
	if len(missing) > 0 {
		return x.stepFailed(r, s, rep, span, &FailedPreconditionError{StepID: s.ID, Missing: missing})
	}

	candidates := s.Candidates()
	var lastErr error
	for i, tool := range candidates {
		remaining := i < len(candidates)-1
		if remaining && x.unavailable(tool) {
			rep.Skipped = append(rep.Skipped, tool)
			x.emit(r, events.Event{Type: events.FallbackTriggered, StepID: s.ID, Capability: s.Capability,
				ToolID: tool, Message: "circuit open, skipping unavailable tool"})
			continue
		}
		if i > 0 {
			rep.UsedFallback = true
		}
		rep.ToolID = tool

		if err := x.catalog.ValidateInput(tool, input); err != nil {
			lastErr = &StepPermanentError{StepID: s.ID, ToolID: tool, Kind: toolcall.KindValidation, Err: err}
			x.fallback(r, s, rep, tool, lastErr, remaining)
			continue
		}

		out, err := x.callWithRetry(ctx, r, s, tool, input, rep)
		if err == nil {
			r.setOutput(s.OutputKey, out)
			rep.State = StepSucceeded
			rep.Err = nil
			x.emit(r, events.Event{Type: events.StepSucceeded, StepID: s.ID, Capability: s.Capability,
				ToolID: tool, Attempt: len(rep.Attempts)})
			return nil
		}
		if ctx.Err() != nil {
			return x.stepFailed(r, s, rep, span, ctx.Err())
		}
		lastErr = err
		x.fallback(r, s, rep, tool, err, remaining)
	}
	return x.stepFailed(r, s, rep, span, lastErr)
}

func (x *Executor) fallback(r *run, s Step, rep *StepReport, tool string, err error, remaining bool) {
	if !remaining {
		return
	}
	rep.State = StepFallingBack
	x.emit(r, events.Event{Type: events.FallbackTriggered, StepID: s.ID, Capability: s.Capability,
		ToolID: tool, Message: err.Error()})
}

func (x *Executor) stepFailed(r *run, s Step, rep *StepReport, span trace.Span, err error) error {
	rep.State = StepFailed
	rep.Err = err
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	x.emit(r, events.Event{Type: events.StepFailed, StepID: s.ID, Capability: s.Capability,
		ToolID: rep.ToolID, Message: err.Error()})
	return &stepErr{stepID: s.ID, err: err}
}

func (x *Executor) unavailable(tool string) bool {
	h, ok := x.health.Health(tool)
	return ok && h.Status == monitor.Unavailable
}

func (x *Executor) callWithRetry(ctx context.Context, r *run, s Step, tool string, input map[string]any, rep *StepReport) (toolcall.Output, error) {
	maxAttempts := max(s.Retry.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		started := x.now()
		out, kind, latency, err := x.invoke(ctx, s, tool, input)
		x.health.RecordOutcome(monitor.Outcome{
			ToolID:  tool,
			Success: err == nil,
			Latency: latency,
			Kind:    kind,
			At:      x.now(),
		})
		a := Attempt{ToolID: tool, Number: attempt, Kind: kind, Latency: latency, StartedAt: started}
		if err != nil {
			a.Error = err.Error()
		}
		rep.Attempts = append(rep.Attempts, a)
		if err == nil {
			return out, nil
		}

		wrapped := stepError(s.ID, tool, kind, err)
		if !kind.Retryable() || attempt >= maxAttempts {
			return nil, wrapped
		}
		delay := s.Retry.Delay(attempt)
		rep.State = StepRetrying
		x.emit(r, events.Event{Type: events.StepRetry, StepID: s.ID, Capability: s.Capability, ToolID: tool,
			Attempt: attempt, Message: err.Error(), Fields: map[string]any{"delay": delay.String(), "kind": string(kind)}})
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		rep.State = StepRunning
	}
}

// invoke performs one bounded call. The invoker runs in its own goroutine so
// a tool that ignores its context cannot hold the step past the deadline.
func (x *Executor) invoke(ctx context.Context, s Step, tool string, input map[string]any) (toolcall.Output, toolcall.Kind, time.Duration, error) {
	timeout := x.timeout(s, tool)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		out toolcall.Output
		err error
	}
	done := make(chan reply, 1)
	start := x.now()
	go func() {
		out, err := x.invoker.Invoke(callCtx, tool, toolcall.Input(input), timeout)
		done <- reply{out: out, err: err}
	}()

	var rep reply
	select {
	case rep = <-done:
	case <-callCtx.Done():
		rep.err = callCtx.Err()
	}
	latency := x.now().Sub(start)
	if rep.err == nil {
		return rep.out, toolcall.KindNone, latency, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, toolcall.KindCanceled, latency, rep.err
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, toolcall.KindTimeout, latency, rep.err
	default:
		return nil, toolcall.Classify(rep.err), latency, rep.err
	}
}

func (x *Executor) timeout(s Step, tool string) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if meta, err := x.catalog.Get(tool); err == nil && meta.Timeout > 0 {
		return meta.Timeout
	}
	return x.defaultTimeout
}

func (x *Executor) emit(r *run, e events.Event) {
	e.CorrelationID = r.wf.CorrelationID
	e.WorkflowID = r.wf.ID
	x.sink.Emit(e.Stamp(x.now()))
}

// resolve assembles a step's input and lists required fields that could
// not be filled.
func (r *run) resolve(s Step) (map[string]any, []string) {
	input := make(map[string]any, len(s.Inputs))
	var missing []string
	for name, in := range s.Inputs {
		switch {
		case in.Param != "":
			if v := r.wf.Params[in.Param]; v != "" {
				input[name] = v
				continue
			}
		case in.FromOutput != "":
			if out, ok := r.output(in.FromOutput); ok {
				input[name] = map[string]any(out)
				continue
			}
		case in.Value != nil:
			input[name] = in.Value
			continue
		}
		if in.Required {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return input, missing
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
