// Package engine coordinates intent analysis, tool selection and workflow
// execution for each request.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opentalon/orchestra/internal/config"
	"github.com/opentalon/orchestra/internal/events"
	"github.com/opentalon/orchestra/internal/intent"
	"github.com/opentalon/orchestra/internal/monitor"
	"github.com/opentalon/orchestra/internal/registry"
	"github.com/opentalon/orchestra/internal/selector"
	"github.com/opentalon/orchestra/internal/toolcall"
	"github.com/opentalon/orchestra/internal/workflow"
)

type Option func(*Engine)

func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithAnalyzer(a *intent.Analyzer) Option {
	return func(e *Engine) { e.analyzer = a }
}

// snapshot is everything derived from one validated configuration.
// Requests load it once and keep it for their whole lifetime.
type snapshot struct {
	cfg      config.Config
	selector *selector.Selector
	builder  *workflow.Builder
	executor *workflow.Executor
	sem      chan struct{}
}

type Engine struct {
	registry *registry.Registry
	monitor  *monitor.Monitor
	analyzer *intent.Analyzer
	invoker  toolcall.Invoker
	sink     events.Sink
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	state  atomic.Pointer[snapshot]
	base   context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New validates cfg, registers its tools and returns a ready engine.
func New(cfg config.Config, invoker toolcall.Invoker, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		invoker: invoker,
		sink:    events.Nop,
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer("github.com/opentalon/orchestra/internal/engine"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.analyzer == nil {
		e.analyzer = intent.NewAnalyzer()
	}
	e.base, e.cancel = context.WithCancel(context.Background())

	e.monitor = monitor.New(
		monitor.WithPolicy(cfg.Policy()),
		monitor.WithClock(e.now),
		monitor.WithLogger(e.logger),
		monitor.WithStatusHook(e.healthChanged),
	)
	e.registry = registry.New(e.monitor)
	e.state.Store(e.newSnapshot(cfg))

	for _, t := range cfg.Tools {
		if err := e.registry.Register(t.Metadata()); err != nil {
			e.cancel()
			return nil, fmt.Errorf("register configured tool: %w", err)
		}
	}
	e.logger.Info().Str("component", "engine").Int("tools", len(cfg.Tools)).Msg("engine ready")
	return e, nil
}

func (e *Engine) newSnapshot(cfg config.Config) *snapshot {
	st := &snapshot{
		cfg:      cfg,
		selector: selector.New(e.registry, e.monitor, cfg.SelectorOptions(), e.logger),
		builder:  cfg.Builder(),
		executor: workflow.NewExecutor(e.invoker, e.registry, e.monitor,
			workflow.WithSink(e.sink),
			workflow.WithLogger(e.logger),
			workflow.WithTracer(e.tracer),
			workflow.WithClock(e.now),
			workflow.WithDefaultTimeout(cfg.Workflow.StepTimeout.Std()),
		),
	}
	if n := cfg.Workflow.MaxConcurrentRequests; n > 0 {
		st.sem = make(chan struct{}, n)
	}
	return st
}

func (e *Engine) healthChanged(toolID string, from, to monitor.Status) {
	e.emit(events.Event{
		Type:    events.HealthChanged,
		ToolID:  toolID,
		Message: from.String() + " -> " + to.String(),
		Fields:  map[string]any{"from": from.String(), "to": to.String()},
	})
}

func (e *Engine) emit(ev events.Event) {
	e.sink.Emit(ev.Stamp(e.now()))
}

// Handle serves one request end to end. Canceling ctx cancels this request;
// Close cancels every request.
func (e *Engine) Handle(ctx context.Context, text string, uc intent.UserContext) (*workflow.Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	st := e.state.Load()
	if st.sem != nil {
		select {
		case st.sem <- struct{}{}:
			defer func() { <-st.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.base, cancel)
	defer stop()

	correlationID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "orchestra.handle", trace.WithAttributes(
		attribute.String("correlation.id", correlationID),
		attribute.String("user.session", uc.SessionID),
	))
	defer span.End()

	res, err := e.handle(ctx, st, correlationID, text, uc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) handle(ctx context.Context, st *snapshot, correlationID, text string, uc intent.UserContext) (*workflow.Result, error) {
	log := e.logger.With().Str("component", "engine").Str("correlation_id", correlationID).Logger()

	in := e.analyzer.Analyze(text, uc)
	e.emit(events.Event{
		Type:          events.IntentClassified,
		CorrelationID: correlationID,
		Message:       string(in.Type()),
		Fields: map[string]any{
			"confidence": in.Confidence(),
			"missing":    in.MissingSlots(),
		},
	})
	if in.IsUnknown() {
		log.Debug().Msg("request not recognized")
		return nil, &UnrecognizedRequestError{Text: text}
	}

	selected, err := st.selector.Select(in, uc)
	if err != nil {
		e.emit(events.Event{Type: events.SelectionFailed, CorrelationID: correlationID, Message: err.Error()})
		log.Warn().Err(err).Str("intent", string(in.Type())).Msg("selection failed")
		return nil, err
	}
	for _, s := range selected {
		e.emit(events.Event{
			Type:          events.ToolSelected,
			CorrelationID: correlationID,
			Capability:    s.Capability,
			ToolID:        s.ToolID,
			Fields: map[string]any{
				"fallbacks":  s.Fallbacks,
				"confidence": s.Confidence,
				"degraded":   s.DegradedSelection,
			},
		})
	}

	wf, err := st.builder.Build(correlationID, in, selected)
	if err != nil {
		return nil, err
	}
	res, err := st.executor.Execute(ctx, wf)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("workflow", wf.ID).Str("state", res.State.String()).Msg(res.Summary)
	return res, nil
}

func (e *Engine) RegisterTool(meta registry.ToolMetadata) error {
	return e.registry.Register(meta)
}

func (e *Engine) UnregisterTool(id string) error {
	return e.registry.Unregister(id)
}

// Metrics returns a point-in-time performance report.
func (e *Engine) Metrics() monitor.PerformanceReport {
	return e.monitor.Report()
}

func (e *Engine) Registry() *registry.Registry { return e.registry }
func (e *Engine) Monitor() *monitor.Monitor    { return e.monitor }

// Config returns the active configuration.
func (e *Engine) Config() config.Config {
	return e.state.Load().cfg
}

// Reconfigure validates cfg and swaps it in atomically. In-flight requests
// finish with the configuration they started with. Tools listed in cfg that
// are not yet registered are registered; existing registrations are left
// alone.
func (e *Engine) Reconfigure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, t := range cfg.Tools {
		if _, err := e.registry.Get(t.ID); err == nil {
			continue
		}
		if err := e.registry.Register(t.Metadata()); err != nil {
			return fmt.Errorf("register configured tool: %w", err)
		}
	}
	e.monitor.SetPolicy(cfg.Policy())
	e.state.Store(e.newSnapshot(cfg))
	e.emit(events.Event{Type: events.ConfigReloaded})
	e.logger.Info().Str("component", "engine").Msg("configuration reloaded")
	return nil
}

// Close cancels every in-flight request and rejects new ones.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.cancel()
}
