package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opentalon/orchestra/internal/config"
	"github.com/opentalon/orchestra/internal/events"
	"github.com/opentalon/orchestra/internal/intent"
	"github.com/opentalon/orchestra/internal/registry"
	"github.com/opentalon/orchestra/internal/selector"
	"github.com/opentalon/orchestra/internal/toolcall"
	"github.com/opentalon/orchestra/internal/workflow"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *sinkRecorder) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sinkRecorder) count(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Retry.BackoffBase = config.Duration(time.Millisecond)
	cfg.Retry.BackoffCap = config.Duration(5 * time.Millisecond)
	cfg.Tools = []config.ToolConfig{
		{ID: "SearchTool", Capabilities: []string{"search"}, OutputSchema: registry.Schema{Format: "restaurant-list/v1"}},
		{ID: "SearchToolBackup", Capabilities: []string{"search"}, OutputSchema: registry.Schema{Format: "restaurant-list/v1"}},
		{ID: "RecommendTool", Capabilities: []string{"recommend"}, InputSchema: registry.Schema{Accepts: []string{"restaurant-list/v1"}}},
		{ID: "SentimentTool", Capabilities: []string{"sentiment"}},
	}
	return cfg
}

func echo(_ context.Context, id string, input toolcall.Input, _ time.Duration) (toolcall.Output, error) {
	return toolcall.Output{"tool": id, "input": map[string]any(input)}, nil
}

func newEngine(t *testing.T, inv toolcall.Invoker, opts ...Option) *Engine {
	t.Helper()
	e, err := New(testConfig(), inv, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestHandleCombined(t *testing.T) {
	sink := &sinkRecorder{}
	e := newEngine(t, toolcall.InvokerFunc(echo), WithSink(sink))

	res, err := e.Handle(context.Background(), "Recommend a restaurant in Central for an INTJ", intent.UserContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Intent != intent.CombinedSearchAndRecommend {
		t.Errorf("Intent = %s", res.Intent)
	}
	if res.CorrelationID == "" || res.State != workflow.Completed {
		t.Errorf("result = %+v", res)
	}
	rec := res.Outputs["recommend.results"]
	in, _ := rec["input"].(map[string]any)
	if in["personality"] != "INTJ" || in["candidates"] == nil {
		t.Errorf("recommend input = %v", in)
	}
	if sink.count(events.IntentClassified) != 1 || sink.count(events.ToolSelected) != 2 || sink.count(events.WorkflowCompleted) != 1 {
		t.Errorf("events = %+v", sink.events)
	}
}

func TestHandleUnrecognized(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, toolcall.InvokerFunc(func(ctx context.Context, id string, in toolcall.Input, d time.Duration) (toolcall.Output, error) {
		calls.Add(1)
		return nil, nil
	}))
	_, err := e.Handle(context.Background(), "what's the weather", intent.UserContext{})
	var ur *UnrecognizedRequestError
	if !errors.As(err, &ur) {
		t.Fatalf("err = %v, want UnrecognizedRequestError", err)
	}
	if calls.Load() != 0 {
		t.Error("no tool should be called")
	}
}

func TestHandleNoCapableTool(t *testing.T) {
	var calls atomic.Int32
	cfg := config.Default()
	e, err := New(cfg, toolcall.InvokerFunc(func(context.Context, string, toolcall.Input, time.Duration) (toolcall.Output, error) {
		calls.Add(1)
		return nil, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	_, err = e.Handle(context.Background(), "Find restaurants in Central", intent.UserContext{})
	var nct *selector.NoCapableToolError
	if !errors.As(err, &nct) || nct.Capability != "search" {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 0 || len(e.Metrics().Tools) != 0 {
		t.Error("workflow engine must not run")
	}
}

func TestHandleFallbackAndMetrics(t *testing.T) {
	inv := toolcall.NewMux(toolcall.InvokerFunc(echo))
	inv.Handle("SearchTool", toolcall.InvokerFunc(func(context.Context, string, toolcall.Input, time.Duration) (toolcall.Output, error) {
		return nil, toolcall.Permanent("SearchTool", "index offline")
	}))
	e := newEngine(t, inv)

	res, err := e.Handle(context.Background(), "Find restaurants in Wan Chai", intent.UserContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Partial || !res.Steps[0].UsedFallback {
		t.Errorf("result = %+v", res)
	}

	report := e.Metrics()
	byID := map[string]uint64{}
	for _, r := range report.Tools {
		byID[r.ToolID] = r.Failures
	}
	if byID["SearchTool"] != 1 {
		t.Errorf("SearchTool failures = %d", byID["SearchTool"])
	}
}

func TestHandleNonCriticalDegrades(t *testing.T) {
	inv := toolcall.NewMux(toolcall.InvokerFunc(echo))
	inv.Handle("RecommendTool", toolcall.InvokerFunc(func(context.Context, string, toolcall.Input, time.Duration) (toolcall.Output, error) {
		return nil, toolcall.Permanent("RecommendTool", "model offline")
	}))
	e := newEngine(t, inv)

	res, err := e.Handle(context.Background(), "Recommend a restaurant in Central for an INTJ", intent.UserContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Partial || len(res.Degraded) != 1 {
		t.Errorf("result = %+v", res)
	}
	var pf *workflow.WorkflowPartialFailure
	if !errors.As(res.PartialFailure(), &pf) {
		t.Error("expected partial failure")
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	e := newEngine(t, toolcall.InvokerFunc(echo))
	meta := registry.ToolMetadata{ID: "MealTool", Capabilities: []string{"meal_filter"}}
	if err := e.RegisterTool(meta); err != nil {
		t.Fatal(err)
	}
	var dup *registry.DuplicateToolError
	if err := e.RegisterTool(meta); !errors.As(err, &dup) {
		t.Errorf("err = %v, want DuplicateToolError", err)
	}

	res, err := e.Handle(context.Background(), "lunch in Central", intent.UserContext{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Outputs["meal_filter.results"]; !ok {
		t.Errorf("outputs = %v, want meal_filter", res.Outputs)
	}

	if err := e.UnregisterTool("MealTool"); err != nil {
		t.Fatal(err)
	}
	var unk *registry.UnknownToolError
	if err := e.UnregisterTool("MealTool"); !errors.As(err, &unk) {
		t.Errorf("err = %v, want UnknownToolError", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Selection.Weights.Performance = 0.9
	_, err := New(cfg, toolcall.InvokerFunc(echo))
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestReconfigure(t *testing.T) {
	sink := &sinkRecorder{}
	e := newEngine(t, toolcall.InvokerFunc(echo), WithSink(sink))

	bad := testConfig()
	bad.Health.WindowSize = 0
	if err := e.Reconfigure(bad); err == nil {
		t.Fatal("expected validation error")
	}
	if e.Config().Health.WindowSize != 100 {
		t.Error("invalid config must not be applied")
	}

	good := testConfig()
	good.Selection.Pins = map[string]string{"search": "SearchToolBackup"}
	good.Health.UnavailableAfter = 5
	good.Tools = append(good.Tools, config.ToolConfig{ID: "Extra", Capabilities: []string{"search"}})
	if err := e.Reconfigure(good); err != nil {
		t.Fatal(err)
	}
	if e.Monitor().Policy().UnavailableAfter != 5 {
		t.Error("policy not swapped")
	}
	if _, err := e.Registry().Get("Extra"); err != nil {
		t.Error("new tool not registered")
	}

	res, err := e.Handle(context.Background(), "Find restaurants in Central", intent.UserContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Steps[0].ToolID != "SearchToolBackup" {
		t.Errorf("pin ignored after reconfigure: %s", res.Steps[0].ToolID)
	}
	if sink.count(events.ConfigReloaded) != 1 {
		t.Error("expected config_reloaded event")
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	e := newEngine(t, toolcall.InvokerFunc(func(ctx context.Context, _ string, _ toolcall.Input, _ time.Duration) (toolcall.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	errc := make(chan error, 1)
	go func() {
		_, err := e.Handle(context.Background(), "Find restaurants in Central", intent.UserContext{})
		errc <- err
	}()
	<-started
	e.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request not canceled")
	}

	if _, err := e.Handle(context.Background(), "Find restaurants in Central", intent.UserContext{}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Workflow.MaxConcurrentRequests = 1
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	e, err := New(cfg, toolcall.InvokerFunc(func(ctx context.Context, id string, in toolcall.Input, d time.Duration) (toolcall.Output, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return toolcall.Output{}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Handle(context.Background(), "Find restaurants in Central", intent.UserContext{})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if peak.Load() != 1 {
		t.Errorf("peak in-flight calls = %d, want 1", peak.Load())
	}
}

func TestHealthChangedEvent(t *testing.T) {
	sink := &sinkRecorder{}
	inv := toolcall.NewMux(toolcall.InvokerFunc(echo))
	inv.Handle("SearchTool", toolcall.InvokerFunc(func(context.Context, string, toolcall.Input, time.Duration) (toolcall.Output, error) {
		return nil, toolcall.Transient("SearchTool", "503")
	}))
	e := newEngine(t, inv, WithSink(sink))

	// Three transient attempts in one request trip SearchTool to Unavailable.
	if _, err := e.Handle(context.Background(), "Find restaurants in Central", intent.UserContext{}); err != nil {
		t.Fatal(err)
	}
	if sink.count(events.HealthChanged) != 1 {
		t.Errorf("health_changed events = %d, want 1", sink.count(events.HealthChanged))
	}
}
