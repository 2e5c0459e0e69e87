package probe

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opentalon/orchestra/internal/healthstore"
	"github.com/opentalon/orchestra/internal/monitor"
	"github.com/opentalon/orchestra/internal/registry"
	"github.com/opentalon/orchestra/internal/toolcall"
)

func startHealthServer(t *testing.T) (string, *health.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), hs
}

func grpcTool(id, target, service string) registry.ToolMetadata {
	return registry.ToolMetadata{
		ID:           id,
		Capabilities: []string{"search"},
		HealthCheck:  &registry.HealthCheck{Type: "grpc", Target: target, Service: service},
	}
}

func TestGRPCProber(t *testing.T) {
	addr, hs := startHealthServer(t)
	hs.SetServingStatus("search", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("recommend", healthpb.HealthCheckResponse_NOT_SERVING)

	p := NewGRPCProber(time.Second)
	defer p.Close()
	ctx := context.Background()

	if err := p.Probe(ctx, grpcTool("a", addr, "search")); err != nil {
		t.Errorf("serving service: %v", err)
	}
	if err := p.Probe(ctx, grpcTool("b", addr, "recommend")); err == nil {
		t.Error("expected error for NOT_SERVING")
	}
	if err := p.Probe(ctx, grpcTool("c", addr, "unknown")); err == nil {
		t.Error("expected error for unknown service")
	}
	if err := p.Probe(ctx, grpcTool("d", "", "")); err == nil {
		t.Error("expected error without target")
	}
	if len(p.conns) != 1 {
		t.Errorf("conns = %d, want one shared connection", len(p.conns))
	}
}

func TestInvokeProber(t *testing.T) {
	inv := toolcall.InvokerFunc(func(ctx context.Context, id string, in toolcall.Input, _ time.Duration) (toolcall.Output, error) {
		if len(in) != 0 {
			t.Errorf("probe input = %v, want empty", in)
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("probe context has no deadline")
		}
		if id == "down" {
			return nil, toolcall.Transient(id, "503")
		}
		return toolcall.Output{}, nil
	})
	p := NewInvokeProber(inv, 0)
	if err := p.Probe(context.Background(), registry.ToolMetadata{ID: "up"}); err != nil {
		t.Errorf("up: %v", err)
	}
	if err := p.Probe(context.Background(), registry.ToolMetadata{ID: "down"}); err == nil {
		t.Error("down: expected error")
	}
}

func TestByType(t *testing.T) {
	called := ""
	b := ByType{"invoke": ProberFunc(func(_ context.Context, m registry.ToolMetadata) error {
		called = m.ID
		return nil
	})}
	ctx := context.Background()
	if err := b.Probe(ctx, registry.ToolMetadata{ID: "x", HealthCheck: &registry.HealthCheck{Type: "invoke"}}); err != nil || called != "x" {
		t.Errorf("err = %v, called = %q", err, called)
	}
	if err := b.Probe(ctx, registry.ToolMetadata{ID: "y", HealthCheck: &registry.HealthCheck{Type: "http"}}); err == nil {
		t.Error("expected unsupported type error")
	}
	if err := b.Probe(ctx, registry.ToolMetadata{ID: "z"}); err == nil {
		t.Error("expected missing health check error")
	}
}

func TestProbeAllRecoversUnavailableTool(t *testing.T) {
	mon := monitor.New()
	reg := registry.New(mon)
	for _, m := range []registry.ToolMetadata{
		{ID: "SearchTool", Capabilities: []string{"search"}, HealthCheck: &registry.HealthCheck{Type: "invoke"}},
		{ID: "RecommendTool", Capabilities: []string{"recommend"}, HealthCheck: &registry.HealthCheck{Type: "invoke"}},
		{ID: "Unprobed", Capabilities: []string{"search"}},
	} {
		if err := reg.Register(m); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		mon.RecordOutcome(monitor.Outcome{ToolID: "SearchTool", Kind: toolcall.KindTransient})
	}
	if h, _ := mon.Health("SearchTool"); h.Status != monitor.Unavailable {
		t.Fatalf("setup: status = %v", h.Status)
	}

	var mu sync.Mutex
	probed := map[string]bool{}
	p := ProberFunc(func(_ context.Context, m registry.ToolMetadata) error {
		mu.Lock()
		probed[m.ID] = true
		mu.Unlock()
		if m.ID == "RecommendTool" {
			return errors.New("connection refused")
		}
		return nil
	})

	if n := ProbeAll(context.Background(), reg, mon, p); n != 2 {
		t.Errorf("ProbeAll = %d, want 2", n)
	}
	if probed["Unprobed"] {
		t.Error("tool without health check was probed")
	}
	if h, _ := mon.Health("SearchTool"); h.Status != monitor.Healthy {
		t.Errorf("SearchTool = %v, want healthy after successful probe", h.Status)
	}
	if h, _ := mon.Health("RecommendTool"); h.ConsecutiveFailures != 1 {
		t.Errorf("RecommendTool failures = %d, want 1", h.ConsecutiveFailures)
	}
}

func TestSchedulerAddRemove(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	noop := func(context.Context) error { return nil }
	if err := s.Add("probe", "@every 30s", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("probe", "@every 30s", noop); err == nil {
		t.Error("expected duplicate job error")
	}
	if err := s.Add("bad", "not a schedule", noop); err == nil {
		t.Error("expected invalid schedule error")
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != "probe" {
		t.Errorf("Jobs = %v", got)
	}
	if !s.Remove("probe") || s.Remove("probe") {
		t.Error("Remove should succeed once")
	}
}

func TestSchedulerRunsSnapshotJob(t *testing.T) {
	mon := monitor.New()
	reg := registry.New(mon)
	if err := reg.Register(registry.ToolMetadata{ID: "SearchTool", Capabilities: []string{"search"}}); err != nil {
		t.Fatal(err)
	}
	store := healthstore.NewFileStore(filepath.Join(t.TempDir(), "health.json"))

	s := NewScheduler(zerolog.Nop())
	if err := s.Add("snapshot", "@every 1s", SnapshotJob(mon, store)); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := store.Load(context.Background()); err == nil {
			if len(snap.Tools) != 1 || snap.Tools[0].ToolID != "SearchTool" {
				t.Errorf("snapshot = %+v", snap)
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("snapshot job never ran")
}
