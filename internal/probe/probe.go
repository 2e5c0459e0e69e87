// Package probe runs explicit health checks against registered tools and
// feeds the results to the performance monitor.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opentalon/orchestra/internal/registry"
	"github.com/opentalon/orchestra/internal/toolcall"
)

const DefaultTimeout = 2 * time.Second

// Prober checks one tool. A nil error means the tool is serving.
type Prober interface {
	Probe(ctx context.Context, meta registry.ToolMetadata) error
}

type ProberFunc func(ctx context.Context, meta registry.ToolMetadata) error

func (f ProberFunc) Probe(ctx context.Context, meta registry.ToolMetadata) error { return f(ctx, meta) }

// ByType dispatches on HealthCheck.Type.
type ByType map[string]Prober

func (b ByType) Probe(ctx context.Context, meta registry.ToolMetadata) error {
	if meta.HealthCheck == nil {
		return fmt.Errorf("tool %s has no health check", meta.ID)
	}
	p, ok := b[meta.HealthCheck.Type]
	if !ok {
		return fmt.Errorf("tool %s: unsupported health check type %q", meta.ID, meta.HealthCheck.Type)
	}
	return p.Probe(ctx, meta)
}

// GRPCProber speaks the standard grpc.health.v1 protocol. Connections are
// created lazily per target and reused.
type GRPCProber struct {
	timeout time.Duration

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCProber(timeout time.Duration) *GRPCProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GRPCProber{timeout: timeout, conns: make(map[string]*grpc.ClientConn)}
}

func (g *GRPCProber) conn(target string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[target]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", target, err)
	}
	g.conns[target] = c
	return c, nil
}

func (g *GRPCProber) Probe(ctx context.Context, meta registry.ToolMetadata) error {
	hc := meta.HealthCheck
	if hc == nil || hc.Target == "" {
		return fmt.Errorf("tool %s: grpc health check needs a target", meta.ID)
	}
	c, err := g.conn(hc.Target)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(c).Check(ctx, &healthpb.HealthCheckRequest{Service: hc.Service})
	if err != nil {
		return fmt.Errorf("tool %s: health check: %w", meta.ID, err)
	}
	if s := resp.GetStatus(); s != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("tool %s: status %s", meta.ID, s)
	}
	return nil
}

func (g *GRPCProber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var first error
	for target, c := range g.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(g.conns, target)
	}
	return first
}

// InvokeProber calls the tool itself with an empty input. The call does not
// go through the workflow engine, so it is never recorded as an invocation.
type InvokeProber struct {
	invoker toolcall.Invoker
	timeout time.Duration
}

func NewInvokeProber(inv toolcall.Invoker, timeout time.Duration) *InvokeProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &InvokeProber{invoker: inv, timeout: timeout}
}

func (p *InvokeProber) Probe(ctx context.Context, meta registry.ToolMetadata) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.invoker.Invoke(ctx, meta.ID, toolcall.Input{}, p.timeout)
	return err
}
