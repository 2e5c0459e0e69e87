// Package toolcall defines the single capability the orchestration core
// needs from the outside world: invoking a tool by id.
package toolcall

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Input is the argument document passed to a tool.
type Input map[string]any

// Output is the result document returned by a tool.
type Output map[string]any

// Invoker calls a tool. Implementations own transport, authentication and
// transport-level retries. They must honour ctx cancellation where the
// underlying call supports it; the caller bounds every call by timeout
// regardless.
type Invoker interface {
	Invoke(ctx context.Context, toolID string, input Input, timeout time.Duration) (Output, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, toolID string, input Input, timeout time.Duration) (Output, error)

func (f InvokerFunc) Invoke(ctx context.Context, toolID string, input Input, timeout time.Duration) (Output, error) {
	return f(ctx, toolID, input, timeout)
}

// Mux routes invocations to a per-tool Invoker, falling back to a default.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]Invoker
	fallback Invoker
}

func NewMux(fallback Invoker) *Mux {
	return &Mux{
		routes:   make(map[string]Invoker),
		fallback: fallback,
	}
}

// Handle routes toolID to inv, replacing any previous route.
func (m *Mux) Handle(toolID string, inv Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[toolID] = inv
}

func (m *Mux) Remove(toolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, toolID)
}

func (m *Mux) Invoke(ctx context.Context, toolID string, input Input, timeout time.Duration) (Output, error) {
	m.mu.RLock()
	inv, ok := m.routes[toolID]
	if !ok {
		inv = m.fallback
	}
	m.mu.RUnlock()

	if inv == nil {
		return nil, &Error{Kind: KindPermanent, Tool: toolID, Message: fmt.Sprintf("no invoker routed for tool %q", toolID)}
	}
	return inv.Invoke(ctx, toolID, input, timeout)
}
