// Package registry is the in-memory index of tool metadata.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Listener observes registry membership changes.
type Listener interface {
	ToolRegistered(meta ToolMetadata)
	ToolUnregistered(id string)
}

type entry struct {
	meta  ToolMetadata
	input *jsonschema.Schema
}

type Registry struct {
	// membership serialises Register and Unregister together with their
	// listener calls, so listeners observe changes in the order they happen.
	membership   sync.Mutex
	mu           sync.RWMutex
	tools        map[string]*entry
	byCapability map[string][]string
	seq          uint64
	listeners    []Listener
}

func New(listeners ...Listener) *Registry {
	return &Registry{
		tools:        make(map[string]*entry),
		byCapability: make(map[string][]string),
		listeners:    listeners,
	}
}

// AddListener subscribes l to future registrations.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register adds a tool. Re-registering an id requires Unregister first.
func (r *Registry) Register(meta ToolMetadata) error {
	if meta.ID == "" {
		return fmt.Errorf("register tool: id is required")
	}
	if len(meta.Capabilities) == 0 {
		return fmt.Errorf("register tool %q: at least one capability is required", meta.ID)
	}
	compiled, err := compileSchema(meta.InputSchema)
	if err != nil {
		return fmt.Errorf("register tool %q: input schema: %w", meta.ID, err)
	}

	r.membership.Lock()
	defer r.membership.Unlock()
	r.mu.Lock()
	if _, exists := r.tools[meta.ID]; exists {
		r.mu.Unlock()
		return &DuplicateToolError{ID: meta.ID}
	}
	r.seq++
	stored := meta.clone()
	stored.Seq = r.seq
	r.tools[meta.ID] = &entry{meta: stored, input: compiled}
	for _, c := range stored.Capabilities {
		r.byCapability[c] = append(r.byCapability[c], stored.ID)
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.ToolRegistered(stored.clone())
	}
	return nil
}

func (r *Registry) Unregister(id string) error {
	r.membership.Lock()
	defer r.membership.Unlock()
	r.mu.Lock()
	e, ok := r.tools[id]
	if !ok {
		r.mu.Unlock()
		return &UnknownToolError{ID: id}
	}
	delete(r.tools, id)
	for _, c := range e.meta.Capabilities {
		ids := r.byCapability[c]
		for i, other := range ids {
			if other == id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(r.byCapability, c)
		} else {
			r.byCapability[c] = ids
		}
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.ToolUnregistered(id)
	}
	return nil
}

func (r *Registry) Get(id string) (ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[id]
	if !ok {
		return ToolMetadata{}, &UnknownToolError{ID: id}
	}
	return e.meta.clone(), nil
}

// Find returns every tool advertising capability. Order is unspecified.
func (r *Registry) Find(capability string) []ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byCapability[capability]
	out := make([]ToolMetadata, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.tools[id].meta.clone())
	}
	return out
}

// List returns all tools in registration order.
func (r *Registry) List() []ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolMetadata, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.meta.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *Registry) UpdateTimeout(id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[id]
	if !ok {
		return &UnknownToolError{ID: id}
	}
	e.meta.Timeout = timeout
	return nil
}

func (r *Registry) SetHealthCheck(id string, hc *HealthCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[id]
	if !ok {
		return &UnknownToolError{ID: id}
	}
	if hc == nil {
		e.meta.HealthCheck = nil
		return nil
	}
	cp := *hc
	e.meta.HealthCheck = &cp
	return nil
}

// ValidateInput checks input against the tool's declared input schema.
func (r *Registry) ValidateInput(id string, input map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return &UnknownToolError{ID: id}
	}
	if e.input == nil {
		return nil
	}

	// Round-trip through JSON so numbers and nested values take the shapes
	// the validator expects.
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return e.input.Validate(doc)
}

func compileSchema(s Schema) (*jsonschema.Schema, error) {
	if len(s.Fields) == 0 && len(s.Required) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", s.JSONSchema()); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
