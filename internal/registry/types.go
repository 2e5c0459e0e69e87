package registry

import (
	"slices"
	"time"
)

// Schema is the structural description of a tool's input or output.
type Schema struct {
	// Format names the document encoding, e.g. "json" or "restaurant-list/v1".
	// Empty means unspecified and is compatible with anything.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	// Accepts lists input formats a tool can consume. Empty accepts any.
	Accepts []string `yaml:"accepts,omitempty" json:"accepts,omitempty"`
	// Fields maps a field name to its JSON type (string, number, integer,
	// boolean, array, object).
	Fields   map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Required []string          `yaml:"required,omitempty" json:"required,omitempty"`
}

// AcceptsFormat reports whether a producer emitting format can feed this schema.
func (s Schema) AcceptsFormat(format string) bool {
	if format == "" || len(s.Accepts) == 0 {
		return true
	}
	return slices.Contains(s.Accepts, format)
}

// JSONSchema renders the schema as a JSON Schema document. Unknown fields are
// allowed so tools can accept more than they declare.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	for name, typ := range s.Fields {
		props[name] = map[string]any{"type": []any{typ, "null"}}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		req := make([]any, len(s.Required))
		for i, r := range s.Required {
			req[i] = r
		}
		doc["required"] = req
	}
	return doc
}

func (s Schema) clone() Schema {
	out := Schema{
		Format:   s.Format,
		Accepts:  slices.Clone(s.Accepts),
		Required: slices.Clone(s.Required),
	}
	if s.Fields != nil {
		out.Fields = make(map[string]string, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// HealthCheck references how a tool can be probed out of band.
type HealthCheck struct {
	Type    string `yaml:"type" json:"type"` // "grpc" or "invoke"
	Target  string `yaml:"target,omitempty" json:"target,omitempty"`
	Service string `yaml:"service,omitempty" json:"service,omitempty"`
}

// ToolMetadata describes one registered tool. Capabilities are fixed at
// registration; Timeout and HealthCheck may be updated later.
type ToolMetadata struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	Capabilities []string      `yaml:"capabilities" json:"capabilities"`
	InputSchema  Schema        `yaml:"input_schema" json:"input_schema"`
	OutputSchema Schema        `yaml:"output_schema" json:"output_schema"`
	Timeout      time.Duration `yaml:"-" json:"timeout"`
	HealthCheck  *HealthCheck  `yaml:"health_check,omitempty" json:"health_check,omitempty"`

	// Seq is the registration order, assigned by the registry.
	Seq uint64 `yaml:"-" json:"seq"`
}

func (m ToolMetadata) HasCapability(capability string) bool {
	return slices.Contains(m.Capabilities, capability)
}

func (m ToolMetadata) clone() ToolMetadata {
	out := m
	out.Capabilities = slices.Clone(m.Capabilities)
	out.InputSchema = m.InputSchema.clone()
	out.OutputSchema = m.OutputSchema.clone()
	if m.HealthCheck != nil {
		hc := *m.HealthCheck
		out.HealthCheck = &hc
	}
	return out
}
