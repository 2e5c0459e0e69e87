// Package config loads and validates the orchestration engine's YAML
// configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opentalon/orchestra/internal/monitor"
	"github.com/opentalon/orchestra/internal/registry"
	"github.com/opentalon/orchestra/internal/selector"
	"github.com/opentalon/orchestra/internal/workflow"
)

type Config struct {
	Selection  SelectionConfig  `yaml:"selection"`
	Retry      RetryConfig      `yaml:"retry"`
	Health     HealthConfig     `yaml:"health"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Tools      []ToolConfig     `yaml:"tools"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Log        LogConfig        `yaml:"log"`
}

type WeightsConfig struct {
	Performance float64 `yaml:"performance"`
	Health      float64 `yaml:"health"`
	Capability  float64 `yaml:"capability"`
}

type SelectionConfig struct {
	Weights           WeightsConfig            `yaml:"weights"`
	CapabilityWeights map[string]WeightsConfig `yaml:"capability_weights"`
	FallbackCount     int                      `yaml:"fallback_count"`
	Pins              map[string]string        `yaml:"pins"`
}

type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	BackoffCap        Duration `yaml:"backoff_cap"`
}

type HealthConfig struct {
	WindowSize       int     `yaml:"window_size"`
	UnavailableAfter int     `yaml:"unavailable_after"`
	RecoverAfter     int     `yaml:"recover_after"`
	DegradedBelow    float64 `yaml:"degraded_below"`
	MinSamples       int     `yaml:"min_samples"`
}

type WorkflowConfig struct {
	Strategy              string              `yaml:"strategy"`
	StepTimeout           Duration            `yaml:"step_timeout"`
	StepTimeouts          map[string]Duration `yaml:"step_timeouts"`
	NonCritical           []string            `yaml:"non_critical"`
	MaxConcurrentRequests int                 `yaml:"max_concurrent_requests"`
}

type ToolConfig struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	Capabilities []string              `yaml:"capabilities"`
	Timeout      Duration              `yaml:"timeout"`
	InputSchema  registry.Schema       `yaml:"input_schema"`
	OutputSchema registry.Schema       `yaml:"output_schema"`
	HealthCheck  *registry.HealthCheck `yaml:"health_check"`
	Invoker      InvokerConfig         `yaml:"invoker"`
}

// InvokerConfig selects how a configured tool is called.
type InvokerConfig struct {
	Type string `yaml:"type"` // "lua" or "socket"
	// Script is a Lua file; Source is inline Lua. Script wins when both are set.
	Script  string `yaml:"script"`
	Source  string `yaml:"source"`
	Network string `yaml:"network"` // "unix" or "tcp"
	Address string `yaml:"address"`
	// Command launches a tool server that announces its own socket. Network
	// and Address are ignored when it is set.
	Command []string `yaml:"command"`
}

type MonitoringConfig struct {
	Journal          JournalConfig `yaml:"journal"`
	WebSocketURL     string        `yaml:"websocket_url"`
	EventBuffer      int           `yaml:"event_buffer"`
	MetricsStore     StoreConfig   `yaml:"metrics_store"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	ProbeSchedule    string        `yaml:"probe_schedule"`
	SnapshotSchedule string        `yaml:"snapshot_schedule"`
}

type JournalConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type StoreConfig struct {
	Type     string `yaml:"type"` // "file" or "redis"
	Path     string `yaml:"path"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Duration reads Go duration strings such as "250ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", n.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration that validates on its own.
func Default() Config {
	w := monitor.DefaultWeights()
	p := monitor.DefaultPolicy()
	r := workflow.DefaultRetryPolicy()
	return Config{
		Selection: SelectionConfig{
			Weights:       WeightsConfig{Performance: w.Performance, Health: w.Health, Capability: w.Capability},
			FallbackCount: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:       r.MaxAttempts,
			BackoffBase:       Duration(r.Base),
			BackoffMultiplier: r.Multiplier,
			BackoffCap:        Duration(r.Cap),
		},
		Health: HealthConfig{
			WindowSize:       p.WindowSize,
			UnavailableAfter: p.UnavailableAfter,
			RecoverAfter:     p.RecoverAfter,
			DegradedBelow:    p.DegradedBelow,
			MinSamples:       p.MinSamples,
		},
		Workflow: WorkflowConfig{
			Strategy:    string(workflow.BestEffort),
			StepTimeout: Duration(workflow.DefaultTimeout),
			NonCritical: []string{"recommend", "sentiment"},
		},
		Monitoring: MonitoringConfig{EventBuffer: 1024},
		Log:        LogConfig{Level: "info", Format: "json"},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	for i := range cfg.Tools {
		inv := &cfg.Tools[i].Invoker
		inv.Script = expandEnv(inv.Script)
		inv.Address = expandEnv(inv.Address)
		for j := range inv.Command {
			inv.Command[j] = expandEnv(inv.Command[j])
		}
		if hc := cfg.Tools[i].HealthCheck; hc != nil {
			hc.Target = expandEnv(hc.Target)
		}
	}
	m := &cfg.Monitoring
	m.Journal.DSN = expandEnv(m.Journal.DSN)
	m.WebSocketURL = expandEnv(m.WebSocketURL)
	m.MetricsStore.Path = expandEnv(m.MetricsStore.Path)
	m.MetricsStore.Addr = expandEnv(m.MetricsStore.Addr)
	m.MetricsStore.Password = expandEnv(m.MetricsStore.Password)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default, so omitted settings keep their defaults.
// The result is not validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(&cfg)
	return &cfg, nil
}

// ConfigurationError lists every violated bound.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

const weightTolerance = 1e-6

func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	checkWeights := func(name string, w WeightsConfig) {
		if w.Performance < 0 || w.Health < 0 || w.Capability < 0 {
			add("%s: weights must be non-negative", name)
		}
		if sum := w.Performance + w.Health + w.Capability; math.Abs(sum-1) > weightTolerance {
			add("%s: weights sum to %g, want 1", name, sum)
		}
	}
	checkWeights("selection.weights", c.Selection.Weights)
	for capability, w := range c.Selection.CapabilityWeights {
		checkWeights("selection.capability_weights."+capability, w)
	}
	if c.Selection.FallbackCount < 0 {
		add("selection.fallback_count must be >= 0")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be >= 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		add("retry.backoff_multiplier must be >= 1")
	}
	if c.Retry.BackoffBase < 0 || c.Retry.BackoffCap < 0 {
		add("retry backoff durations must be >= 0")
	}

	h := c.Health
	if h.WindowSize < 1 {
		add("health.window_size must be >= 1")
	}
	if h.UnavailableAfter < 1 {
		add("health.unavailable_after must be >= 1")
	}
	if h.RecoverAfter < 1 {
		add("health.recover_after must be >= 1")
	}
	if h.MinSamples < 1 {
		add("health.min_samples must be >= 1")
	}
	if h.DegradedBelow < 0 || h.DegradedBelow > 1 {
		add("health.degraded_below must be within [0,1]")
	}

	if !workflow.Strategy(c.Workflow.Strategy).Valid() {
		add("workflow.strategy %q is not one of fail-fast, best-effort", c.Workflow.Strategy)
	}
	if c.Workflow.StepTimeout < 0 {
		add("workflow.step_timeout must be >= 0")
	}
	if c.Workflow.MaxConcurrentRequests < 0 {
		add("workflow.max_concurrent_requests must be >= 0")
	}

	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if t.ID == "" {
			add("tools[%d]: id is required", i)
			continue
		}
		if seen[t.ID] {
			add("tools[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if len(t.Capabilities) == 0 {
			add("tools[%d] %s: at least one capability is required", i, t.ID)
		}
		if !slices.Contains([]string{"", "lua", "socket"}, t.Invoker.Type) {
			add("tools[%d] %s: unknown invoker type %q", i, t.ID, t.Invoker.Type)
		}
		if t.Invoker.Type == "socket" && t.Invoker.Address == "" && len(t.Invoker.Command) == 0 {
			add("tools[%d] %s: socket invoker needs an address or a command", i, t.ID)
		}
	}

	if d := c.Monitoring.Journal.Driver; d != "" && d != "sqlite" && d != "postgres" {
		add("monitoring.journal.driver %q is not one of sqlite, postgres", d)
	}
	if s := c.Monitoring.MetricsStore.Type; s != "" && s != "file" && s != "redis" {
		add("monitoring.metrics_store.type %q is not one of file, redis", s)
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func (w WeightsConfig) Monitor() monitor.Weights {
	return monitor.Weights{Performance: w.Performance, Health: w.Health, Capability: w.Capability}
}

func (c *Config) Policy() monitor.Policy {
	return monitor.Policy{
		WindowSize:       c.Health.WindowSize,
		UnavailableAfter: c.Health.UnavailableAfter,
		RecoverAfter:     c.Health.RecoverAfter,
		DegradedBelow:    c.Health.DegradedBelow,
		MinSamples:       c.Health.MinSamples,
	}
}

func (c *Config) RetryPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		Base:        c.Retry.BackoffBase.Std(),
		Multiplier:  c.Retry.BackoffMultiplier,
		Cap:         c.Retry.BackoffCap.Std(),
	}
}

func (c *Config) SelectorOptions() selector.Options {
	opts := selector.Options{
		Weights:       c.Selection.Weights.Monitor(),
		FallbackCount: c.Selection.FallbackCount,
		Pins:          c.Selection.Pins,
	}
	if len(c.Selection.CapabilityWeights) > 0 {
		opts.CapabilityWeights = make(map[string]monitor.Weights, len(c.Selection.CapabilityWeights))
		for capability, w := range c.Selection.CapabilityWeights {
			opts.CapabilityWeights[capability] = w.Monitor()
		}
	}
	return opts
}

// Builder returns a workflow builder reflecting the workflow and retry
// settings.
func (c *Config) Builder() *workflow.Builder {
	b := workflow.NewBuilder()
	b.Retry = c.RetryPolicy()
	b.Strategy = workflow.Strategy(c.Workflow.Strategy)
	b.NonCritical = slices.Clone(c.Workflow.NonCritical)
	if len(c.Workflow.StepTimeouts) > 0 {
		b.StepTimeout = make(map[string]time.Duration, len(c.Workflow.StepTimeouts))
		for capability, d := range c.Workflow.StepTimeouts {
			b.StepTimeout[capability] = d.Std()
		}
	}
	return b
}

func (t ToolConfig) Metadata() registry.ToolMetadata {
	return registry.ToolMetadata{
		ID:           t.ID,
		Name:         t.Name,
		Capabilities: slices.Clone(t.Capabilities),
		InputSchema:  t.InputSchema,
		OutputSchema: t.OutputSchema,
		Timeout:      t.Timeout.Std(),
		HealthCheck:  t.HealthCheck,
	}
}
