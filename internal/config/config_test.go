package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opentalon/orchestra/internal/workflow"
)

const testYAML = `
selection:
  weights:
    performance: 0.5
    health: 0.3
    capability: 0.2
  capability_weights:
    recommend:
      performance: 0.2
      health: 0.2
      capability: 0.6
  fallback_count: 1
  pins:
    search: openrice

retry:
  max_attempts: 4
  backoff_base: 50ms
  backoff_multiplier: 3
  backoff_cap: 1s

health:
  window_size: 50
  unavailable_after: 5
  recover_after: 2
  degraded_below: 0.7
  min_samples: 10

workflow:
  strategy: fail-fast
  step_timeout: 3s
  step_timeouts:
    sentiment: 8s
  non_critical: [sentiment]
  max_concurrent_requests: 64

tools:
  - id: openrice
    name: OpenRice search
    capabilities: [search]
    timeout: 2s
    output_schema:
      format: restaurant-list/v1
    invoker:
      type: socket
      network: unix
      address: "${ORCHESTRA_RUN}/openrice.sock"
    health_check:
      type: grpc
      target: "127.0.0.1:9000"
  - id: mbti
    capabilities: [recommend]
    input_schema:
      accepts: [restaurant-list/v1]
      fields:
        personality: string
      required: [personality]
    invoker:
      type: lua
      script: scripts/mbti.lua

monitoring:
  journal:
    driver: sqlite
    dsn: "${ORCHESTRA_DATA}/journal.db"
  websocket_url: ws://localhost:8081/events
  metrics_store:
    type: redis
    addr: localhost:6379
    key: orchestra:health
  metrics_addr: ":9090"
  probe_schedule: "@every 30s"
  snapshot_schedule: "@every 1m"

log:
  level: debug
  format: console
`

func TestParse(t *testing.T) {
	os.Setenv("ORCHESTRA_RUN", "/run/orchestra")
	os.Setenv("ORCHESTRA_DATA", "/var/lib/orchestra")
	defer os.Unsetenv("ORCHESTRA_RUN")
	defer os.Unsetenv("ORCHESTRA_DATA")

	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Selection.Weights.Performance != 0.5 {
		t.Errorf("Performance = %v", cfg.Selection.Weights.Performance)
	}
	if cfg.Selection.FallbackCount != 1 {
		t.Errorf("FallbackCount = %d", cfg.Selection.FallbackCount)
	}
	if cfg.Selection.Pins["search"] != "openrice" {
		t.Errorf("Pins = %v", cfg.Selection.Pins)
	}
	if cfg.Retry.BackoffBase.Std() != 50*time.Millisecond || cfg.Retry.BackoffCap.Std() != time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Health.WindowSize != 50 || cfg.Health.DegradedBelow != 0.7 {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if cfg.Workflow.Strategy != "fail-fast" || cfg.Workflow.StepTimeout.Std() != 3*time.Second {
		t.Errorf("Workflow = %+v", cfg.Workflow)
	}
	if len(cfg.Tools) != 2 {
		t.Fatalf("Tools = %d", len(cfg.Tools))
	}
	if got := cfg.Tools[0].Invoker.Address; got != "/run/orchestra/openrice.sock" {
		t.Errorf("Address = %q", got)
	}
	if got := cfg.Monitoring.Journal.DSN; got != "/var/lib/orchestra/journal.db" {
		t.Errorf("DSN = %q", got)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("log:\n  level: warn\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Selection.FallbackCount != 2 {
		t.Errorf("FallbackCount = %d, want 2", cfg.Selection.FallbackCount)
	}
	if cfg.Health.WindowSize != 100 || cfg.Health.UnavailableAfter != 3 {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if cfg.Workflow.Strategy != string(workflow.BestEffort) {
		t.Errorf("Strategy = %q", cfg.Workflow.Strategy)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestUnsetEnvLeftAsIs(t *testing.T) {
	os.Unsetenv("ORCHESTRA_MISSING")
	cfg, err := Parse([]byte("monitoring:\n  websocket_url: \"${ORCHESTRA_MISSING}\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Monitoring.WebSocketURL != "${ORCHESTRA_MISSING}" {
		t.Errorf("WebSocketURL = %q", cfg.Monitoring.WebSocketURL)
	}
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("retry:\n  backoff_base: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("err = %v", err)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("selection: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	if err := os.WriteFile(path, []byte("selection:\n  fallback_count: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Selection.FallbackCount != 0 {
		t.Errorf("FallbackCount = %d, want 0", cfg.Selection.FallbackCount)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Selection.Weights = WeightsConfig{Performance: 0.5, Health: 0.5, Capability: 0.5}
	cfg.Selection.FallbackCount = -1
	cfg.Retry.MaxAttempts = 0
	cfg.Retry.BackoffMultiplier = 0.5
	cfg.Health.UnavailableAfter = 0
	cfg.Health.RecoverAfter = 0
	cfg.Health.DegradedBelow = 1.5
	cfg.Workflow.Strategy = "yolo"
	cfg.Tools = []ToolConfig{{ID: "a", Capabilities: []string{"search"}}, {ID: "a"}}

	err := cfg.Validate()
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	for _, want := range []string{
		"weights sum",
		"fallback_count",
		"max_attempts",
		"backoff_multiplier",
		"unavailable_after",
		"recover_after",
		"degraded_below",
		"strategy",
		"duplicate id",
		"at least one capability",
	} {
		if !strings.Contains(ce.Error(), want) {
			t.Errorf("missing problem %q in %v", want, ce.Problems)
		}
	}
}

func TestValidateWeightTolerance(t *testing.T) {
	cfg := Default()
	cfg.Selection.Weights = WeightsConfig{Performance: 0.4, Health: 0.3, Capability: 0.3 + 5e-7}
	if err := cfg.Validate(); err != nil {
		t.Errorf("within tolerance should pass: %v", err)
	}
	cfg.Selection.Weights.Capability = 0.3 + 1e-4
	if err := cfg.Validate(); err == nil {
		t.Error("outside tolerance should fail")
	}
}

func TestValidateNegativeWeight(t *testing.T) {
	cfg := Default()
	cfg.Selection.Weights = WeightsConfig{Performance: 1.2, Health: -0.2, Capability: 0}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "non-negative") {
		t.Errorf("err = %v", err)
	}
}

func TestValidateMonitoringChoices(t *testing.T) {
	cfg := Default()
	cfg.Monitoring.Journal.Driver = "mysql"
	cfg.Monitoring.MetricsStore.Type = "s3"
	cfg.Tools = []ToolConfig{
		{ID: "x", Capabilities: []string{"search"}, Invoker: InvokerConfig{Type: "http"}},
		{ID: "y", Capabilities: []string{"search"}, Invoker: InvokerConfig{Type: "socket"}},
		{ID: "z", Capabilities: []string{"search"}, Invoker: InvokerConfig{Type: "socket", Command: []string{"./search-tool"}}},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "z: socket invoker") {
		t.Errorf("command-launched socket tool flagged: %v", err)
	}
	for _, want := range []string{"journal.driver", "metrics_store.type", "invoker type", "y: socket invoker needs an address"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestConversions(t *testing.T) {
	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	p := cfg.Policy()
	if p.WindowSize != 50 || p.UnavailableAfter != 5 || p.RecoverAfter != 2 || p.MinSamples != 10 {
		t.Errorf("Policy = %+v", p)
	}
	r := cfg.RetryPolicy()
	if r.MaxAttempts != 4 || r.Multiplier != 3 || r.Base != 50*time.Millisecond {
		t.Errorf("RetryPolicy = %+v", r)
	}
	opts := cfg.SelectorOptions()
	if opts.CapabilityWeights["recommend"].Capability != 0.6 || opts.FallbackCount != 1 {
		t.Errorf("SelectorOptions = %+v", opts)
	}
	b := cfg.Builder()
	if b.Strategy != workflow.FailFast || b.StepTimeout["sentiment"] != 8*time.Second {
		t.Errorf("Builder = %+v", b)
	}
	meta := cfg.Tools[0].Metadata()
	if meta.Timeout != 2*time.Second || meta.OutputSchema.Format != "restaurant-list/v1" || meta.HealthCheck.Type != "grpc" {
		t.Errorf("Metadata = %+v", meta)
	}
}
