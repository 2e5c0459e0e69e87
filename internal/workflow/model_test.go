package workflow

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 100 * time.Millisecond, Multiplier: 2, Cap: 500 * time.Millisecond}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetryDelayUncapped(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Multiplier: 3}
	if got := p.Delay(3); got != 9*time.Second {
		t.Errorf("Delay(3) = %v, want 9s", got)
	}
}

func TestRetryDelayProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay never exceeds the cap", prop.ForAll(
		func(base, capMs int64, mult float64, n int) bool {
			p := RetryPolicy{Base: time.Duration(base) * time.Millisecond, Multiplier: mult, Cap: time.Duration(capMs) * time.Millisecond}
			return p.Delay(n) <= p.Cap
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 10000),
		gen.Float64Range(1, 4),
		gen.IntRange(1, 40),
	))

	properties.Property("delay is non-decreasing in n", prop.ForAll(
		func(base, capMs int64, mult float64, n int) bool {
			p := RetryPolicy{Base: time.Duration(base) * time.Millisecond, Multiplier: mult, Cap: time.Duration(capMs) * time.Millisecond}
			return p.Delay(n) <= p.Delay(n+1)
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 10000),
		gen.Float64Range(1, 4),
		gen.IntRange(1, 40),
	))

	properties.Property("first delay is min(base, cap)", prop.ForAll(
		func(base, capMs int64) bool {
			p := RetryPolicy{Base: time.Duration(base) * time.Millisecond, Multiplier: 2, Cap: time.Duration(capMs) * time.Millisecond}
			return p.Delay(1) == min(p.Base, p.Cap)
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}

func TestLevels(t *testing.T) {
	wf := &Workflow{Steps: []Step{
		{ID: "search"},
		{ID: "sentiment"},
		{ID: "recommend", DependsOn: []string{"search"}},
		{ID: "summary", DependsOn: []string{"recommend", "sentiment"}},
	}}
	levels := wf.Levels()
	want := [][]string{{"search", "sentiment"}, {"recommend"}, {"summary"}}
	if len(levels) != len(want) {
		t.Fatalf("levels = %d, want %d", len(levels), len(want))
	}
	for i, lvl := range levels {
		if len(lvl) != len(want[i]) {
			t.Fatalf("level %d = %v", i, lvl)
		}
		for j, s := range lvl {
			if s.ID != want[i][j] {
				t.Errorf("level %d[%d] = %s, want %s", i, j, s.ID, want[i][j])
			}
		}
	}
}

func TestStrategyValid(t *testing.T) {
	if !FailFast.Valid() || !BestEffort.Valid() || Strategy("yolo").Valid() {
		t.Error("unexpected strategy validity")
	}
}
