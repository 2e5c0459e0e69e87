package workflow

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/opentalon/orchestra/internal/intent"
	"github.com/opentalon/orchestra/internal/selector"
)

func combinedSelection() []selector.SelectedTool {
	return []selector.SelectedTool{
		{Capability: intent.CapSearch, ToolID: "yelp", Fallbacks: []string{"google"}, Required: true},
		{Capability: intent.CapRecommend, ToolID: "mbti", Required: true},
	}
}

func TestBuildCombined(t *testing.T) {
	in := intent.NewAnalyzer().Analyze("Recommend a restaurant in Central for an INTJ", intent.UserContext{})
	b := NewBuilder()
	wf, err := b.Build("corr-1", in, combinedSelection())
	if err != nil {
		t.Fatal(err)
	}
	if wf.ID == "" || wf.CorrelationID != "corr-1" {
		t.Errorf("ids = %q %q", wf.ID, wf.CorrelationID)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("steps = %d", len(wf.Steps))
	}
	search, rec := wf.Steps[0], wf.Steps[1]
	if !search.Critical || rec.Critical {
		t.Errorf("critical flags search=%v recommend=%v", search.Critical, rec.Critical)
	}
	if !slices.Equal(search.Candidates(), []string{"yelp", "google"}) {
		t.Errorf("candidates = %v", search.Candidates())
	}
	if !slices.Equal(rec.DependsOn, []string{"search"}) {
		t.Errorf("DependsOn = %v", rec.DependsOn)
	}
	if in := rec.Inputs["candidates"]; in.FromOutput != search.OutputKey || !in.Required {
		t.Errorf("candidates input = %+v", in)
	}
	if wf.Params[intent.ParamDistrict] != "Central" {
		t.Errorf("params = %v", wf.Params)
	}
	if len(wf.Levels()) != 2 {
		t.Errorf("levels = %d, want 2", len(wf.Levels()))
	}
}

func TestBuildOptionalIsNonCritical(t *testing.T) {
	in := intent.New(intent.SearchByMealAndLocation, 1, nil,
		[]string{intent.CapSearch}, []string{intent.CapMealFilter}, nil)
	wf, err := NewBuilder().Build("c", in, []selector.SelectedTool{
		{Capability: intent.CapSearch, ToolID: "yelp", Required: true},
		{Capability: intent.CapMealFilter, ToolID: "meals"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if wf.Steps[1].Critical {
		t.Error("optional step should not be critical")
	}
}

func TestBuildUnknownCapabilityPassesParams(t *testing.T) {
	in := intent.New(intent.Recommend, 1, map[string]string{"mood": "happy"}, []string{"weather"}, nil, nil)
	wf, err := NewBuilder().Build("c", in, []selector.SelectedTool{{Capability: "weather", ToolID: "w", Required: true}})
	if err != nil {
		t.Fatal(err)
	}
	s := wf.Steps[0]
	if s.OutputKey != "weather.results" || s.Inputs["mood"].Param != "mood" {
		t.Errorf("step = %+v", s)
	}
}

func TestBuildStepTimeoutOverride(t *testing.T) {
	b := NewBuilder()
	b.StepTimeout = map[string]time.Duration{intent.CapSearch: time.Second}
	in := intent.New(intent.SearchByLocation, 1, nil, []string{intent.CapSearch}, nil, nil)
	wf, _ := b.Build("c", in, []selector.SelectedTool{{Capability: intent.CapSearch, ToolID: "yelp", Required: true}})
	if wf.Steps[0].Timeout != time.Second {
		t.Errorf("Timeout = %v", wf.Steps[0].Timeout)
	}
}

func TestBuildRejectsBadOrder(t *testing.T) {
	in := intent.New(intent.CombinedSearchAndRecommend, 1, nil,
		[]string{intent.CapRecommend, intent.CapSearch}, nil,
		[]intent.Edge{{From: intent.CapSearch, To: intent.CapRecommend}})
	_, err := NewBuilder().Build("c", in, []selector.SelectedTool{
		{Capability: intent.CapRecommend, ToolID: "mbti", Required: true},
		{Capability: intent.CapSearch, ToolID: "yelp", Required: true},
	})
	if err == nil || !strings.Contains(err.Error(), "depends on") {
		t.Errorf("err = %v", err)
	}
}

func TestBuildEmptySelection(t *testing.T) {
	if _, err := NewBuilder().Build("c", intent.Intent{}, nil); err == nil {
		t.Error("expected error")
	}
}

func TestBuildCombinedRoundTrip(t *testing.T) {
	in := intent.New(intent.CombinedSearchAndRecommend, 1,
		map[string]string{intent.ParamDistrict: "Central", intent.ParamMealType: "lunch"},
		[]string{intent.CapSearch, intent.CapRecommend}, nil,
		[]intent.Edge{{From: intent.CapSearch, To: intent.CapRecommend}})
	sel := []selector.SelectedTool{
		{Capability: intent.CapSearch, ToolID: "SearchTool", Required: true},
		{Capability: intent.CapRecommend, ToolID: "RecommendTool", Required: true},
	}

	wf, err := NewBuilder().Build("c", in, sel)
	if err != nil {
		t.Fatal(err)
	}
	if len(wf.Steps) != 2 || wf.Steps[0].Capability != intent.CapSearch || wf.Steps[1].Capability != intent.CapRecommend {
		t.Fatalf("steps = %+v", wf.Steps)
	}
	ref := wf.Steps[1].Inputs["candidates"].FromOutput
	if ref == "" || ref != wf.Steps[0].OutputKey {
		t.Errorf("recommend input references %q, search output key is %q", ref, wf.Steps[0].OutputKey)
	}
}
