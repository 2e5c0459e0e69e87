package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/orchestra/internal/intent"
	"github.com/opentalon/orchestra/internal/selector"
)

// Template maps intent parameters and upstream outputs onto a capability's
// inputs.
type Template struct {
	Inputs    map[string]Input
	OutputKey string
	// Consumes names the field that receives an upstream step's output
	// when the intent's flow feeds this capability.
	Consumes string
}

// DefaultTemplates covers the built-in capabilities.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		intent.CapSearch: {
			Inputs: map[string]Input{
				"district": {Param: intent.ParamDistrict, Required: true},
				"mealType": {Param: intent.ParamMealType},
				"cuisine":  {Param: intent.ParamCuisine},
				"query":    {Param: intent.ParamQuery},
			},
			OutputKey: "search.results",
		},
		intent.CapMealFilter: {
			Inputs: map[string]Input{
				"mealType": {Param: intent.ParamMealType, Required: true},
				"district": {Param: intent.ParamDistrict},
			},
			OutputKey: "meal_filter.results",
		},
		intent.CapRecommend: {
			Inputs: map[string]Input{
				"personality": {Param: intent.ParamPersonality, Required: true},
				"district":    {Param: intent.ParamDistrict},
				"cuisine":     {Param: intent.ParamCuisine},
			},
			OutputKey: "recommend.results",
			Consumes:  "candidates",
		},
		intent.CapSentiment: {
			Inputs: map[string]Input{
				"restaurant": {Param: intent.ParamRestaurant, Required: true},
			},
			OutputKey: "sentiment.results",
		},
	}
}

type Builder struct {
	Templates   map[string]Template
	Retry       RetryPolicy
	// StepTimeout overrides the call timeout per capability.
	StepTimeout map[string]time.Duration
	NonCritical []string
	Strategy    Strategy
}

func NewBuilder() *Builder {
	return &Builder{
		Templates:   DefaultTemplates(),
		Retry:       DefaultRetryPolicy(),
		NonCritical: []string{intent.CapRecommend, intent.CapSentiment},
		Strategy:    BestEffort,
	}
}

// Build produces one step per selection. A flow edge makes the consumer
// depend on the producer and feeds the producer's output into the
// consumer's Consumes field as a required input.
func (b *Builder) Build(correlationID string, in intent.Intent, selected []selector.SelectedTool) (*Workflow, error) {
	if len(selected) == 0 {
		return nil, fmt.Errorf("build workflow: no tools selected")
	}
	wf := &Workflow{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Intent:        in.Type(),
		Params:        in.Parameters(),
		Strategy:      b.Strategy,
	}

	present := make(map[string]bool, len(selected))
	for _, sel := range selected {
		present[sel.Capability] = true
	}

	for _, sel := range selected {
		tpl, ok := b.Templates[sel.Capability]
		if !ok {
			tpl = passthroughTemplate(sel.Capability, in)
		}
		step := Step{
			ID:         sel.Capability,
			Capability: sel.Capability,
			ToolID:     sel.ToolID,
			Fallbacks:  slices.Clone(sel.Fallbacks),
			Inputs:     make(map[string]Input, len(tpl.Inputs)+1),
			OutputKey:  tpl.OutputKey,
			Retry:      b.Retry,
			Critical:   sel.Required && !slices.Contains(b.NonCritical, sel.Capability),
		}
		if d, ok := b.StepTimeout[sel.Capability]; ok {
			step.Timeout = d
		}
		for name, input := range tpl.Inputs {
			step.Inputs[name] = input
		}
		for _, edge := range in.Flow() {
			if edge.To != sel.Capability || !present[edge.From] {
				continue
			}
			field := tpl.Consumes
			if field == "" {
				field = edge.From
			}
			step.Inputs[field] = Input{FromOutput: b.outputKey(edge.From, in), Required: true}
			step.DependsOn = append(step.DependsOn, edge.From)
		}
		wf.Steps = append(wf.Steps, step)
	}

	if err := checkOrder(wf.Steps); err != nil {
		return nil, err
	}
	return wf, nil
}

func (b *Builder) outputKey(capability string, in intent.Intent) string {
	if tpl, ok := b.Templates[capability]; ok {
		return tpl.OutputKey
	}
	return passthroughTemplate(capability, in).OutputKey
}

// passthroughTemplate forwards every intent parameter to capabilities
// without a dedicated template.
func passthroughTemplate(capability string, in intent.Intent) Template {
	tpl := Template{Inputs: make(map[string]Input), OutputKey: capability + ".results"}
	for name := range in.Parameters() {
		tpl.Inputs[name] = Input{Param: name}
	}
	return tpl
}

// checkOrder rejects plans where a step depends on one declared after it.
func checkOrder(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("build workflow: step %s depends on %s which is not declared before it", s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	return nil
}
