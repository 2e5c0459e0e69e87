package intent

import (
	"maps"
	"slices"
)

type Type string

const (
	SearchByLocation           Type = "search_by_location"
	SearchByMealAndLocation    Type = "search_by_meal_and_location"
	Recommend                  Type = "recommend"
	CombinedSearchAndRecommend Type = "combined_search_and_recommend"
	AnalyzeSentiment           Type = "analyze_sentiment"
	Unknown                    Type = "unknown"
)

// Capability tags understood by the built-in rules.
const (
	CapSearch     = "search"
	CapRecommend  = "recommend"
	CapSentiment  = "sentiment"
	CapMealFilter = "meal_filter"
)

// Parameter names produced by the slot extractors.
const (
	ParamQuery       = "query"
	ParamDistrict    = "district"
	ParamMealType    = "mealType"
	ParamPersonality = "personality"
	ParamCuisine     = "cuisine"
	ParamRestaurant  = "restaurant"
)

// Edge says the output of the From capability feeds the To capability.
type Edge struct {
	From string
	To   string
}

// UserContext carries caller-side defaults and session state.
type UserContext struct {
	UserID         string
	SessionID      string
	Location       string
	Personality    string
	Locale         string
	PreviousIntent Type
	// PinnedTools forces a tool id per capability for this request.
	PinnedTools map[string]string
}

// Intent is the classified request. It is immutable: accessors return copies.
type Intent struct {
	typ        Type
	confidence float64
	params     map[string]string
	required   []string
	optional   []string
	flow       []Edge
	missing    []string
}

// New builds an Intent from parts. The analyzer uses it and so can callers
// that already know what they want.
func New(typ Type, confidence float64, params map[string]string, required, optional []string, flow []Edge) Intent {
	return Intent{
		typ:        typ,
		confidence: clamp(confidence),
		params:     maps.Clone(params),
		required:   slices.Clone(required),
		optional:   slices.Clone(optional),
		flow:       slices.Clone(flow),
	}
}

func (i Intent) Type() Type          { return i.typ }
func (i Intent) Confidence() float64 { return i.confidence }

func (i Intent) Parameters() map[string]string {
	if i.params == nil {
		return map[string]string{}
	}
	return maps.Clone(i.params)
}

// Param returns a single parameter and whether it was set.
func (i Intent) Param(name string) (string, bool) {
	v, ok := i.params[name]
	return v, ok
}

func (i Intent) RequiredCapabilities() []string { return slices.Clone(i.required) }
func (i Intent) OptionalCapabilities() []string { return slices.Clone(i.optional) }
func (i Intent) Flow() []Edge                   { return slices.Clone(i.flow) }

// MissingSlots lists required slots the request did not fill.
func (i Intent) MissingSlots() []string { return slices.Clone(i.missing) }

func (i Intent) IsUnknown() bool { return i.typ == Unknown || i.typ == "" }

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
