// Package selector picks a primary tool and ordered fallbacks for every
// capability an intent needs.
package selector

import (
	"slices"

	"github.com/rs/zerolog"

	"github.com/opentalon/orchestra/internal/intent"
	"github.com/opentalon/orchestra/internal/monitor"
	"github.com/opentalon/orchestra/internal/registry"
)

// Catalog is the read side of the tool registry.
type Catalog interface {
	Find(capability string) []registry.ToolMetadata
	Get(id string) (registry.ToolMetadata, error)
}

// Ranker orders candidate tools.
type Ranker interface {
	Rank(ids []string, c monitor.Criteria) []monitor.Ranked
}

type SelectedTool struct {
	Capability string
	ToolID     string
	// Confidence is the primary's ranking score.
	Confidence float64
	Fallbacks  []string
	Required   bool
	// DegradedSelection is set when the primary is Unavailable and was
	// chosen only because nothing else exists.
	DegradedSelection bool
}

// Candidates returns the primary followed by its fallbacks.
func (s SelectedTool) Candidates() []string {
	return append([]string{s.ToolID}, s.Fallbacks...)
}

type Options struct {
	Weights monitor.Weights
	// CapabilityWeights overrides Weights for specific capabilities.
	CapabilityWeights map[string]monitor.Weights
	FallbackCount     int
	// Pins forces a tool per capability. UserContext pins take precedence.
	Pins map[string]string
}

func DefaultOptions() Options {
	return Options{Weights: monitor.DefaultWeights(), FallbackCount: 2}
}

type Selector struct {
	catalog Catalog
	ranker  Ranker
	opts    Options
	logger  zerolog.Logger
}

func New(catalog Catalog, ranker Ranker, opts Options, logger zerolog.Logger) *Selector {
	return &Selector{
		catalog: catalog,
		ranker:  ranker,
		opts:    opts,
		logger:  logger.With().Str("component", "selector").Logger(),
	}
}

// Select returns one SelectedTool per required capability, in order,
// followed by one per optional capability that some tool provides.
func (s *Selector) Select(in intent.Intent, uc intent.UserContext) ([]SelectedTool, error) {
	// Tools that cover more of the request score higher on the capability term.
	wanted := append(in.RequiredCapabilities(), in.OptionalCapabilities()...)
	var out []SelectedTool
	for _, capability := range in.RequiredCapabilities() {
		sel, ok := s.selectOne(capability, wanted, uc)
		if !ok {
			return nil, &NoCapableToolError{Capability: capability}
		}
		sel.Required = true
		out = append(out, sel)
	}
	for _, capability := range in.OptionalCapabilities() {
		sel, ok := s.selectOne(capability, wanted, uc)
		if !ok {
			s.logger.Debug().Str("capability", capability).Msg("optional capability has no provider, skipping")
			continue
		}
		out = append(out, sel)
	}
	if err := s.checkFlow(in.Flow(), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Selector) selectOne(capability string, wanted []string, uc intent.UserContext) (SelectedTool, bool) {
	tools := s.catalog.Find(capability)
	if len(tools) == 0 {
		return SelectedTool{}, false
	}
	ids := make([]string, len(tools))
	for i, t := range tools {
		ids[i] = t.ID
	}

	ranked := s.ranker.Rank(ids, monitor.Criteria{
		Weights:      s.weights(capability),
		Capabilities: wanted,
	})

	// A pin reorders the ranking; it never brings back a tool the ranking
	// left out for being Unavailable.
	if pin, ok := s.pin(capability, uc); ok {
		if i := slices.IndexFunc(ranked, func(r monitor.Ranked) bool { return r.ToolID == pin }); i >= 0 {
			pinned := ranked[i]
			ranked = append([]monitor.Ranked{pinned}, slices.Delete(ranked, i, i+1)...)
		} else {
			s.logger.Warn().Str("capability", capability).Str("tool", pin).Msg("ignoring pin to unavailable tool")
		}
	}
	if len(ranked) == 0 {
		return SelectedTool{}, false
	}

	sel := SelectedTool{
		Capability:        capability,
		ToolID:            ranked[0].ToolID,
		Confidence:        ranked[0].Score,
		DegradedSelection: ranked[0].DegradedSelection,
	}
	for _, r := range ranked[1:] {
		if len(sel.Fallbacks) >= s.opts.FallbackCount {
			break
		}
		sel.Fallbacks = append(sel.Fallbacks, r.ToolID)
	}
	return sel, true
}

// pin resolves a forced tool for capability. Pins naming unknown tools or
// tools without the capability are ignored.
func (s *Selector) pin(capability string, uc intent.UserContext) (string, bool) {
	id, ok := uc.PinnedTools[capability]
	if !ok {
		id, ok = s.opts.Pins[capability]
	}
	if !ok || id == "" {
		return "", false
	}
	meta, err := s.catalog.Get(id)
	if err != nil || !meta.HasCapability(capability) {
		s.logger.Warn().Str("capability", capability).Str("tool", id).Msg("ignoring pin")
		return "", false
	}
	return id, true
}

func (s *Selector) weights(capability string) monitor.Weights {
	if w, ok := s.opts.CapabilityWeights[capability]; ok {
		return w
	}
	return s.opts.Weights
}

// checkFlow verifies every producer -> consumer edge. Every selected
// producer candidate must emit the same format, and the consumer's primary
// must accept it. Edges touching an unselected capability are skipped.
func (s *Selector) checkFlow(flow []intent.Edge, selected []SelectedTool) error {
	byCap := make(map[string]SelectedTool, len(selected))
	for _, sel := range selected {
		byCap[sel.Capability] = sel
	}
	for _, edge := range flow {
		producer, ok := byCap[edge.From]
		if !ok {
			continue
		}
		consumer, ok := byCap[edge.To]
		if !ok {
			continue
		}

		format := ""
		for _, id := range producer.Candidates() {
			meta, err := s.catalog.Get(id)
			if err != nil {
				return &IncompatibleToolChainError{Producer: edge.From, Consumer: edge.To,
					Tools: []string{id}, Reason: err.Error()}
			}
			f := meta.OutputSchema.Format
			if f == "" {
				continue
			}
			if format != "" && f != format {
				return &IncompatibleToolChainError{Producer: edge.From, Consumer: edge.To,
					Tools: producer.Candidates(), Reason: "producers disagree on output format " + format + " vs " + f}
			}
			format = f
		}

		meta, err := s.catalog.Get(consumer.ToolID)
		if err != nil {
			return &IncompatibleToolChainError{Producer: edge.From, Consumer: edge.To,
				Tools: []string{consumer.ToolID}, Reason: err.Error()}
		}
		if !meta.InputSchema.AcceptsFormat(format) {
			return &IncompatibleToolChainError{Producer: edge.From, Consumer: edge.To,
				Tools: []string{consumer.ToolID}, Reason: "consumer does not accept " + format}
		}
	}
	return nil
}
