// Package intent classifies free-text restaurant requests into an Intent
// using a fixed rule table and vocabulary-based slot extraction. Analysis is
// pure: no I/O, no shared mutable state.
package intent

import (
	"slices"
	"strings"
	"unicode"
)

// followUpConfidence is assigned when a request matches no rule but carries
// slots that refine the previous intent.
const followUpConfidence = 0.4

type Analyzer struct {
	rules []Rule
}

type Option func(*Analyzer)

// WithRules replaces the built-in rule table.
func WithRules(rules []Rule) Option {
	return func(a *Analyzer) { a.rules = slices.Clone(rules) }
}

func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{rules: defaultRules()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies text. It never fails: unmatched input yields an Unknown
// intent with zero confidence.
func (a *Analyzer) Analyze(text string, uc UserContext) Intent {
	norm := normalize(text)
	slots := extractSlots(text, norm)

	rule, matched, ok := a.match(norm, uc.Location != "")
	if !ok {
		prev, found := a.rule(uc.PreviousIntent)
		if !found || len(slots) == 0 {
			return Intent{typ: Unknown}
		}
		return a.build(prev, text, slots, uc, followUpConfidence, true)
	}
	return a.build(rule, text, slots, uc, float64(matched), false)
}

func (a *Analyzer) rule(t Type) (Rule, bool) {
	for _, r := range a.rules {
		if r.Type == t {
			return r, true
		}
	}
	return Rule{}, false
}

// match returns the best scoring rule and its distinct matched term count.
// located reports whether the caller's context supplies a location.
func (a *Analyzer) match(norm string, located bool) (Rule, int, bool) {
	padded := " " + norm + " "
	var best Rule
	bestScore := 0
	for _, r := range a.rules {
		score, ok := r.score(padded, located)
		if ok && score > bestScore {
			best, bestScore = r, score
		}
	}
	return best, bestScore, bestScore > 0
}

func (r Rule) score(padded string, located bool) (int, bool) {
	hits := make(map[string]bool)
	district, named := findDistrict(padded)
	if r.Locative && named {
		hits["district:"+district] = true
	}
	for _, group := range r.Groups {
		found := false
		if slices.Equal(group, placeGroup) {
			if named {
				hits["district:"+district] = true
			}
			found = named || located
		} else {
			for _, term := range group {
				if containsTerm(padded, term) {
					hits[term] = true
					found = true
				}
			}
		}
		if !found {
			return 0, false
		}
	}
	for _, term := range r.Any {
		if containsTerm(padded, term) {
			hits[term] = true
		}
	}
	return len(hits), true
}

func (a *Analyzer) build(r Rule, text string, slots map[string]string, uc UserContext, matched float64, followUp bool) Intent {
	params := map[string]string{ParamQuery: strings.TrimSpace(text)}
	for k, v := range slots {
		params[k] = v
	}
	if _, ok := params[ParamDistrict]; !ok && uc.Location != "" {
		params[ParamDistrict] = canonicalDistrict(uc.Location)
	}
	if _, ok := params[ParamPersonality]; !ok && uc.Personality != "" {
		if p := strings.ToLower(strings.TrimSpace(uc.Personality)); personalityRe.MatchString(p) && len(p) == 4 {
			params[ParamPersonality] = strings.ToUpper(p)
		}
	}

	var missing []string
	for _, s := range r.Slots {
		if params[s] == "" {
			missing = append(missing, s)
		}
	}

	confidence := followUpConfidence
	if !followUp {
		fill := 1.0
		if len(r.Slots) > 0 {
			fill = float64(len(r.Slots)-len(missing)) / float64(len(r.Slots))
		}
		confidence = 0.5*min(1, matched/2) + 0.5*fill
	}

	in := New(r.Type, confidence, params, r.Required, r.Optional, r.Flow)
	in.missing = missing
	return in
}

func extractSlots(raw, norm string) map[string]string {
	slots := make(map[string]string)
	padded := " " + norm + " "
	if d, ok := findDistrict(padded); ok {
		slots[ParamDistrict] = d
	}
	if m := mealRe.FindStringSubmatch(norm); m != nil {
		slots[ParamMealType] = m[1]
	}
	if m := personalityRe.FindStringSubmatch(norm); m != nil {
		slots[ParamPersonality] = strings.ToUpper(m[1])
	}
	for _, c := range cuisines {
		if containsTerm(padded, c) {
			slots[ParamCuisine] = c
			break
		}
	}
	if m := restaurantRe.FindStringSubmatch(strings.TrimSpace(raw)); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			slots[ParamRestaurant] = name
		}
	}
	return slots
}

// findDistrict returns the canonical district whose alias occurs earliest in
// padded text, preferring the longer alias at the same position.
func findDistrict(padded string) (string, bool) {
	best, bestAt, bestLen := "", -1, 0
	for name, aliases := range districts {
		for _, alias := range aliases {
			at := strings.Index(padded, " "+alias+" ")
			if at < 0 {
				continue
			}
			if bestAt < 0 || at < bestAt || (at == bestAt && len(alias) > bestLen) ||
				(at == bestAt && len(alias) == bestLen && name < best) {
				best, bestAt, bestLen = name, at, len(alias)
			}
		}
	}
	return best, bestAt >= 0
}

func canonicalDistrict(loc string) string {
	if d, ok := findDistrict(" " + normalize(loc) + " "); ok {
		return d
	}
	return strings.TrimSpace(loc)
}

func containsTerm(padded, term string) bool {
	return strings.Contains(padded, " "+term+" ")
}

// normalize lower-cases text, turns punctuation into spaces and collapses
// runs of whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if r == '\'' {
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
