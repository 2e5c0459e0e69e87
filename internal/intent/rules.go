package intent

import "regexp"

// Rule describes one intent type. A rule matches when every group in Groups
// has at least one hit; its score is the number of distinct terms matched
// across Groups and Any, plus one when Locative is set and the text names a
// district. Rules are tried in declaration order, which is also the
// tie-break priority.
type Rule struct {
	Type     Type
	Groups   [][]string
	Any      []string
	Locative bool
	Slots    []string // required slots
	Required []string
	Optional []string
	Flow     []Edge
}

// placeGroup is a placeholder group satisfied by a district named in the
// text (which scores) or by UserContext.Location (which does not).
var placeGroup = []string{"$place"}

var (
	searchTerms = []string{
		"restaurant", "restaurants", "find", "search", "eat", "food",
		"place", "places", "where", "near", "around", "show me",
	}
	mealTerms = []string{
		"breakfast", "brunch", "lunch", "dinner", "supper",
		"afternoon tea", "dim sum", "late night",
	}
	recommendTerms = []string{
		"recommend", "recommendation", "recommendations", "suggest",
		"suggestion", "suggestions", "what should", "should i", "best for me",
	}
	personalityTerms = []string{"personality", "mbti", "for me", "my type"}
	sentimentTerms   = []string{
		"review", "reviews", "sentiment", "opinion", "opinions",
		"feedback", "think of", "think about", "say about",
	}
)

func defaultRules() []Rule {
	return []Rule{
		{
			Type:     CombinedSearchAndRecommend,
			Groups:   [][]string{recommendTerms, placeGroup},
			Any:      append(append([]string{}, searchTerms...), personalityTerms...),
			Slots:    []string{ParamDistrict, ParamPersonality},
			Required: []string{CapSearch, CapRecommend},
			Flow:     []Edge{{From: CapSearch, To: CapRecommend}},
		},
		{
			Type:     SearchByMealAndLocation,
			Groups:   [][]string{mealTerms},
			Any:      searchTerms,
			Locative: true,
			Slots:    []string{ParamDistrict, ParamMealType},
			Required: []string{CapSearch},
			Optional: []string{CapMealFilter},
		},
		{
			Type:     SearchByLocation,
			Groups:   [][]string{searchTerms},
			Locative: true,
			Slots:    []string{ParamDistrict},
			Required: []string{CapSearch},
		},
		{
			Type:     AnalyzeSentiment,
			Groups:   [][]string{sentimentTerms},
			Any:      []string{"people", "customers", "restaurant"},
			Slots:    []string{ParamRestaurant},
			Required: []string{CapSentiment},
		},
		{
			Type:     Recommend,
			Groups:   [][]string{recommendTerms},
			Any:      personalityTerms,
			Slots:    []string{ParamPersonality},
			Required: []string{CapRecommend},
		},
	}
}

// districts maps canonical Hong Kong district names to their aliases as they
// appear in normalised text.
var districts = map[string][]string{
	"Central":        {"central"},
	"Sheung Wan":     {"sheung wan"},
	"Admiralty":      {"admiralty"},
	"Wan Chai":       {"wan chai", "wanchai"},
	"Causeway Bay":   {"causeway bay", "cwb"},
	"Happy Valley":   {"happy valley"},
	"North Point":    {"north point"},
	"Quarry Bay":     {"quarry bay"},
	"Tai Koo":        {"tai koo", "taikoo"},
	"Kennedy Town":   {"kennedy town"},
	"Sai Ying Pun":   {"sai ying pun"},
	"Soho":           {"soho"},
	"Lan Kwai Fong":  {"lan kwai fong", "lkf"},
	"Stanley":        {"stanley"},
	"Aberdeen":       {"aberdeen"},
	"Tsim Sha Tsui":  {"tsim sha tsui", "tst"},
	"Jordan":         {"jordan"},
	"Yau Ma Tei":     {"yau ma tei"},
	"Mong Kok":       {"mong kok", "mongkok"},
	"Sham Shui Po":   {"sham shui po"},
	"Kowloon City":   {"kowloon city"},
	"Kowloon Tong":   {"kowloon tong"},
	"Hung Hom":       {"hung hom"},
	"Sai Kung":       {"sai kung"},
	"Sha Tin":        {"sha tin", "shatin"},
	"Tsuen Wan":      {"tsuen wan"},
	"Tung Chung":     {"tung chung"},
}

var cuisines = []string{
	"cantonese", "chinese", "sichuan", "shanghainese", "japanese", "korean",
	"thai", "vietnamese", "indian", "italian", "french", "spanish",
	"american", "mexican", "vegetarian", "vegan", "seafood",
}

var (
	mealRe        = regexp.MustCompile(`\b(breakfast|brunch|lunch|dinner|supper|afternoon tea|dim sum|late night)\b`)
	personalityRe = regexp.MustCompile(`\b([ei][ns][ft][jp])\b`)
	restaurantRe  = regexp.MustCompile(`(?i)\b(?:reviews?\s+(?:of|for|about)|think\s+(?:of|about)|say\s+about)\s+(.+?)[\s?.!]*$`)
)
