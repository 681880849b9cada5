package query

import (
	"sort"
	"strings"

	"github.com/lazypower/atlas/internal/store"
)

// Intent is a retrieval query's classified purpose.
type Intent string

const (
	IntentWhy         Intent = "why"
	IntentHowDoes     Intent = "how_does"
	IntentWhen        Intent = "when"
	IntentWhoIs       Intent = "who_is"
	IntentWhat        Intent = "what"
	IntentRelated     Intent = "related"
	IntentPersonalize Intent = "personalize"
	IntentGeneral     Intent = "general"
)

// intentPriority is the fixed tie-break order over intent categories.
// Equal-confidence intents are ranked by this order, never by insertion
// order, so classification is deterministic.
var intentPriority = []Intent{
	IntentWhy,
	IntentHowDoes,
	IntentWhen,
	IntentWhoIs,
	IntentWhat,
	IntentRelated,
	IntentPersonalize,
	IntentGeneral,
}

var intentRank = func() map[Intent]int {
	m := make(map[Intent]int, len(intentPriority))
	for i, in := range intentPriority {
		m[in] = i
	}
	return m
}()

// intentCues maps each intent to the phrases that signal it. A cue hit
// contributes its weight to the intent's confidence.
var intentCues = map[Intent][]cue{
	IntentWhy: {
		{"why", 1.0}, {"because", 0.7}, {"cause", 0.8}, {"caused", 0.9}, {"reason", 0.8},
	},
	IntentHowDoes: {
		{"how does", 1.0}, {"how did", 1.0}, {"how do", 0.9}, {"how", 0.5}, {"workflow", 0.6}, {"steps", 0.5},
	},
	IntentWhen: {
		{"when", 1.0}, {"what time", 0.9}, {"before", 0.5}, {"after", 0.5}, {"timeline", 0.8},
	},
	IntentWhoIs: {
		{"who is", 1.0}, {"who was", 1.0}, {"who", 0.6}, {"whose", 0.6},
	},
	IntentWhat: {
		{"what happened", 1.0}, {"what is", 0.8}, {"what", 0.5}, {"which", 0.4},
	},
	IntentRelated: {
		{"related", 1.0}, {"similar", 0.9}, {"like this", 0.7}, {"connected", 0.8}, {"linked", 0.7},
	},
	IntentPersonalize: {
		{"prefer", 1.0}, {"preference", 1.0}, {"my ", 0.6}, {"i like", 0.9}, {"usually", 0.6}, {"habit", 0.8},
	},
}

type cue struct {
	phrase string
	weight float64
}

// InferredIntent is one classified intent with its confidence.
type InferredIntent struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// ClassifyIntent matches the query text against the eight intent
// categories. Multiple intents may match with independent confidences;
// the result is sorted by confidence descending with ties broken by
// the fixed priority order. An empty or unmatched query classifies as
// general with confidence 1.
func ClassifyIntent(text string) []InferredIntent {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return []InferredIntent{{Intent: IntentGeneral, Confidence: 1}}
	}

	var out []InferredIntent
	for _, in := range intentPriority {
		best := 0.0
		for _, c := range intentCues[in] {
			if strings.Contains(text, c.phrase) && c.weight > best {
				best = c.weight
			}
		}
		if best > 0 {
			out = append(out, InferredIntent{Intent: in, Confidence: best})
		}
	}
	if len(out) == 0 {
		return []InferredIntent{{Intent: IntentGeneral, Confidence: 0.5}}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return intentRank[out[i].Intent] < intentRank[out[j].Intent]
	})
	return out
}

// edgeWeights gives each intent its preferred edge types during
// traversal. Weight zero means the edge is not followed for that
// intent.
var edgeWeights = map[Intent]map[store.EdgeType]float64{
	IntentWhy: {
		store.EdgeCausedBy: 1.0, store.EdgeDerivedFrom: 0.8, store.EdgeLeadsTo: 0.6, store.EdgeFollows: 0.2,
	},
	IntentHowDoes: {
		store.EdgePartOf: 1.0, store.EdgeFollows: 0.8, store.EdgeHasSkill: 0.6, store.EdgeCausedBy: 0.5,
	},
	IntentWhen: {
		store.EdgeFollows: 1.0, store.EdgeCausedBy: 0.4, store.EdgeOccurredIn: 0.6,
	},
	IntentWhoIs: {
		store.EdgePerformedBy: 1.0, store.EdgeAbout: 0.8, store.EdgeHasSkill: 0.6, store.EdgeInstanceOf: 0.4,
	},
	IntentWhat: {
		store.EdgeAbout: 1.0, store.EdgeReferences: 0.8, store.EdgeFollows: 0.5, store.EdgeSummarizes: 0.6,
	},
	IntentRelated: {
		store.EdgeSimilarTo: 1.0, store.EdgeObservedWith: 0.8, store.EdgeReferences: 0.6, store.EdgeAbout: 0.5,
	},
	IntentPersonalize: {
		store.EdgePrefers: 1.0, store.EdgeExhibits: 0.9, store.EdgeHasSkill: 0.6, store.EdgeDerivedFrom: 0.3,
	},
	IntentGeneral: {
		store.EdgeFollows: 0.8, store.EdgeCausedBy: 0.8, store.EdgeAbout: 0.6, store.EdgeDerivedFrom: 0.5,
		store.EdgePerformedBy: 0.4, store.EdgePrefers: 0.3,
	},
}

// combinedEdgeWeight blends per-intent edge weights by classification
// confidence.
func combinedEdgeWeight(intents []InferredIntent, t store.EdgeType) float64 {
	total := 0.0
	for _, in := range intents {
		total += in.Confidence * edgeWeights[in.Intent][t]
	}
	return total
}
