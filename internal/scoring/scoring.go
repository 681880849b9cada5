// Package scoring computes decayed relevance scores for graph nodes.
// Every function is pure: the clock is always an explicit parameter,
// so identical inputs yield identical scores no matter when they run.
package scoring

import (
	"math"
	"time"

	"github.com/lazypower/atlas/internal/store"
)

// Weights are the caller-supplied factor weights. If all four are zero
// the composite is defined as zero.
type Weights struct {
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Relevance  float64 `json:"relevance"`
	Affinity   float64 `json:"affinity"`
}

// DefaultWeights favors recency and relevance, the usual retrieval mix.
func DefaultWeights() Weights {
	return Weights{Recency: 0.35, Importance: 0.2, Relevance: 0.35, Affinity: 0.1}
}

// Composite is the per-node score breakdown. All values are in [0,1].
type Composite struct {
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Relevance  float64 `json:"relevance"`
	Affinity   float64 `json:"affinity"`
	Composite  float64 `json:"composite"`
}

// Inputs is everything the scorer needs about one node and one query.
type Inputs struct {
	Node      *store.GraphNode
	QueryText string
	// AffinityKeys are node refs associated with the active user
	// profile; a node in (or edged to) this set scores affinity 1.
	AffinityKeys map[string]bool
	// HalfLife is the base recency half-life. Importance stretches it:
	// an importance-10 node decays at half the rate of an importance-1
	// node.
	HalfLife time.Duration
}

// Score combines the four factors into a weighted average.
func Score(in Inputs, now time.Time, w Weights) Composite {
	c := Composite{
		Recency:    recency(in.Node, now, in.HalfLife),
		Importance: normalizeImportance(in.Node.Importance),
		Relevance:  Similarity(in.QueryText, in.Node.Content),
		Affinity:   affinity(in.Node, in.AffinityKeys),
	}

	total := w.Recency + w.Importance + w.Relevance + w.Affinity
	if total <= 0 {
		return c
	}
	c.Composite = (w.Recency*c.Recency + w.Importance*c.Importance +
		w.Relevance*c.Relevance + w.Affinity*c.Affinity) / total
	return c
}

// recency is exp(-ln2 * age / effectiveHalfLife). The effective
// half-life grows with importance, so important memories decay slower.
func recency(n *store.GraphNode, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = 90 * 24 * time.Hour
	}
	ref := n.LastEventAt
	if ref == 0 {
		ref = n.Provenance.OccurredAt
	}
	if ref == 0 {
		return 0
	}
	age := float64(now.UnixMilli() - ref)
	if age <= 0 {
		return 1
	}
	effective := float64(halfLife.Milliseconds()) * (1 + normalizeImportance(n.Importance))
	return math.Exp(-math.Ln2 * age / effective)
}

// normalizeImportance maps the 1-10 hint onto [0,1].
func normalizeImportance(importance int) float64 {
	if importance <= 1 {
		return 0
	}
	if importance >= 10 {
		return 1
	}
	return float64(importance-1) / 9
}

func affinity(n *store.GraphNode, keys map[string]bool) float64 {
	if len(keys) == 0 {
		return 0
	}
	if keys[n.Ref()] {
		return 1
	}
	return 0
}

// Similarity is the lexical relevance factor: Jaccard overlap of
// character bigrams, monotonic in match strength. Returns 1 for exact
// matches and 0 when either side is empty.
func Similarity(query, content string) float64 {
	if query == "" || content == "" {
		return 0
	}
	if query == content {
		return 1
	}
	a := bigrams(normalize(query))
	b := bigrams(normalize(content))
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for bg := range a {
		if b[bg] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 1
	}
	return float64(shared) / float64(union)
}

func normalize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func bigrams(s string) map[string]bool {
	if len(s) < 2 {
		return nil
	}
	m := make(map[string]bool, len(s)-1)
	for i := 0; i < len(s)-1; i++ {
		m[s[i:i+2]] = true
	}
	return m
}
