package scoring

import (
	"testing"
	"time"

	"github.com/lazypower/atlas/internal/store"
)

func node(importance int, lastEventAt int64, content string) *store.GraphNode {
	return &store.GraphNode{
		Type:        store.NodeEvent,
		Key:         "n1",
		Content:     content,
		Importance:  importance,
		LastEventAt: lastEventAt,
	}
}

func TestScoreIsPure(t *testing.T) {
	now := time.UnixMilli(100 * 24 * 3600 * 1000)
	in := Inputs{
		Node:      node(7, 10*24*3600*1000, "deployment pipeline failed"),
		QueryText: "why did the deployment fail",
		HalfLife:  90 * 24 * time.Hour,
	}
	a := Score(in, now, DefaultWeights())
	b := Score(in, now, DefaultWeights())
	if a != b {
		t.Errorf("same inputs scored differently: %+v vs %+v", a, b)
	}
}

func TestRecencyDecreasesWithAge(t *testing.T) {
	n := node(5, 1_000_000, "x")
	in := Inputs{Node: n, HalfLife: time.Hour}

	prev := 2.0
	for _, age := range []time.Duration{0, time.Minute, time.Hour, 24 * time.Hour} {
		now := time.UnixMilli(1_000_000).Add(age)
		c := Score(in, now, DefaultWeights())
		if c.Recency < 0 || c.Recency > 1 {
			t.Fatalf("recency %v out of range at age %v", c.Recency, age)
		}
		if c.Recency >= prev {
			t.Errorf("recency did not decrease: %v at age %v, previous %v", c.Recency, age, prev)
		}
		prev = c.Recency
	}
}

func TestRecencyHalvesAtHalfLife(t *testing.T) {
	// Importance 1 means no half-life stretch.
	n := node(1, 0, "x")
	n.LastEventAt = 1_000_000
	now := time.UnixMilli(1_000_000).Add(time.Hour)
	c := Score(Inputs{Node: n, HalfLife: time.Hour}, now, DefaultWeights())
	if c.Recency < 0.499 || c.Recency > 0.501 {
		t.Errorf("recency at one half-life = %v, want ~0.5", c.Recency)
	}
}

func TestImportanceSlowsDecay(t *testing.T) {
	now := time.UnixMilli(1_000_000).Add(48 * time.Hour)
	low := Score(Inputs{Node: node(1, 1_000_000, "x"), HalfLife: time.Hour}, now, DefaultWeights())
	high := Score(Inputs{Node: node(10, 1_000_000, "x"), HalfLife: time.Hour}, now, DefaultWeights())
	if high.Recency <= low.Recency {
		t.Errorf("importance 10 recency %v not above importance 1 recency %v", high.Recency, low.Recency)
	}
}

func TestZeroWeightsYieldZeroComposite(t *testing.T) {
	now := time.UnixMilli(2_000_000)
	c := Score(Inputs{
		Node:      node(10, 1_999_000, "deployment"),
		QueryText: "deployment",
		HalfLife:  time.Hour,
	}, now, Weights{})
	if c.Composite != 0 {
		t.Errorf("composite = %v with all-zero weights, want 0", c.Composite)
	}
	// Factors are still reported for explainability.
	if c.Relevance != 1 {
		t.Errorf("relevance = %v, want 1 for exact match", c.Relevance)
	}
}

func TestCompositeRespectsWeights(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	in := Inputs{Node: node(10, 1_000_000, "alpha"), QueryText: "zzz", HalfLife: time.Hour}

	// Only importance weighted: importance 10 normalizes to 1.
	c := Score(in, now, Weights{Importance: 1})
	if c.Composite != 1 {
		t.Errorf("importance-only composite = %v, want 1", c.Composite)
	}
	// Only relevance weighted: disjoint texts score 0.
	c = Score(in, now, Weights{Relevance: 1})
	if c.Composite != 0 {
		t.Errorf("relevance-only composite = %v, want 0", c.Composite)
	}
}

func TestAffinity(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	n := node(5, 1_000_000, "x")
	keys := map[string]bool{n.Ref(): true}

	with := Score(Inputs{Node: n, AffinityKeys: keys, HalfLife: time.Hour}, now, DefaultWeights())
	without := Score(Inputs{Node: n, HalfLife: time.Hour}, now, DefaultWeights())
	if with.Affinity != 1 {
		t.Errorf("affinity = %v for profile-linked node, want 1", with.Affinity)
	}
	if without.Affinity != 0 {
		t.Errorf("affinity = %v with no profile, want 0", without.Affinity)
	}
	if with.Composite <= without.Composite {
		t.Error("profile affinity did not raise the composite")
	}
}

func TestSimilarity(t *testing.T) {
	cases := []struct {
		query, content string
		min, max       float64
	}{
		{"", "anything", 0, 0},
		{"anything", "", 0, 0},
		{"deploy", "deploy", 1, 1},
		{"Deploy", "dePLOY", 1, 1},
		{"deployment failed", "the deployment failed on staging", 0.4, 1},
		{"deployment", "quokka", 0, 0},
		{"a", "ab", 0, 0},
	}
	for _, c := range cases {
		got := Similarity(c.query, c.content)
		if got < c.min || got > c.max {
			t.Errorf("Similarity(%q, %q) = %v, want in [%v, %v]", c.query, c.content, got, c.min, c.max)
		}
	}
}

func TestSimilarityMonotonicInOverlap(t *testing.T) {
	query := "database connection timeout"
	close := Similarity(query, "database connection timeout in worker")
	far := Similarity(query, "database migration applied")
	if close <= far {
		t.Errorf("closer text scored %v, further text %v", close, far)
	}
}

func TestNormalizeImportanceBounds(t *testing.T) {
	if normalizeImportance(0) != 0 || normalizeImportance(1) != 0 {
		t.Error("importance <= 1 should normalize to 0")
	}
	if normalizeImportance(10) != 1 || normalizeImportance(99) != 1 {
		t.Error("importance >= 10 should normalize to 1")
	}
	if mid := normalizeImportance(5); mid <= 0 || mid >= 1 {
		t.Errorf("importance 5 normalized to %v, want interior of (0,1)", mid)
	}
}
