// Package query turns retrieval requests into ranked, bounded graph
// responses: intent classification, seed selection, capped traversal,
// proactive augmentation, and decay-scored ranking.
package query

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/atlas/internal/event"
	"github.com/lazypower/atlas/internal/scoring"
	"github.com/lazypower/atlas/internal/store"
)

// NoSeedFoundError means no starting node matched the query above the
// minimum confidence threshold.
type NoSeedFoundError struct {
	SessionID string
	Query     string
}

func (e *NoSeedFoundError) Error() string {
	return fmt.Sprintf("no seed node found for session %q query %q", e.SessionID, e.Query)
}

// Caps are the hard traversal bounds, checked before every expansion.
type Caps struct {
	MaxDepth   int           `json:"max_depth"`
	MaxNodes   int           `json:"max_nodes"`
	MaxElapsed time.Duration `json:"-"`
}

// Options are the engine tunables, resolved once at startup.
type Options struct {
	Caps              Caps
	HalfLife          time.Duration
	Weights           scoring.Weights
	ProactiveLimit    int
	MinSeedConfidence float64
	MaxSeeds          int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Caps:              Caps{MaxDepth: 3, MaxNodes: 50, MaxElapsed: 2 * time.Second},
		HalfLife:          90 * 24 * time.Hour,
		Weights:           scoring.DefaultWeights(),
		ProactiveLimit:    5,
		MinSeedConfidence: 0.1,
		MaxSeeds:          5,
	}
}

// Request is one retrieval call. Weight overrides are optional; nil
// means the configured defaults.
type Request struct {
	SessionID string
	Query     string
	Weights   *scoring.Weights
	PageSize  int
	Cursor    string
}

// NodeResult is one returned node with its score breakdown and the
// reason it was retrieved: "seed", "traversal", or "proactive".
type NodeResult struct {
	Type            store.NodeType    `json:"type"`
	Attributes      map[string]any    `json:"attributes,omitempty"`
	Content         string            `json:"content,omitempty"`
	Provenance      store.Provenance  `json:"provenance"`
	Scores          scoring.Composite `json:"scores"`
	RetrievalReason string            `json:"retrieval_reason"`
}

// EdgeResult is one returned edge.
type EdgeResult struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       store.EdgeType `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Pagination carries the cursor for the next page of ranked nodes.
type Pagination struct {
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

// Meta describes how the response was assembled.
type Meta struct {
	QueryMS             int64            `json:"query_ms"`
	NodesReturned       int              `json:"nodes_returned"`
	Truncated           bool             `json:"truncated"`
	InferredIntents     []InferredIntent `json:"inferred_intents"`
	SeedNodes           []string         `json:"seed_nodes"`
	ProactiveNodesCount int              `json:"proactive_nodes_count"`
	ScoringWeights      scoring.Weights  `json:"scoring_weights"`
	Caps                capsMeta         `json:"caps"`
	Usage               usageMeta        `json:"usage"`
}

type capsMeta struct {
	MaxDepth     int   `json:"max_depth"`
	MaxNodes     int   `json:"max_nodes"`
	MaxElapsedMS int64 `json:"max_elapsed_ms"`
}

type usageMeta struct {
	DepthReached int   `json:"depth_reached"`
	NodesVisited int   `json:"nodes_visited"`
	ElapsedMS    int64 `json:"elapsed_ms"`
}

// Response is the retrieval result shape consumed by dashboards and
// CLIs.
type Response struct {
	Nodes      map[string]NodeResult `json:"nodes"`
	Edges      []EdgeResult          `json:"edges"`
	Pagination Pagination            `json:"pagination"`
	Meta       Meta                  `json:"meta"`
}

// Engine executes retrieval requests. It is stateless per request and
// read-only against the graph store.
type Engine struct {
	db   *store.DB
	opts Options
}

// New creates a query engine with the given tunables.
func New(db *store.DB, opts Options) *Engine {
	if opts.Caps.MaxDepth <= 0 {
		opts.Caps.MaxDepth = 3
	}
	if opts.Caps.MaxNodes <= 0 {
		opts.Caps.MaxNodes = 50
	}
	if opts.Caps.MaxElapsed <= 0 {
		opts.Caps.MaxElapsed = 2 * time.Second
	}
	if opts.MaxSeeds <= 0 {
		opts.MaxSeeds = 5
	}
	if opts.ProactiveLimit < 0 {
		opts.ProactiveLimit = 0
	}
	if opts.Weights == (scoring.Weights{}) {
		opts.Weights = scoring.DefaultWeights()
	}
	if opts.MinSeedConfidence <= 0 {
		opts.MinSeedConfidence = 0.1
	}
	return &Engine{db: db, opts: opts}
}

// Retrieve runs the full pipeline. Cap violations are not errors: they
// produce a valid response with meta.truncated set.
func (e *Engine) Retrieve(req Request, now time.Time) (*Response, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, &event.ValidationError{Field: "session_id", Reason: "required"}
	}

	start := now
	deadline := now.Add(e.opts.Caps.MaxElapsed)
	intents := ClassifyIntent(req.Query)

	weights := e.opts.Weights
	if req.Weights != nil {
		weights = *req.Weights
	}

	seeds, err := e.selectSeeds(req.SessionID, req.Query)
	if err != nil {
		return nil, err
	}

	walk, err := e.traverse(seeds, intents, deadline)
	if err != nil {
		return nil, err
	}

	proactive := e.augmentProactive(walk, req.SessionID)

	affinity := e.affinityKeys()
	type ranked struct {
		ref    string
		node   store.GraphNode
		reason string
		scores scoring.Composite
	}
	var all []ranked
	for ref, visit := range walk.nodes {
		all = append(all, ranked{
			ref:    ref,
			node:   visit.node,
			reason: visit.reason,
			scores: scoring.Score(scoring.Inputs{
				Node:         &visit.node,
				QueryText:    req.Query,
				AffinityKeys: affinity,
				HalfLife:     e.opts.HalfLife,
			}, now, weights),
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].scores.Composite != all[j].scores.Composite {
			return all[i].scores.Composite > all[j].scores.Composite
		}
		return all[i].node.GlobalPosition < all[j].node.GlobalPosition
	})

	// Page over the ranked list.
	offset := 0
	if req.Cursor != "" {
		offset, err = strconv.Atoi(req.Cursor)
		if err != nil || offset < 0 {
			return nil, &event.ValidationError{Field: "cursor", Reason: "must be a non-negative integer"}
		}
	}
	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > e.opts.Caps.MaxNodes {
		pageSize = e.opts.Caps.MaxNodes
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}
	var page []ranked
	if offset < len(all) {
		page = all[offset:end]
	}

	resp := &Response{
		Nodes: make(map[string]NodeResult, len(page)),
	}
	inPage := make(map[string]bool, len(page))
	for _, r := range page {
		inPage[r.ref] = true
		resp.Nodes[r.ref] = NodeResult{
			Type:            r.node.Type,
			Attributes:      r.node.Attributes,
			Content:         r.node.Content,
			Provenance:      r.node.Provenance,
			Scores:          r.scores,
			RetrievalReason: r.reason,
		}
	}
	for _, ge := range walk.edges {
		if inPage[ge.SourceRef()] && inPage[ge.TargetRef()] {
			resp.Edges = append(resp.Edges, EdgeResult{
				Source:     ge.SourceRef(),
				Target:     ge.TargetRef(),
				Type:       ge.Type,
				Properties: ge.Properties,
			})
		}
	}

	if end < len(all) {
		resp.Pagination = Pagination{Cursor: strconv.Itoa(end), HasMore: true}
	}

	resp.Meta = Meta{
		QueryMS:             time.Since(start).Milliseconds(),
		NodesReturned:       len(resp.Nodes),
		Truncated:           walk.truncated,
		InferredIntents:     intents,
		SeedNodes:           walk.seedRefs,
		ProactiveNodesCount: proactive,
		ScoringWeights:      weights,
		Caps: capsMeta{
			MaxDepth:     e.opts.Caps.MaxDepth,
			MaxNodes:     e.opts.Caps.MaxNodes,
			MaxElapsedMS: e.opts.Caps.MaxElapsed.Milliseconds(),
		},
		Usage: usageMeta{
			DepthReached: walk.depthReached,
			NodesVisited: walk.visited,
			ElapsedMS:    time.Since(start).Milliseconds(),
		},
	}
	return resp, nil
}

// selectSeeds resolves the traversal's starting nodes: a direct id
// match when the query contains a UUID, otherwise the session's nodes
// filtered by relevance when query text is present.
func (e *Engine) selectSeeds(sessionID, queryText string) ([]store.GraphNode, error) {
	// Direct id match wins.
	for _, token := range strings.Fields(queryText) {
		if _, err := uuid.Parse(token); err == nil {
			node, err := e.db.GetNode(store.NodeEvent, token)
			if err != nil {
				return nil, err
			}
			if node != nil {
				return []store.GraphNode{*node}, nil
			}
		}
	}

	candidates, err := e.db.NodesBySession(sessionID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(queryText) == "" {
		if len(candidates) == 0 {
			return nil, &NoSeedFoundError{SessionID: sessionID, Query: queryText}
		}
		if len(candidates) > e.opts.MaxSeeds {
			// Most recent session nodes anchor a context query.
			candidates = candidates[len(candidates)-e.opts.MaxSeeds:]
		}
		return candidates, nil
	}

	type scored struct {
		node store.GraphNode
		sim  float64
	}
	var matches []scored
	for _, n := range candidates {
		sim := scoring.Similarity(queryText, n.Content)
		if sim >= e.opts.MinSeedConfidence {
			matches = append(matches, scored{node: n, sim: sim})
		}
	}
	if len(matches) == 0 {
		return nil, &NoSeedFoundError{SessionID: sessionID, Query: queryText}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].sim != matches[j].sim {
			return matches[i].sim > matches[j].sim
		}
		return matches[i].node.GlobalPosition < matches[j].node.GlobalPosition
	})
	if len(matches) > e.opts.MaxSeeds {
		matches = matches[:e.opts.MaxSeeds]
	}
	seeds := make([]store.GraphNode, len(matches))
	for i, m := range matches {
		seeds[i] = m.node
	}
	return seeds, nil
}

// augmentProactive appends a bounded number of personalization nodes
// beyond the direct traversal, never pushing the total past MaxNodes.
// Returns how many were added.
func (e *Engine) augmentProactive(walk *walkResult, sessionID string) int {
	if e.opts.ProactiveLimit == 0 {
		return 0
	}
	types := []store.NodeType{store.NodePreference, store.NodeUserProfile, store.NodeBehavioralPattern}
	extra, err := e.db.NodesByTypes(types, e.opts.ProactiveLimit*2)
	if err != nil {
		// Augmentation is best-effort; the traversal result still
		// stands, but the failure is recorded.
		log.Printf("query: proactive augmentation: %v", err)
		return 0
	}
	added := 0
	for _, n := range extra {
		if added >= e.opts.ProactiveLimit || len(walk.nodes) >= e.opts.Caps.MaxNodes {
			break
		}
		ref := n.Ref()
		if _, ok := walk.nodes[ref]; ok {
			continue
		}
		walk.nodes[ref] = nodeVisit{node: n, reason: "proactive"}
		added++
	}
	return added
}

// affinityKeys returns the refs of personalization nodes, used by the
// user-affinity scoring factor.
func (e *Engine) affinityKeys() map[string]bool {
	nodes, err := e.db.NodesByTypes(
		[]store.NodeType{store.NodeUserProfile, store.NodePreference, store.NodeBehavioralPattern}, 256)
	if err != nil {
		// Affinity degrades to zero for every node; the failure is
		// recorded rather than silently changing scores.
		log.Printf("query: affinity keys: %v", err)
		return nil
	}
	if len(nodes) == 0 {
		return nil
	}
	keys := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		keys[n.Ref()] = true
	}
	return keys
}
