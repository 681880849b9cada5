package query

import (
	"sort"
	"time"

	"github.com/lazypower/atlas/internal/store"
)

type nodeVisit struct {
	node   store.GraphNode
	reason string // "seed", "traversal", "proactive"
}

type walkResult struct {
	nodes        map[string]nodeVisit
	edges        []store.GraphEdge
	seedRefs     []string
	truncated    bool
	depthReached int
	visited      int
}

// neighbor is one candidate expansion, ordered by intent weight then
// ref for determinism.
type neighbor struct {
	nodeType store.NodeType
	key      string
	edge     store.GraphEdge
	weight   float64
}

// traverse runs breadth-first expansion from the seeds along
// intent-weighted edges. The depth, node count, and deadline caps are
// checked before each expansion step; hitting one stops the walk and
// marks the result truncated.
func (e *Engine) traverse(seeds []store.GraphNode, intents []InferredIntent, deadline time.Time) (*walkResult, error) {
	walk := &walkResult{nodes: make(map[string]nodeVisit)}

	type frontierEntry struct {
		node  store.GraphNode
		depth int
	}
	var frontier []frontierEntry
	for _, s := range seeds {
		ref := s.Ref()
		if _, ok := walk.nodes[ref]; ok {
			continue
		}
		if len(walk.nodes) >= e.opts.Caps.MaxNodes {
			walk.truncated = true
			break
		}
		walk.nodes[ref] = nodeVisit{node: s, reason: "seed"}
		walk.seedRefs = append(walk.seedRefs, ref)
		frontier = append(frontier, frontierEntry{node: s, depth: 0})
	}

	edgeSeen := make(map[string]bool)

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		walk.visited++

		// Cooperative deadline check: no new expansion starts once the
		// deadline has passed.
		if time.Now().After(deadline) {
			walk.truncated = true
			break
		}
		neighbors, err := e.expandable(current.node, intents)
		if err != nil {
			return nil, err
		}

		if current.depth >= e.opts.Caps.MaxDepth {
			// Depth cap: only truncated if there was actually more
			// graph to walk from here.
			for _, nb := range neighbors {
				if _, known := walk.nodes[string(nb.nodeType)+":"+nb.key]; !known {
					walk.truncated = true
					break
				}
			}
			continue
		}

		for _, nb := range neighbors {
			ref := string(nb.nodeType) + ":" + nb.key
			ek := nb.edge.SourceRef() + "|" + string(nb.edge.Type) + "|" + nb.edge.TargetRef()
			if _, known := walk.nodes[ref]; known {
				if !edgeSeen[ek] {
					edgeSeen[ek] = true
					walk.edges = append(walk.edges, nb.edge)
				}
				continue
			}
			if len(walk.nodes) >= e.opts.Caps.MaxNodes {
				walk.truncated = true
				break
			}
			node, err := e.db.GetNode(nb.nodeType, nb.key)
			if err != nil {
				return nil, err
			}
			if node == nil {
				// Edge references a node another projector has not
				// written yet; skip rather than fail.
				continue
			}
			walk.nodes[ref] = nodeVisit{node: *node, reason: "traversal"}
			if !edgeSeen[ek] {
				edgeSeen[ek] = true
				walk.edges = append(walk.edges, nb.edge)
			}
			if current.depth+1 > walk.depthReached {
				walk.depthReached = current.depth + 1
			}
			frontier = append(frontier, frontierEntry{node: *node, depth: current.depth + 1})
		}
	}

	if len(frontier) > 0 {
		// Work remained when a cap ended the walk.
		walk.truncated = true
	}
	return walk, nil
}

// expandable lists a node's neighbors along edges the classified
// intents care about, best-weighted first.
func (e *Engine) expandable(n store.GraphNode, intents []InferredIntent) ([]neighbor, error) {
	out, err := e.db.OutgoingEdges(n.Type, n.Key)
	if err != nil {
		return nil, err
	}
	in, err := e.db.IncomingEdges(n.Type, n.Key)
	if err != nil {
		return nil, err
	}

	var neighbors []neighbor
	for _, ge := range out {
		w := combinedEdgeWeight(intents, ge.Type)
		if w <= 0 {
			continue
		}
		neighbors = append(neighbors, neighbor{nodeType: ge.TargetType, key: ge.TargetKey, edge: ge, weight: w})
	}
	for _, ge := range in {
		w := combinedEdgeWeight(intents, ge.Type)
		if w <= 0 {
			continue
		}
		neighbors = append(neighbors, neighbor{nodeType: ge.SourceType, key: ge.SourceKey, edge: ge, weight: w})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].weight != neighbors[j].weight {
			return neighbors[i].weight > neighbors[j].weight
		}
		ri := string(neighbors[i].nodeType) + ":" + neighbors[i].key
		rj := string(neighbors[j].nodeType) + ":" + neighbors[j].key
		return ri < rj
	})
	return neighbors, nil
}
