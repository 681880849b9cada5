package query

import (
	"strings"

	"github.com/lazypower/atlas/internal/event"
	"github.com/lazypower/atlas/internal/store"
)

// LineageHop is one step in a causal/derivation chain.
type LineageHop struct {
	Node store.GraphNode `json:"node"`
	Edge *EdgeResult     `json:"edge,omitempty"` // edge that led here; nil for the origin
}

// Lineage walks from a node back to its source events along CAUSED_BY
// and DERIVED_FROM edges, oldest causes last. The node id is
// "Type:key"; a bare key is treated as an Event id.
func (e *Engine) Lineage(nodeID string, maxHops int) ([]LineageHop, error) {
	if strings.TrimSpace(nodeID) == "" {
		return nil, &event.ValidationError{Field: "node_id", Reason: "required"}
	}
	if maxHops <= 0 {
		maxHops = e.opts.Caps.MaxNodes
	}

	nodeType, key := splitRef(nodeID)
	origin, err := e.db.GetNode(nodeType, key)
	if err != nil {
		return nil, err
	}
	if origin == nil {
		return nil, &event.NotFoundError{Kind: "node", ID: nodeID}
	}

	chain := []LineageHop{{Node: *origin}}
	visited := map[string]bool{origin.Ref(): true}
	current := *origin

	for len(chain) <= maxHops {
		next, via, err := e.lineageParent(current)
		if err != nil {
			return nil, err
		}
		if next == nil || visited[next.Ref()] {
			break
		}
		visited[next.Ref()] = true
		chain = append(chain, LineageHop{Node: *next, Edge: via})
		current = *next
	}
	return chain, nil
}

// lineageParent finds the node one causal step upstream: the source of
// an incoming CAUSED_BY edge, or the target of an outgoing
// DERIVED_FROM edge. CAUSED_BY wins when both exist.
func (e *Engine) lineageParent(n store.GraphNode) (*store.GraphNode, *EdgeResult, error) {
	incoming, err := e.db.IncomingEdges(n.Type, n.Key)
	if err != nil {
		return nil, nil, err
	}
	for _, ge := range incoming {
		if ge.Type != store.EdgeCausedBy {
			continue
		}
		parent, err := e.db.GetNode(ge.SourceType, ge.SourceKey)
		if err != nil {
			return nil, nil, err
		}
		if parent != nil {
			return parent, &EdgeResult{
				Source: ge.SourceRef(), Target: ge.TargetRef(),
				Type: ge.Type, Properties: ge.Properties,
			}, nil
		}
	}

	outgoing, err := e.db.OutgoingEdges(n.Type, n.Key)
	if err != nil {
		return nil, nil, err
	}
	for _, ge := range outgoing {
		if ge.Type != store.EdgeDerivedFrom {
			continue
		}
		source, err := e.db.GetNode(ge.TargetType, ge.TargetKey)
		if err != nil {
			return nil, nil, err
		}
		if source != nil {
			return source, &EdgeResult{
				Source: ge.SourceRef(), Target: ge.TargetRef(),
				Type: ge.Type, Properties: ge.Properties,
			}, nil
		}
	}
	return nil, nil, nil
}

func splitRef(id string) (store.NodeType, string) {
	if i := strings.Index(id, ":"); i > 0 {
		return store.NodeType(id[:i]), id[i+1:]
	}
	return store.NodeEvent, id
}
