package graph

import "context"

// Virtual node IDs. Start and End never execute; they anchor the entry point
// and the terminal edges.
const (
	Start = "__start__"
	End   = "__end__"
)

// NodeFunc is the body of a node. It receives the current state and returns a
// partial update; the executor merges the update through the schema reducers.
// Returning a nil update is valid and commits an empty checkpoint step.
type NodeFunc func(ctx context.Context, state State) (State, error)

// RoutingFunc inspects the state after a node ran and returns a label. The
// label must be a key of the conditional edge's path map.
type RoutingFunc func(ctx context.Context, state State) (string, error)

// Node is a named unit of work in the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc
}

// Edge is a static transition between two nodes.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes from a node to one of a closed set of targets based
// on the routing function's label.
type ConditionalEdge struct {
	From    string
	Routing RoutingFunc
	// PathMap maps routing labels to target node IDs. Labels outside this
	// map are a configuration error at run time.
	PathMap map[string]string
}

// Graph is an immutable compiled graph. Build one with StateGraph.
type Graph struct {
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
	interruptBefore  map[string]bool
}

// Schema returns the state schema the graph was compiled with.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// Node returns the node registered under id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the node registry keyed by ID.
func (g *Graph) Nodes() map[string]*Node {
	return g.nodes
}

// EntryPoint returns the first node executed on a fresh run.
func (g *Graph) EntryPoint() string {
	return g.entryPoint
}

// InterruptBefore reports whether execution must pause before nodeID.
func (g *Graph) InterruptBefore(nodeID string) bool {
	return g.interruptBefore[nodeID]
}

// NextNode resolves the successor of nodeID against the just-updated state.
// Conditional edges take precedence over static edges; a node with neither
// routes to End.
func (g *Graph) NextNode(ctx context.Context, nodeID string, state State) (string, error) {
	if cond, ok := g.conditionalEdges[nodeID]; ok {
		label, err := cond.Routing(ctx, state)
		if err != nil {
			return "", &NodeError{NodeID: nodeID, Err: err}
		}
		target, ok := cond.PathMap[label]
		if !ok {
			return "", NewConfigError(
				"routing function for node %s returned unmapped label %q", nodeID, label)
		}
		return target, nil
	}
	if edges := g.edges[nodeID]; len(edges) > 0 {
		return edges[0].To, nil
	}
	return End, nil
}
