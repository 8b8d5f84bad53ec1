package graph

// StateGraph builds a Graph incrementally. Compile validates the whole
// definition and returns an immutable Graph; the builder must not be reused
// afterwards.
type StateGraph struct {
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
	interruptBefore  []string
	duplicateNodes   []string
}

// NewStateGraph creates a builder over the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
	}
}

// NodeOption configures an added node.
type NodeOption func(*Node)

// WithName sets a display name for the node.
func WithName(name string) NodeOption {
	return func(n *Node) { n.Name = name }
}

// WithDescription sets a description for the node.
func WithDescription(desc string) NodeOption {
	return func(n *Node) { n.Description = desc }
}

// AddNode registers a node under id. Registering the same id twice is a
// compile-time error.
func (sg *StateGraph) AddNode(id string, fn NodeFunc, opts ...NodeOption) *StateGraph {
	if _, exists := sg.nodes[id]; exists {
		sg.duplicateNodes = append(sg.duplicateNodes, id)
	}
	node := &Node{ID: id, Name: id, Function: fn}
	for _, opt := range opts {
		opt(node)
	}
	sg.nodes[id] = node
	return sg
}

// AddEdge adds a static edge from one node to another.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.edges[from] = append(sg.edges[from], &Edge{From: from, To: to})
	return sg
}

// AddConditionalEdges routes from a node through a routing function whose
// labels are resolved against pathMap. A node carries at most one conditional
// edge; a second call overwrites the first.
func (sg *StateGraph) AddConditionalEdges(from string, routing RoutingFunc, pathMap map[string]string) *StateGraph {
	sg.conditionalEdges[from] = &ConditionalEdge{From: from, Routing: routing, PathMap: pathMap}
	return sg
}

// SetEntryPoint declares the node executed first on a fresh run.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.entryPoint = nodeID
	return sg
}

// SetFinishPoint adds a static edge from nodeID to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// WithInterruptBefore declares nodes before which execution pauses for
// external input. The set is part of the compiled graph, not a per-call
// option.
func (sg *StateGraph) WithInterruptBefore(nodeIDs ...string) *StateGraph {
	sg.interruptBefore = append(sg.interruptBefore, nodeIDs...)
	return sg
}

// Compile validates the definition and returns the immutable graph. Every
// edge endpoint, path-map target and interrupt entry must reference a
// registered node (or Start/End where that makes sense).
func (sg *StateGraph) Compile() (*Graph, error) {
	if sg.schema == nil {
		return nil, NewConfigError("state schema is required")
	}
	if len(sg.duplicateNodes) > 0 {
		return nil, NewConfigError("node %s registered twice", sg.duplicateNodes[0])
	}
	if sg.entryPoint == "" {
		return nil, NewConfigError("entry point is required")
	}
	if _, ok := sg.nodes[sg.entryPoint]; !ok {
		return nil, NewConfigError("entry point references unknown node %s", sg.entryPoint)
	}
	for from, edges := range sg.edges {
		if from != Start {
			if _, ok := sg.nodes[from]; !ok {
				return nil, NewConfigError("edge from unknown node %s", from)
			}
		}
		for _, e := range edges {
			if e.To != End {
				if _, ok := sg.nodes[e.To]; !ok {
					return nil, NewConfigError("edge %s -> %s targets unknown node", e.From, e.To)
				}
			}
		}
	}
	for from, cond := range sg.conditionalEdges {
		if _, ok := sg.nodes[from]; !ok {
			return nil, NewConfigError("conditional edge from unknown node %s", from)
		}
		if cond.Routing == nil {
			return nil, NewConfigError("conditional edge from %s has nil routing function", from)
		}
		if len(cond.PathMap) == 0 {
			return nil, NewConfigError("conditional edge from %s has empty path map", from)
		}
		for label, target := range cond.PathMap {
			if target == End {
				continue
			}
			if _, ok := sg.nodes[target]; !ok {
				return nil, NewConfigError(
					"conditional edge from %s maps label %q to unknown node %s", from, label, target)
			}
		}
	}
	interrupts := make(map[string]bool, len(sg.interruptBefore))
	for _, id := range sg.interruptBefore {
		if _, ok := sg.nodes[id]; !ok {
			return nil, NewConfigError("interrupt-before references unknown node %s", id)
		}
		interrupts[id] = true
	}
	for id, node := range sg.nodes {
		if node.Function == nil {
			return nil, NewConfigError("node %s has nil function", id)
		}
	}
	return &Graph{
		schema:           sg.schema,
		nodes:            sg.nodes,
		edges:            sg.edges,
		conditionalEdges: sg.conditionalEdges,
		entryPoint:       sg.entryPoint,
		interruptBefore:  interrupts,
	}, nil
}
