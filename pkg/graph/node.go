package graph

import (
	"fmt"
	"sync/atomic"
)

// Noder is satisfied by every node variant. GraphNode returns the underlying
// base node, which carries graph identity for edge and usage bookkeeping.
type Noder interface {
	GraphNode() *Node
}

// Edge is a named parent edge of a node.
type Edge struct {
	Key string
	To  *Node
}

// Node is a vertex of the provenance graph. It holds a payload value, an
// ordered set of named parent edges, free-form metadata, and a human-readable
// description. The payload is immutable once read-tracked; mutation goes
// through creating a new node (ParameterNode is the sanctioned exception).
type Node struct {
	graph       *Graph
	name        string
	data        any
	description string
	parents     []Edge
	children    []*Node
	info        map[string]any
}

// GraphNode returns the node itself; it makes every variant a Noder.
func (n *Node) GraphNode() *Node { return n }

// Graph returns the execution context that owns this node.
func (n *Node) Graph() *Graph { return n.graph }

// Name returns the deterministic unique name, e.g. "concat:0".
func (n *Node) Name() string { return n.name }

// Description returns the human-readable description.
func (n *Node) Description() string { return n.description }

// Data returns the payload and records the read into the innermost active
// capture collection. This is how implicit dependencies are discovered:
// reading a node's value anywhere during a wrapped call, however deeply
// nested, registers it as used.
func (n *Node) Data() any {
	n.graph.recordRead(n)
	return n.payload()
}

// Peek returns the payload without recording a read. Reserved for
// bookkeeping surfaces (inspection, checkpointing) that must not show up as
// data dependencies.
func (n *Node) Peek() any { return n.payload() }

// payload reads n.data under the graph lock. ParameterNode payloads are
// mutated from other goroutines (checkpointing, the MCP server), so every
// read must synchronize with SetData's write.
func (n *Node) payload() any {
	n.graph.mu.Lock()
	v := n.data
	n.graph.mu.Unlock()
	return v
}

// Parents returns the named parent edges in declaration order.
func (n *Node) Parents() []Edge {
	out := make([]Edge, len(n.parents))
	copy(out, n.parents)
	return out
}

// ParentMap returns the parent edges as a name-to-node map.
func (n *Node) ParentMap() map[string]*Node {
	out := make(map[string]*Node, len(n.parents))
	for _, e := range n.parents {
		out[e.Key] = e.To
	}
	return out
}

// Children returns the nodes that list this node as a parent.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Info returns the node's metadata record.
func (n *Node) Info() map[string]any { return n.info }

func (n *Node) String() string {
	return fmt.Sprintf("%s=%v", n.name, n.payload())
}

// initNode fills in a node in place and registers it. When tracing is
// enabled on the graph, parent edges are linked both ways; otherwise edge
// bookkeeping is skipped entirely.
func initNode(g *Graph, n *Node, value any, op, description string, inputs *Inputs, info map[string]any) {
	if description == "" {
		description = fmt.Sprintf("[%s] %s", sanitizeOp(op), op)
	}
	n.graph = g
	n.name = g.uniqueName(op)
	n.data = value
	n.description = description
	n.info = info
	if g.Tracing() && inputs != nil {
		for _, e := range inputs.Items() {
			n.parents = append(n.parents, e)
			e.To.children = append(e.To.children, n)
		}
	}
	g.register(n)
}

// Of wraps a raw value as a leaf node named after its dynamic type
// ("string:0", "int:1", ...). Values that are already nodes are returned
// unchanged.
func Of(g *Graph, value any) *Node {
	if nd, ok := value.(Noder); ok {
		return nd.GraphNode()
	}
	op := sanitizeOp(fmt.Sprintf("%T", value))
	n := &Node{}
	initNode(g, n, value, op, fmt.Sprintf("[%s] constant.", op), nil, nil)
	return n
}

// MessageNode represents a successful call's result; its parents are the
// declared inputs of the call that produced it.
type MessageNode struct {
	Node
}

// NewMessage constructs a MessageNode with the given payload, declared
// inputs, operator name, description, and metadata.
func NewMessage(g *Graph, value any, inputs *Inputs, op, description string, info map[string]any) *MessageNode {
	m := &MessageNode{}
	initNode(g, &m.Node, value, op, description, inputs, info)
	return m
}

// ExceptionNode represents a captured fault. Its payload is the fault and its
// parents are the inputs available when the fault occurred, keeping graph
// structure intact on failure.
type ExceptionNode struct {
	Node
}

// NewException constructs an ExceptionNode from a fault.
func NewException(g *Graph, fault error, inputs *Inputs, op, description string, info map[string]any) *ExceptionNode {
	e := &ExceptionNode{}
	initNode(g, &e.Node, fault, op, description, inputs, info)
	return e
}

// Fault returns the captured error without recording a read.
func (e *ExceptionNode) Fault() error {
	err, _ := e.payload().(error)
	return err
}

// ParameterNode is a node whose payload is mutable, externally-updatable
// content (typically source text) plus an optimization constraint. It is the
// trainable representation of a code block.
type ParameterNode struct {
	Node
	constraint string
	version    atomic.Int64
}

// NewParameter constructs a ParameterNode with the given payload and
// constraint text.
func NewParameter(g *Graph, payload any, op, constraint string) *ParameterNode {
	p := &ParameterNode{constraint: constraint}
	initNode(g, &p.Node, payload, op, fmt.Sprintf("[%s] trainable parameter.", sanitizeOp(op)), nil, nil)
	g.registerParam(p)
	return p
}

// Constraint returns the optimization constraint attached at construction.
func (p *ParameterNode) Constraint() string { return p.constraint }

// SetData replaces the payload. The next wrapped call that evaluates this
// parameter sees the new content.
func (p *ParameterNode) SetData(payload any) {
	p.graph.mu.Lock()
	p.data = payload
	p.graph.mu.Unlock()
	p.version.Add(1)
}

// Version returns the number of payload updates since construction.
func (p *ParameterNode) Version() int64 { return p.version.Load() }
