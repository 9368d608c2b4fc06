package graph

import (
	"fmt"
	"regexp"
	"sync"
)

// Graph is a provenance-graph execution context. It owns the deterministic
// name registry, the tracing flag, and the read-capture stack for the calls
// executing on its logical call stack.
//
// A Graph is safe to share between goroutines only for registry lookups
// (node/parameter inspection). The capture stack assumes one logical call
// stack per Graph: two wrapped calls running on different goroutines against
// the same Graph corrupt each other's used-node accounting. Callers that need
// concurrency must give each goroutine its own Graph.
type Graph struct {
	mu       sync.Mutex
	trace    bool
	counters map[string]int
	nodes    map[string]*Node
	order    []string
	params   []*ParameterNode
	capture  []*CaptureSet
}

// New creates an empty Graph with tracing enabled.
func New() *Graph {
	return &Graph{
		trace:    true,
		counters: make(map[string]int),
		nodes:    make(map[string]*Node),
	}
}

// SetTrace toggles edge bookkeeping. When tracing is off, nodes produced by
// wrapped calls carry no parent edges; execution is otherwise identical.
func (g *Graph) SetTrace(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trace = on
}

// Tracing reports whether edge bookkeeping is enabled.
func (g *Graph) Tracing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trace
}

// BeginCapture pushes a fresh used-node collection onto the capture stack and
// returns it. Every node payload read on this Graph until the matching
// EndCapture is recorded into the returned collection.
func (g *Graph) BeginCapture() *CaptureSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs := newCaptureSet()
	g.capture = append(g.capture, cs)
	return cs
}

// EndCapture pops the innermost capture collection and returns it. Callers
// must pair every BeginCapture with a deferred EndCapture so the stack is
// restored on every exit path, including faults.
func (g *Graph) EndCapture() *CaptureSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.capture) == 0 {
		return nil
	}
	top := g.capture[len(g.capture)-1]
	g.capture = g.capture[:len(g.capture)-1]
	return top
}

// recordRead marks n as used in the innermost active capture collection.
func (g *Graph) recordRead(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.capture) > 0 {
		g.capture[len(g.capture)-1].add(n)
	}
}

// uniqueName assigns the next deterministic name for op: "op:0", "op:1", ...
func (g *Graph) uniqueName(op string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	op = sanitizeOp(op)
	n := g.counters[op]
	g.counters[op] = n + 1
	return fmt.Sprintf("%s:%d", op, n)
}

// register adds a node to the registry under its unique name.
func (g *Graph) register(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.name] = n
	g.order = append(g.order, n.name)
}

func (g *Graph) registerParam(p *ParameterNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = append(g.params, p)
}

// Lookup returns the node registered under name, or nil.
func (g *Graph) Lookup(name string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[name]
}

// Names returns all registered node names in creation order.
func (g *Graph) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Parameters returns every ParameterNode created on this Graph, in creation
// order. This is the trainable surface an optimizer mutates.
func (g *Graph) Parameters() []*ParameterNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ParameterNode, len(g.params))
	copy(out, g.params)
	return out
}

// Parameter returns the ParameterNode registered under name, or nil.
func (g *Graph) Parameter(name string) *ParameterNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.params {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// CaptureSet is the per-call collection of nodes whose payload was read
// during the call. Owned exclusively by the call that created it.
type CaptureSet struct {
	seen  map[*Node]struct{}
	order []*Node
}

func newCaptureSet() *CaptureSet {
	return &CaptureSet{seen: make(map[*Node]struct{})}
}

func (c *CaptureSet) add(n *Node) {
	if _, ok := c.seen[n]; ok {
		return
	}
	c.seen[n] = struct{}{}
	c.order = append(c.order, n)
}

// Contains reports whether n was recorded in this collection.
func (c *CaptureSet) Contains(n *Node) bool {
	_, ok := c.seen[n]
	return ok
}

// Nodes returns the recorded nodes in first-read order.
func (c *CaptureSet) Nodes() []*Node {
	out := make([]*Node, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of distinct nodes recorded.
func (c *CaptureSet) Len() int { return len(c.order) }

var opNamePattern = regexp.MustCompile(`^\[([^\[\]]+)\]`)

// OpName extracts the operator name from a description of the form
// "[op] free text". Returns "" when the description has no bracketed prefix.
func OpName(description string) string {
	m := opNamePattern.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return m[1]
}

var invalidOpChars = regexp.MustCompile(`[^A-Za-z0-9_.]`)

// sanitizeOp normalizes an operator name for use in node names.
func sanitizeOp(op string) string {
	if op == "" {
		op = "node"
	}
	return invalidOpChars.ReplaceAllString(op, "_")
}
