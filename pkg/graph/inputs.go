package graph

// Inputs is an ordered, keyed mapping of declared input edges. Iteration
// order is insertion order, so node parents stay deterministic across runs.
type Inputs struct {
	keys []string
	m    map[string]*Node
}

// NewInputs creates an empty Inputs mapping.
func NewInputs() *Inputs {
	return &Inputs{m: make(map[string]*Node)}
}

// Set binds key to n, preserving the position of an existing key.
func (in *Inputs) Set(key string, n *Node) {
	if _, ok := in.m[key]; !ok {
		in.keys = append(in.keys, key)
	}
	in.m[key] = n
}

// Get returns the node bound to key, or nil.
func (in *Inputs) Get(key string) *Node {
	return in.m[key]
}

// Has reports whether key is bound.
func (in *Inputs) Has(key string) bool {
	_, ok := in.m[key]
	return ok
}

// Contains reports whether n is bound under any key.
func (in *Inputs) Contains(n *Node) bool {
	for _, v := range in.m {
		if v == n {
			return true
		}
	}
	return false
}

// Len returns the number of bound keys.
func (in *Inputs) Len() int { return len(in.keys) }

// Keys returns the bound keys in insertion order.
func (in *Inputs) Keys() []string {
	out := make([]string, len(in.keys))
	copy(out, in.keys)
	return out
}

// Items returns the edges in insertion order.
func (in *Inputs) Items() []Edge {
	out := make([]Edge, 0, len(in.keys))
	for _, k := range in.keys {
		out = append(out, Edge{Key: k, To: in.m[k]})
	}
	return out
}
