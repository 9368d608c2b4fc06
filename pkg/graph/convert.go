package graph

// Container is implemented by user-defined aggregates that hold nodes and
// know how to produce a copy of themselves with each node replaced by its
// payload. It extends the closed set of traversable container shapes.
type Container interface {
	ExtractData() any
}

// ToData extracts the payload from a node or a container of nodes. Reads go
// through Data, so every node encountered is recorded as used by the
// innermost active capture collection. Traversal covers the closed set of
// container variants: slices, string-keyed maps, and Container values; the
// node variants are the base case. Anything else passes through unchanged.
func ToData(v any) any {
	switch x := v.(type) {
	case Noder:
		return x.GraphNode().Data()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = ToData(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = ToData(e)
		}
		return out
	case Container:
		return x.ExtractData()
	default:
		return v
	}
}

// WrapAll converts a value or container of values into the node form: raw
// leaves are wrapped via Of, existing nodes are kept, and container shapes
// are rebuilt with node elements.
func WrapAll(g *Graph, v any) any {
	switch x := v.(type) {
	case Noder:
		return x.GraphNode()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = WrapAll(g, e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = WrapAll(g, e)
		}
		return out
	default:
		return Of(g, v)
	}
}
