package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/lineage/internal/store"
	"github.com/rendis/lineage/pkg/graph"
)

// --- Tool definitions ---

func inspectTool() mcp.Tool {
	return mcp.NewTool("lineage.inspect",
		mcp.WithDescription("Inspect a provenance-graph node: payload, description, parents, and children"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique node name, e.g. \"eval:0\"")),
	)
}

func paramsTool() mcp.Tool {
	return mcp.NewTool("lineage.params",
		mcp.WithDescription("List the trainable parameters of the graph with payloads and constraints"),
	)
}

func setParamTool() mcp.Tool {
	return mcp.NewTool("lineage.set_param",
		mcp.WithDescription("Replace a trainable parameter's payload; the next wrapped call evaluates the new content"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Parameter node name, e.g. \"__code:0\"")),
		mcp.WithString("payload", mcp.Required(), mcp.Description("New source text for the parameter")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("lineage.runs",
		mcp.WithDescription("Query recorded training runs"),
		mcp.WithString("status", mcp.Description("Filter by status (running, completed, failed, cancelled)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return")),
	)
}

// --- Views ---

type nodeView struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Data        string            `json:"data"`
	Parents     map[string]string `json:"parents,omitempty"`
	Children    []string          `json:"children,omitempty"`
	Info        map[string]any    `json:"info,omitempty"`
}

type paramView struct {
	Name       string `json:"name"`
	Payload    string `json:"payload"`
	Constraint string `json:"constraint,omitempty"`
	Version    int64  `json:"version"`
}

// viewNode renders a node without touching read-capture accounting; all
// payload access goes through Peek.
func viewNode(n *graph.Node) nodeView {
	v := nodeView{
		Name:        n.Name(),
		Description: n.Description(),
		Data:        fmt.Sprintf("%v", n.Peek()),
		Info:        n.Info(),
	}
	parents := n.Parents()
	if len(parents) > 0 {
		v.Parents = make(map[string]string, len(parents))
		for _, e := range parents {
			v.Parents[e.Key] = e.To.Name()
		}
	}
	for _, c := range n.Children() {
		v.Children = append(v.Children, c.Name())
	}
	return v
}

// --- Handlers ---

func (s *GraphServer) handleInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	n := s.graph.Lookup(name)
	if n == nil {
		return mcp.NewToolResultError(fmt.Sprintf("node %q not found", name)), nil
	}
	return marshalResult(viewNode(n))
}

func (s *GraphServer) handleParams(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := s.graph.Parameters()
	views := make([]paramView, 0, len(params))
	for _, p := range params {
		payload, ok := p.Peek().(string)
		if !ok {
			payload = fmt.Sprintf("%v", p.Peek())
		}
		views = append(views, paramView{
			Name:       p.Name(),
			Payload:    payload,
			Constraint: p.Constraint(),
			Version:    p.Version(),
		})
	}
	return marshalResult(views)
}

func (s *GraphServer) handleSetParam(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	payload, err := req.RequireString("payload")
	if err != nil {
		return mcp.NewToolResultError("payload is required"), nil
	}

	p := s.graph.Parameter(name)
	if p == nil {
		return mcp.NewToolResultError(fmt.Sprintf("parameter %q not found", name)), nil
	}

	p.SetData(payload)
	s.logger.Info("parameter updated",
		"param", name,
		"version", p.Version(),
		"session_id", s.session,
	)
	return marshalResult(map[string]any{
		"ok":      true,
		"name":    name,
		"version": p.Version(),
	})
}

func (s *GraphServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runs == nil {
		return mcp.NewToolResultError("run store is not configured"), nil
	}

	filter := store.RunFilter{
		Status: req.GetString("status", ""),
		Limit:  req.GetInt("limit", 0),
	}
	runs, err := s.runs.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run query failed: %v", err)), nil
	}
	return marshalResult(runs)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
